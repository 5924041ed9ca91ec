package manifest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/cortado/pkg/predicates"
)

func fetchFrom(manifests map[string]*Manifest) func(string) (*Manifest, error) {
	return func(name string) (*Manifest, error) {
		m, ok := manifests[name]
		if !ok {
			return nil, fmt.Errorf("no such manifest: %s", name)
		}
		return m, nil
	}
}

func TestExpandInlinesIncludedManifests(t *testing.T) {
	e := &Expander{
		Fetch: fetchFrom(map[string]*Manifest{
			"host1": {
				Catalogs:          []string{"testing", "production"},
				ManagedInstalls:   []string{"FooApp"},
				IncludedManifests: []string{"site_default"},
			},
			"site_default": {
				Catalogs:        []string{"production"},
				ManagedInstalls: []string{"BarApp", "FooApp"},
				ManagedUpdates:  []string{"Plugin"},
			},
		}),
	}

	got, err := e.Expand("host1")
	require.NoError(t, err)
	assert.Equal(t, []string{"testing", "production"}, got.Catalogs)
	assert.Equal(t, []string{"FooApp", "BarApp"}, got.ManagedInstalls)
	assert.Equal(t, []string{"Plugin"}, got.ManagedUpdates)
}

func TestExpandBreaksIncludeCycles(t *testing.T) {
	e := &Expander{
		Fetch: fetchFrom(map[string]*Manifest{
			"a": {ManagedInstalls: []string{"One"}, IncludedManifests: []string{"b"}},
			"b": {ManagedInstalls: []string{"Two"}, IncludedManifests: []string{"a"}},
		}),
	}

	got, err := e.Expand("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"One", "Two"}, got.ManagedInstalls)
}

func TestExpandMissingIncludeFails(t *testing.T) {
	e := &Expander{
		Fetch: fetchFrom(map[string]*Manifest{
			"a": {IncludedManifests: []string{"ghost"}},
		}),
	}
	_, err := e.Expand("a")
	assert.Error(t, err)
}

func TestExpandConditionalItems(t *testing.T) {
	e := &Expander{
		Facts: predicates.Facts{"machine_type": "laptop", "arch": "arm64"},
		Fetch: fetchFrom(map[string]*Manifest{
			"host1": {
				ManagedInstalls: []string{"Base"},
				ConditionalItems: []ConditionalItem{
					{
						Condition:       `machine_type == laptop`,
						ManagedInstalls: []string{"VPNClient"},
						ConditionalItems: []ConditionalItem{
							{Condition: `arch == arm64`, ManagedInstalls: []string{"NativeTools"}},
							{Condition: `arch == x86_64`, ManagedInstalls: []string{"RosettaTools"}},
						},
					},
					{Condition: `machine_type == desktop`, ManagedInstalls: []string{"DeskOnly"}},
				},
			},
		}),
	}

	got, err := e.Expand("host1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Base", "VPNClient", "NativeTools"}, got.ManagedInstalls)
}

func TestExpandConditionalBadPredicateIsSkipped(t *testing.T) {
	e := &Expander{
		Facts: predicates.Facts{},
		Fetch: fetchFrom(map[string]*Manifest{
			"host1": {
				ManagedInstalls: []string{"Base"},
				ConditionalItems: []ConditionalItem{
					{Condition: `nosuchfact == yes`, ManagedInstalls: []string{"Never"}},
				},
			},
		}),
	}

	got, err := e.Expand("host1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Base"}, got.ManagedInstalls)
}

func TestParseRoundTrip(t *testing.T) {
	m := &Manifest{
		Catalogs:          []string{"production"},
		ManagedInstalls:   []string{"FooApp"},
		ManagedUninstalls: []string{"OldApp"},
		IncludedManifests: []string{"site_default"},
		ConditionalItems: []ConditionalItem{
			{Condition: `arch == arm64`, OptionalInstalls: []string{"NativeExtras"}},
		},
	}
	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRemoveAndContains(t *testing.T) {
	list := []string{"FooApp", "BarApp"}
	assert.True(t, ContainsItem(list, "fooapp"))
	assert.False(t, ContainsItem(list, "BazApp"))
	assert.Equal(t, []string{"BarApp"}, RemoveItem(list, "FOOAPP"))
}

func TestContainsItemIgnoresVersionSuffix(t *testing.T) {
	assert.True(t, ContainsItem([]string{"FooApp-2.0"}, "FooApp"))
	assert.True(t, ContainsItem([]string{"FooApp--2.0"}, "fooapp"))
	assert.True(t, ContainsItem([]string{"FooApp"}, "FooApp-2.0"))
	assert.False(t, ContainsItem([]string{"FooApp-2.0"}, "BarApp"))
}
