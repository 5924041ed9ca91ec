// pkg/manifest/manifest.go - manifest documents and their expansion
// into the effective per-machine item lists.

package manifest

import (
	"fmt"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/catalog"
	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/predicates"
)

// Manifest declares, for one machine or group, what should be
// installed, removed, updated, or offered.
type Manifest struct {
	Catalogs          []string          `plist:"catalogs,omitempty"`
	ManagedInstalls   []string          `plist:"managed_installs,omitempty"`
	ManagedUninstalls []string          `plist:"managed_uninstalls,omitempty"`
	ManagedUpdates    []string          `plist:"managed_updates,omitempty"`
	OptionalInstalls  []string          `plist:"optional_installs,omitempty"`
	FeaturedItems     []string          `plist:"featured_items,omitempty"`
	IncludedManifests []string          `plist:"included_manifests,omitempty"`
	ConditionalItems  []ConditionalItem `plist:"conditional_items,omitempty"`
}

// ConditionalItem is a predicate-gated sublist, merged when its
// condition evaluates true against host facts.
type ConditionalItem struct {
	Condition         string            `plist:"condition"`
	ManagedInstalls   []string          `plist:"managed_installs,omitempty"`
	ManagedUninstalls []string          `plist:"managed_uninstalls,omitempty"`
	ManagedUpdates    []string          `plist:"managed_updates,omitempty"`
	OptionalInstalls  []string          `plist:"optional_installs,omitempty"`
	FeaturedItems     []string          `plist:"featured_items,omitempty"`
	IncludedManifests []string          `plist:"included_manifests,omitempty"`
	ConditionalItems  []ConditionalItem `plist:"conditional_items,omitempty"`
}

// Parse decodes a manifest plist.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if _, err := plist.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// Marshal encodes the manifest as an XML plist.
func (m *Manifest) Marshal() ([]byte, error) {
	return plist.MarshalIndent(m, plist.XMLFormat, "\t")
}

// Expanded is the effective manifest after recursive include expansion
// and conditional evaluation. List order preserves first appearance.
type Expanded struct {
	Catalogs          []string
	ManagedInstalls   []string
	ManagedUninstalls []string
	ManagedUpdates    []string
	OptionalInstalls  []string
	FeaturedItems     []string
}

// Expander resolves nested manifests by name.
type Expander struct {
	// Fetch loads a manifest by its repo name.
	Fetch func(name string) (*Manifest, error)
	// Facts gates conditional_items.
	Facts predicates.Facts
}

// Expand produces the effective manifest for root. Included manifests
// are inlined depth-first; a repeated reference is silently skipped so
// include cycles terminate.
func (e *Expander) Expand(root string) (*Expanded, error) {
	out := &Expanded{}
	visited := make(map[string]bool)
	if err := e.expandInto(root, out, visited); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Expander) expandInto(name string, out *Expanded, visited map[string]bool) error {
	key := strings.ToLower(name)
	if visited[key] {
		logging.Debug("Skipping already-included manifest", "manifest", name)
		return nil
	}
	visited[key] = true

	m, err := e.Fetch(name)
	if err != nil {
		return fmt.Errorf("manifest %s: %w", name, err)
	}
	logging.Debug("Processing manifest", "manifest", name)

	e.mergeLists(m.catalogLists(), out)
	for _, inc := range m.IncludedManifests {
		if err := e.expandInto(inc, out, visited); err != nil {
			return err
		}
	}
	return e.mergeConditionals(name, m.ConditionalItems, out, visited)
}

// catalogLists gathers the manifest's unconditional lists.
func (m *Manifest) catalogLists() itemLists {
	return itemLists{
		catalogs:          m.Catalogs,
		managedInstalls:   m.ManagedInstalls,
		managedUninstalls: m.ManagedUninstalls,
		managedUpdates:    m.ManagedUpdates,
		optionalInstalls:  m.OptionalInstalls,
		featuredItems:     m.FeaturedItems,
	}
}

type itemLists struct {
	catalogs          []string
	managedInstalls   []string
	managedUninstalls []string
	managedUpdates    []string
	optionalInstalls  []string
	featuredItems     []string
}

func (e *Expander) mergeLists(lists itemLists, out *Expanded) {
	out.Catalogs = appendUnique(out.Catalogs, lists.catalogs)
	out.ManagedInstalls = appendUnique(out.ManagedInstalls, lists.managedInstalls)
	out.ManagedUninstalls = appendUnique(out.ManagedUninstalls, lists.managedUninstalls)
	out.ManagedUpdates = appendUnique(out.ManagedUpdates, lists.managedUpdates)
	out.OptionalInstalls = appendUnique(out.OptionalInstalls, lists.optionalInstalls)
	out.FeaturedItems = appendUnique(out.FeaturedItems, lists.featuredItems)
}

func (e *Expander) mergeConditionals(manifestName string, items []ConditionalItem, out *Expanded, visited map[string]bool) error {
	for _, ci := range items {
		match, err := predicates.Evaluate(ci.Condition, e.Facts)
		if err != nil {
			logging.Warn("Skipping conditional item with bad predicate",
				"manifest", manifestName, "condition", ci.Condition, "error", err)
			continue
		}
		if !match {
			logging.Debug("Conditional item did not match",
				"manifest", manifestName, "condition", ci.Condition)
			continue
		}
		e.mergeLists(itemLists{
			managedInstalls:   ci.ManagedInstalls,
			managedUninstalls: ci.ManagedUninstalls,
			managedUpdates:    ci.ManagedUpdates,
			optionalInstalls:  ci.OptionalInstalls,
			featuredItems:     ci.FeaturedItems,
		}, out)
		for _, inc := range ci.IncludedManifests {
			if err := e.expandInto(inc, out, visited); err != nil {
				return err
			}
		}
		if err := e.mergeConditionals(manifestName, ci.ConditionalItems, out, visited); err != nil {
			return err
		}
	}
	return nil
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		dst = append(dst, s)
	}
	return dst
}

// RemoveItem drops name from list, case-insensitively.
func RemoveItem(list []string, name string) []string {
	var out []string
	for _, s := range list {
		if !strings.EqualFold(s, name) {
			out = append(out, s)
		}
	}
	return out
}

// ContainsItem reports whether list holds name, case-insensitively,
// ignoring any version suffix on list entries.
func ContainsItem(list []string, name string) bool {
	base, _ := catalog.SplitNameAndVersion(name)
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
		entry, _ := catalog.SplitNameAndVersion(s)
		if strings.EqualFold(entry, base) {
			return true
		}
	}
	return false
}
