package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/cortado/pkg/pkginfo"
)

func planItem(name, version string) *pkginfo.PkgInfo {
	return &pkginfo.PkgInfo{Name: name, Version: version}
}

func TestInstallInfoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "InstallInfo.plist")
	info := &InstallInfo{
		ManagedInstalls: []*pkginfo.PkgInfo{planItem("FooApp", "2.0")},
		Removals:        []*pkginfo.PkgInfo{planItem("OldApp", "1.0")},
		ProblemItems:    []ProblemItem{{Name: "Broken", Note: "unresolved dependency"}},
	}
	require.NoError(t, info.Save(path))

	got, err := LoadInstallInfo(path)
	require.NoError(t, err)
	require.Len(t, got.ManagedInstalls, 1)
	assert.Equal(t, "FooApp", got.ManagedInstalls[0].Name)
	require.Len(t, got.Removals, 1)
	assert.Equal(t, []ProblemItem{{Name: "Broken", Note: "unresolved dependency"}}, got.ProblemItems)
}

func TestLoadInstallInfoMissingIsEmpty(t *testing.T) {
	got, err := LoadInstallInfo(filepath.Join(t.TempDir(), "InstallInfo.plist"))
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestInstallInfoEqual(t *testing.T) {
	a := &InstallInfo{ManagedInstalls: []*pkginfo.PkgInfo{planItem("Foo", "2.0")}}
	b := &InstallInfo{ManagedInstalls: []*pkginfo.PkgInfo{planItem("Foo", "2.0")}}
	c := &InstallInfo{ManagedInstalls: []*pkginfo.PkgInfo{planItem("Foo", "2.1")}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(&InstallInfo{}))
	assert.False(t, a.Equal(nil))
}

func TestReportRecordPersistsIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ManagedInstallReport.plist")
	r := NewReport("auto", "host1")
	r.RecordInstall(path, ItemResult{Name: "FooApp", Version: "2.0", Status: 0, Time: time.Now(), Seconds: 3.2})

	onDisk, err := LoadReport(path)
	require.NoError(t, err, "each result write lands on disk immediately")
	require.Len(t, onDisk.InstallResults, 1)
	assert.Equal(t, "FooApp", onDisk.InstallResults[0].Name)

	r.RecordRemoval(path, ItemResult{Name: "OldApp", Status: 0, Time: time.Now()})
	onDisk, err = LoadReport(path)
	require.NoError(t, err)
	assert.Len(t, onDisk.RemovalResults, 1)
}

func TestRotatePreservesPreviousReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ManagedInstallReport.plist")

	first := NewReport("auto", "host1")
	first.AddWarning("first run")
	require.NoError(t, first.Finalize(path))

	// The next session rotates before its first incremental persist,
	// so the finalized previous report survives intact at .1.
	Rotate(path)
	second := NewReport("manual", "host1")
	second.RecordInstall(path, ItemResult{Name: "FooApp", Status: 0, Time: time.Now()})
	require.NoError(t, second.Finalize(path))

	current, err := LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, "manual", current.RunType)
	assert.False(t, current.EndTime.IsZero())

	previous, err := LoadReport(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "auto", previous.RunType)
	assert.Equal(t, []string{"first run"}, previous.Warnings)
	assert.False(t, previous.EndTime.IsZero(), "rotated copy is the finalized previous run, not a partial one")
	assert.Empty(t, previous.InstallResults)
}

func TestLoadReportMissing(t *testing.T) {
	_, err := LoadReport(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, os.IsNotExist(err))
}
