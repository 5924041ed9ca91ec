package receipts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	modTime time.Time
	pkgs    []PackageReceipt
	reads   int
}

func (s *memSource) ModTime() (time.Time, error) { return s.modTime, nil }
func (s *memSource) Receipts() ([]PackageReceipt, error) {
	s.reads++
	return s.pkgs, nil
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pkgdb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func twoPackages() []PackageReceipt {
	return []PackageReceipt{
		{
			PackageID: "com.example.tools",
			Version:   "1.2",
			Paths: []PathEntry{
				{Path: "usr/local/bin/tool", Mode: 0o755},
				{Path: "usr/local/share/common.dat"},
			},
		},
		{
			PackageID: "com.example.extras",
			Version:   "2.0",
			Paths: []PathEntry{
				{Path: "usr/local/bin/extra"},
				{Path: "usr/local/share/common.dat"},
			},
		},
	}
}

func TestRebuildAndInstalledVersion(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Rebuild(&memSource{pkgs: twoPackages()}))

	ver, found, err := db.InstalledVersion("com.example.tools")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1.2", ver)

	_, found, err = db.InstalledVersion("com.example.ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRebuildIfStaleSkipsWhenCurrent(t *testing.T) {
	db := openTestDB(t)
	src := &memSource{modTime: time.Now().Add(-time.Hour), pkgs: twoPackages()}

	require.NoError(t, db.RebuildIfStale(src))
	assert.Equal(t, 1, src.reads, "empty database rebuilds")

	require.NoError(t, db.RebuildIfStale(src))
	assert.Equal(t, 1, src.reads, "current database is left alone")

	src.modTime = time.Now().Add(time.Hour)
	require.NoError(t, db.RebuildIfStale(src))
	assert.Equal(t, 2, src.reads, "newer source forces a rebuild")
}

func TestPathsUniqueToPackages(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Rebuild(&memSource{pkgs: twoPackages()}))

	paths, err := db.PathsUniqueToPackages([]string{"com.example.tools"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/tool"}, paths,
		"shared paths stay; only the target's own paths are returned")

	paths, err = db.PathsUniqueToPackages([]string{"com.example.tools", "com.example.extras"})
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"/usr/local/bin/tool", "/usr/local/bin/extra", "/usr/local/share/common.dat"}, paths)
}

func TestPathsAreDeepestFirst(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Rebuild(&memSource{pkgs: []PackageReceipt{{
		PackageID: "com.example.app",
		Version:   "1.0",
		Paths: []PathEntry{
			{Path: "opt/app"},
			{Path: "opt/app/bin/run"},
			{Path: "opt/app/bin"},
		},
	}}}))

	paths, err := db.PathsUniqueToPackages([]string{"com.example.app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/app/bin/run", "/opt/app/bin", "/opt/app"}, paths)
}

func TestPathsHonorInstallLocation(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Rebuild(&memSource{pkgs: []PackageReceipt{{
		PackageID:       "com.example.rooted",
		Version:         "1.0",
		InstallLocation: "/opt/vendor",
		Paths:           []PathEntry{{Path: "bin/run"}},
	}}}))

	paths, err := db.PathsUniqueToPackages([]string{"com.example.rooted"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/vendor/bin/run"}, paths)
}

func TestForgetPackages(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Rebuild(&memSource{pkgs: twoPackages()}))

	require.NoError(t, db.ForgetPackages([]string{"com.example.tools"}))

	_, found, err := db.InstalledVersion("com.example.tools")
	require.NoError(t, err)
	assert.False(t, found)

	// The shared path must survive for the remaining package.
	paths, err := db.PathsUniqueToPackages([]string{"com.example.extras"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/usr/local/bin/extra", "/usr/local/share/common.dat"}, paths)
}

func TestRecordPackage(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordPackage(PackageReceipt{
		PackageID: "com.example.new", Version: "3.0",
		Paths: []PathEntry{{Path: "opt/new/bin"}},
	}))
	ver, found, err := db.InstalledVersion("com.example.new")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "3.0", ver)

	require.NoError(t, db.RecordPackage(PackageReceipt{PackageID: "com.example.new", Version: "3.1"}))
	ver, _, err = db.InstalledVersion("com.example.new")
	require.NoError(t, err)
	assert.Equal(t, "3.1", ver)
}
