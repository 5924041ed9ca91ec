package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/cortado/pkg/config"
	"github.com/macadmins/cortado/pkg/receipts"
	"github.com/macadmins/cortado/pkg/repo"
	"github.com/macadmins/cortado/pkg/report"
)

const testManifest = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
	<key>catalogs</key><array><string>production</string></array>
	<key>managed_installs</key><array><string>Notifier</string></array>
</dict></plist>`

const emptyManifest = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
	<key>catalogs</key><array><string>production</string></array>
</dict></plist>`

const testCatalog = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><array>
	<dict>
		<key>name</key><string>Notifier</string>
		<key>version</key><string>1.0</string>
		<key>installer_type</key><string>nopkg</string>
	</dict>
</array></plist>`

type emptyReceipts struct{}

func (emptyReceipts) ModTime() (time.Time, error)                  { return time.Time{}, nil }
func (emptyReceipts) Receipts() ([]receipts.PackageReceipt, error) { return nil, nil }

// brokenRepo fails every operation with a transport error.
type brokenRepo struct{}

func (brokenRepo) Get(context.Context, string) ([]byte, error)    { return nil, repo.ErrTransport }
func (brokenRepo) Put(context.Context, string, []byte) error      { return repo.ErrTransport }
func (brokenRepo) List(context.Context, string) ([]string, error) { return nil, repo.ErrTransport }
func (brokenRepo) Delete(context.Context, string) error           { return repo.ErrTransport }
func (brokenRepo) FetchToFile(context.Context, string, string, time.Time) (repo.FetchResult, error) {
	return repo.Fetched, repo.ErrTransport
}

func writeTestRepo(t *testing.T, manifest string) *repo.FileRepo {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "manifests"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "catalogs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifests", "site_default"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "catalogs", "production"), []byte(testCatalog), 0o644))
	return &repo.FileRepo{Root: root}
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.Default()
	cfg.ManagedInstallDir = filepath.Join(t.TempDir(), "ManagedInstalls")
	cfg.ClientIdentifier = "site_default"
	return cfg
}

func newSession(cfg *config.Configuration, r repo.Repo) *Session {
	return &Session{
		Config:        cfg,
		Repo:          r,
		RunType:       "manual",
		ClientVersion: "1.0.0",
		ReceiptSource: emptyReceipts{},
		AppRoots:      []string{},
	}
}

func TestSessionCheckOnlyReportsUpdates(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckOnly = true
	s := newSession(cfg, writeTestRepo(t, testManifest))

	assert.Equal(t, ExitUpdatesAvailable, s.Run(context.Background()))

	info, err := report.LoadInstallInfo(cfg.InstallInfoPath())
	require.NoError(t, err)
	require.Len(t, info.ManagedInstalls, 1)
	assert.Equal(t, "Notifier", info.ManagedInstalls[0].Name)

	rep, err := report.LoadReport(cfg.ReportPath())
	require.NoError(t, err)
	assert.False(t, rep.OfflineCheck)
	require.Len(t, rep.ItemsToInstall, 1)
	assert.Equal(t, "Notifier", rep.ItemsToInstall[0].Name)
}

func TestSessionCheckOnlyCleanSystem(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckOnly = true
	s := newSession(cfg, writeTestRepo(t, emptyManifest))

	assert.Equal(t, ExitOK, s.Run(context.Background()))

	info, err := report.LoadInstallInfo(cfg.InstallInfoPath())
	require.NoError(t, err)
	assert.True(t, info.Empty())
}

func TestSessionInstallsItem(t *testing.T) {
	cfg := testConfig(t)
	s := newSession(cfg, writeTestRepo(t, testManifest))

	assert.Equal(t, ExitOK, s.Run(context.Background()))

	info, err := report.LoadInstallInfo(cfg.InstallInfoPath())
	require.NoError(t, err)
	assert.True(t, info.Empty(), "installed items leave the plan")

	rep, err := report.LoadReport(cfg.ReportPath())
	require.NoError(t, err)
	require.Len(t, rep.InstallResults, 1)
	assert.Equal(t, "Notifier", rep.InstallResults[0].Name)
	assert.Equal(t, 0, rep.InstallResults[0].Status)
}

func TestSessionRotatesPreviousReport(t *testing.T) {
	cfg := testConfig(t)
	r := writeTestRepo(t, testManifest)
	require.Equal(t, ExitOK, newSession(cfg, r).Run(context.Background()))
	require.Equal(t, ExitOK, newSession(cfg, r).Run(context.Background()))

	previous, err := report.LoadReport(cfg.ReportPath() + ".1")
	require.NoError(t, err)
	assert.False(t, previous.EndTime.IsZero(), "the rotated copy is the finalized first run")
	require.Len(t, previous.InstallResults, 1)
	assert.Equal(t, "Notifier", previous.InstallResults[0].Name)
}

func TestSessionOfflineFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckOnly = true
	online := newSession(cfg, writeTestRepo(t, testManifest))
	require.Equal(t, ExitUpdatesAvailable, online.Run(context.Background()))

	offline := newSession(cfg, brokenRepo{})
	assert.Equal(t, ExitUpdatesAvailable, offline.Run(context.Background()))

	rep, err := report.LoadReport(cfg.ReportPath())
	require.NoError(t, err)
	assert.True(t, rep.OfflineCheck)
}

func TestSessionUnreachableWithoutCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckOnly = true
	s := newSession(cfg, brokenRepo{})

	assert.Equal(t, ExitRepoUnreachable, s.Run(context.Background()))
}

func TestSessionRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.EnsureDirectories())
	lock, err := AcquireLock(cfg.LockPath())
	require.NoError(t, err)
	defer lock.Release()

	s := newSession(cfg, writeTestRepo(t, testManifest))
	assert.Equal(t, ExitConfigError, s.Run(context.Background()))
}
