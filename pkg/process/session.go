// pkg/process/session.go - one end-to-end reconciliation: refresh,
// resolve, download, install, report.

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/macadmins/cortado/pkg/blocking"
	"github.com/macadmins/cortado/pkg/catalog"
	"github.com/macadmins/cortado/pkg/config"
	"github.com/macadmins/cortado/pkg/download"
	"github.com/macadmins/cortado/pkg/installer"
	"github.com/macadmins/cortado/pkg/installs"
	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/manifest"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/predicates"
	"github.com/macadmins/cortado/pkg/receipts"
	"github.com/macadmins/cortado/pkg/repo"
	"github.com/macadmins/cortado/pkg/report"
	"github.com/macadmins/cortado/pkg/resolver"
	"github.com/macadmins/cortado/pkg/retry"
	"github.com/macadmins/cortado/pkg/scripts"
	"github.com/macadmins/cortado/pkg/selfservice"
)

// Session exit codes.
const (
	ExitOK               = 0
	ExitUpdatesAvailable = 1
	ExitConfigError      = 2
	ExitRepoUnreachable  = 3
	ExitInstallFailures  = 4
	ExitRestartNeeded    = 5
)

// DefaultReceiptsDir is where the host's native package receipts live.
const DefaultReceiptsDir = "/var/db/receipts"

// Session drives one reconciliation run.
type Session struct {
	Config *config.Configuration
	Repo   repo.Repo

	// RunType tags logs and the report: auto, manual, checkonly,
	// installonly.
	RunType string

	// Unattended restricts the executor to unattended-flagged items.
	Unattended bool

	// ClientVersion gates minimum client version checks.
	ClientVersion string

	// ReceiptSource overrides the native receipt store, mostly for
	// tests.
	ReceiptSource receipts.Source

	// AppRoots overrides the application scan roots.
	AppRoots []string
}

// Run performs the session and returns the process exit code.
func (s *Session) Run(ctx context.Context) int {
	cfg := s.Config
	if err := cfg.EnsureDirectories(); err != nil {
		logging.Error("Cannot prepare managed-installs directory", "error", err)
		return ExitConfigError
	}

	lock, err := AcquireLock(cfg.LockPath())
	if err != nil {
		if errors.Is(err, ErrLocked) {
			logging.Warn("Another session is running, exiting")
		} else {
			logging.Error("Cannot acquire session lock", "error", err)
		}
		return ExitConfigError
	}
	defer lock.Release()
	ClearStopRequest(cfg.StopRequestedPath())

	runner := &scripts.Runner{Dir: cfg.CachePath()}
	if err := scripts.RunPreflight(ctx, runner, cfg.PreflightScriptPath(), s.RunType); err != nil {
		logging.Error("Preflight failed, aborting session", "error", err)
		return ExitConfigError
	}

	report.Rotate(cfg.ReportPath())
	rep := report.NewReport(s.RunType, cfg.ClientIdentifier)
	code := s.run(ctx, runner, rep)

	if err := rep.Finalize(cfg.ReportPath()); err != nil {
		logging.Warn("Could not write report", "error", err)
	}
	scripts.RunPostflight(ctx, runner, cfg.PostflightScriptPath(), s.RunType)
	return code
}

func (s *Session) run(ctx context.Context, runner *scripts.Runner, rep *report.Report) int {
	cfg := s.Config

	db, err := receipts.Open(cfg.PackageDBPath())
	if err != nil {
		logging.Error("Cannot open package database", "error", err)
		return ExitConfigError
	}
	defer db.Close()
	source := s.ReceiptSource
	if source == nil {
		source = receipts.DirectorySource{Dir: DefaultReceiptsDir}
	}
	if err := db.RebuildIfStale(source); err != nil {
		logging.Warn("Package database rebuild failed", "error", err)
		rep.AddWarning("package database rebuild failed: %v", err)
	}

	roots := s.AppRoots
	if roots == nil {
		roots = installs.DefaultAppRoots
	}
	prober := &installs.Prober{
		Receipts:       db,
		RunCheckScript: runner.RunEmbedded,
		Apps:           installs.ScanApplications(roots),
	}

	var selfServe *selfservice.Manifest
	if cfg.SkipSelfService {
		selfServe = &selfservice.Manifest{}
	} else {
		selfServe, err = selfservice.Load(cfg.SelfServeManifestPath())
		if err != nil {
			logging.Warn("Ignoring unreadable self-serve manifest", "error", err)
			selfServe = &selfservice.Manifest{}
		}
	}

	var info *report.InstallInfo
	if cfg.InstallOnly {
		info, err = report.LoadInstallInfo(cfg.InstallInfoPath())
		if err != nil {
			logging.Error("Cannot load persisted plan", "error", err)
			return ExitConfigError
		}
		logging.Info("Running against persisted plan",
			"installs", len(info.ManagedInstalls), "removals", len(info.Removals))
	} else {
		var code int
		info, code = s.check(ctx, prober, selfServe, rep)
		if info == nil {
			return code
		}
	}

	if cfg.CheckOnly {
		if info.Empty() {
			logging.Info("No pending updates")
			return ExitOK
		}
		logging.Info("Updates available",
			"installs", len(info.ManagedInstalls), "removals", len(info.Removals))
		return ExitUpdatesAvailable
	}

	throughput := s.download(ctx, info, rep)
	if err := info.Save(cfg.InstallInfoPath()); err != nil {
		logging.Warn("Could not persist plan", "error", err)
	}

	exec := &installer.Executor{
		Adapters:            installer.DefaultAdapters(nil),
		Removers:            installer.DefaultRemovers(db, runner, cfg.ForceDeleteBundles),
		Scripts:             runner,
		CacheDir:            cfg.CachePath(),
		Unattended:          s.Unattended || cfg.UnattendedOnly,
		SelfServe:           selfServe,
		SelfServePath:       cfg.SelfServeManifestPath(),
		Report:              rep,
		ReportPath:          cfg.ReportPath(),
		Throughput:          throughput,
		BlockingAppsRunning: blocking.ApplicationsRunning,
		StopRequested:       func() bool { return StopRequested(cfg.StopRequestedPath()) },
	}
	summary := exec.Run(ctx, info)

	if err := info.Save(cfg.InstallInfoPath()); err != nil {
		logging.Warn("Could not persist plan", "error", err)
	}
	if err := download.CleanCache(cfg.CachePath(), info.ManagedInstalls); err != nil {
		logging.Warn("Cache cleanup failed", "error", err)
	}

	rep.RestartNeeded = summary.RestartNeeded
	SetInstallAtLogout(cfg.InstallAtLogoutPath(), summary.Stopped && !info.Empty())

	logging.Info("Session complete",
		"installed", summary.Installed, "removed", summary.Removed,
		"skipped", summary.Skipped, "failed", summary.Failed,
		"restart", summary.RestartNeeded)
	switch {
	case summary.Failed > 0:
		return ExitInstallFailures
	case summary.RestartNeeded:
		return ExitRestartNeeded
	}
	return ExitOK
}

// check runs phases 2-4: refresh, resolve, persist the plan. A nil
// plan means the session must stop with the returned code.
func (s *Session) check(ctx context.Context, prober *installs.Prober, selfServe *selfservice.Manifest, rep *report.Report) (*report.InstallInfo, int) {
	cfg := s.Config
	offline := false

	facts := predicates.Gather(cfg.ManagedInstallDir, nil)
	expander := &manifest.Expander{
		Facts: facts,
		Fetch: func(name string) (*manifest.Manifest, error) {
			data, fromCache, err := s.fetchCached(ctx, "manifests/"+name, path.Join(cfg.ManifestsPath(), name))
			if err != nil {
				return nil, err
			}
			offline = offline || fromCache
			return manifest.Parse(data)
		},
	}
	expanded, err := expander.Expand(cfg.ClientIdentifier)
	if err != nil {
		logging.Error("Cannot resolve client manifest", "manifest", cfg.ClientIdentifier, "error", err)
		return nil, ExitRepoUnreachable
	}
	facts["catalogs"] = expanded.Catalogs

	catalogs := make(map[string][]*pkginfo.PkgInfo, len(expanded.Catalogs))
	for _, name := range expanded.Catalogs {
		data, fromCache, err := s.fetchCached(ctx, "catalogs/"+name, path.Join(cfg.CatalogsPath(), name))
		if err != nil {
			logging.Error("Cannot fetch catalog", "catalog", name, "error", err)
			return nil, ExitRepoUnreachable
		}
		offline = offline || fromCache
		items, err := catalog.Parse(data)
		if err != nil {
			logging.Error("Unparseable catalog", "catalog", name, "error", err)
			return nil, ExitConfigError
		}
		catalogs[name] = items
	}

	res := &resolver.Resolver{
		Catalog:            catalog.NewDatabase(expanded.Catalogs, catalogs),
		Prober:             prober,
		Facts:              facts,
		ClientVersion:      s.ClientVersion,
		AvailableDiskSpace: predicates.FreeDiskSpace(cfg.ManagedInstallDir) / 1024,
	}
	info, err := res.Resolve(ctx, expanded, selfServe)
	if err != nil {
		logging.Error("Resolution failed", "error", err)
		return nil, ExitConfigError
	}

	previous, err := report.LoadInstallInfo(cfg.InstallInfoPath())
	if err == nil && info.Equal(previous) {
		logging.Info("Plan unchanged since last check")
	}
	if err := info.Save(cfg.InstallInfoPath()); err != nil {
		logging.Error("Cannot persist plan", "error", err)
		return nil, ExitConfigError
	}

	rep.OfflineCheck = offline
	rep.ProblemItems = info.ProblemItems
	rep.ForceInstallDeadline = resolver.EarliestForceInstall(info.ManagedInstalls)
	for _, item := range info.ManagedInstalls {
		rep.ItemsToInstall = append(rep.ItemsToInstall, report.ItemSummary{
			Name: item.Name, DisplayName: item.DisplayNameOrName(), Version: item.Version,
		})
	}
	for _, item := range info.Removals {
		rep.ItemsToRemove = append(rep.ItemsToRemove, report.ItemSummary{
			Name: item.Name, DisplayName: item.DisplayNameOrName(), Version: item.Version,
		})
	}
	return info, ExitOK
}

// fetchCached revalidates a repo document against its cached copy,
// falling back to the cache when the repo is unreachable.
func (s *Session) fetchCached(ctx context.Context, relpath, dest string) ([]byte, bool, error) {
	var ifNewerThan time.Time
	if info, err := os.Stat(dest); err == nil {
		ifNewerThan = info.ModTime()
	}

	_, err := s.Repo.FetchToFile(ctx, relpath, dest, ifNewerThan)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, err
		}
		if _, statErr := os.Stat(dest); statErr == nil {
			logging.Warn("Repo unreachable, using cached copy", "path", relpath, "error", err)
			data, readErr := os.ReadFile(dest)
			return data, true, readErr
		}
		return nil, false, fmt.Errorf("%s unavailable and not cached: %w", relpath, err)
	}
	data, err := os.ReadFile(dest)
	return data, false, err
}

// download fetches payloads, moving failures into problem items.
func (s *Session) download(ctx context.Context, info *report.InstallInfo, rep *report.Report) map[string]float64 {
	cfg := s.Config
	sched := &download.Scheduler{
		Repo:       s.Repo,
		CacheDir:   cfg.CachePath(),
		VerifyHash: cfg.PackageVerificationMode != "none",
		Retry:      retry.Config{MaxRetries: 3, InitialInterval: time.Second, Multiplier: 2},
	}

	results, problems := sched.FetchAll(ctx, info.ManagedInstalls)
	throughput := make(map[string]float64, len(results))
	for _, res := range results {
		if res.Throughput > 0 {
			throughput[res.Item.Name] = res.Throughput / 1024
		}
	}
	for _, p := range problems {
		info.ManagedInstalls = removeItem(info.ManagedInstalls, p.Item.Name)
		info.ProblemItems = append(info.ProblemItems, report.ProblemItem{Name: p.Item.Name, Note: p.Note})
		rep.AddError("%s: %s", p.Item.Name, p.Note)
	}
	return throughput
}

func removeItem(items []*pkginfo.PkgInfo, name string) []*pkginfo.PkgInfo {
	out := items[:0]
	for _, item := range items {
		if item.Name != name {
			out = append(out, item)
		}
	}
	return out
}
