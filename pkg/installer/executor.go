// pkg/installer/executor.go - the install/removal loop: gating, skip
// propagation, script hooks, adapter dispatch, restart accounting.

package installer

import (
	"context"
	"strings"
	"time"

	"github.com/macadmins/cortado/pkg/catalog"
	"github.com/macadmins/cortado/pkg/download"
	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/report"
	"github.com/macadmins/cortado/pkg/resolver"
	"github.com/macadmins/cortado/pkg/scripts"
	"github.com/macadmins/cortado/pkg/selfservice"
)

// Executor consumes the install and removal lists.
type Executor struct {
	Adapters map[string]InstallAdapter
	Removers map[string]RemoveAdapter
	Scripts  *scripts.Runner

	CacheDir string

	// Unattended restricts work to items marked unattended (or past
	// their forced-install deadline).
	Unattended bool

	SelfServe     *selfservice.Manifest
	SelfServePath string

	Report     *report.Report
	ReportPath string

	// Throughput carries observed download rates by item name.
	Throughput map[string]float64

	// BlockingAppsRunning is replaceable in tests; nil disables the
	// check.
	BlockingAppsRunning func(item *pkginfo.PkgInfo) bool

	// StopRequested is polled between items.
	StopRequested func() bool

	now func() time.Time
}

// Summary is what a run of the executor accomplished.
type Summary struct {
	Installed     int
	Removed       int
	Skipped       int
	Failed        int
	Stopped       bool
	RestartNeeded bool
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Executor) stopRequested() bool {
	return e.StopRequested != nil && e.StopRequested()
}

// Run executes the plan's removals then installs, mutating info so
// the persisted plan reflects what remains after a stop request.
// Problem items (download failures, unresolvable references) seed the
// skipped map so their dependents are deferred too.
func (e *Executor) Run(ctx context.Context, info *report.InstallInfo) Summary {
	var s Summary
	skipped := make(map[string]string)
	for _, p := range info.ProblemItems {
		name, _ := catalog.SplitNameAndVersion(p.Name)
		skipped[strings.ToLower(name)] = p.Note
	}

	e.runRemovals(ctx, info, &s, skipped)
	if !s.Stopped {
		e.runInstalls(ctx, info, &s, skipped)
	}
	return s
}

func (e *Executor) runInstalls(ctx context.Context, info *report.InstallInfo, s *Summary, skipped map[string]string) {
	remaining := info.ManagedInstalls
	for len(remaining) > 0 {
		if e.stopRequested() {
			logging.Info("Stop requested, leaving remaining installs for next session",
				"remaining", len(remaining))
			s.Stopped = true
			break
		}
		item := remaining[0]
		remaining = remaining[1:]
		info.ManagedInstalls = remaining

		if note, skip := e.installGate(item, skipped); skip {
			e.skipItem(item, note, skipped, s, false)
			continue
		}

		start := e.clock()
		status, restartHint := e.installOne(ctx, item)
		result := report.ItemResult{
			Name:        item.Name,
			DisplayName: item.DisplayNameOrName(),
			Version:     item.Version,
			Status:      status,
			Time:        e.clock(),
			Seconds:     e.clock().Sub(start).Seconds(),
			Unattended:  e.Unattended,
			Throughput:  e.Throughput[item.Name],
		}
		e.Report.RecordInstall(e.ReportPath, result)

		if status != 0 {
			s.Failed++
			skipped[strings.ToLower(item.Name)] = "install failed"
			continue
		}
		s.Installed++
		if RestartNeeded(restartHint) || RestartNeeded(item.RestartAction) {
			s.RestartNeeded = true
		}
		e.clearOnDemand(item)
		download.RemoveCachedPayload(e.CacheDir, item, remaining)
	}
}

// installGate applies the unattended and skip-propagation rules.
func (e *Executor) installGate(item *pkginfo.PkgInfo, skipped map[string]string) (string, bool) {
	forced := resolver.ForceInstallDue(item, e.clock())
	if e.Unattended && !item.UnattendedInstall && !forced {
		return "not marked for unattended install", true
	}
	if !forced && e.BlockingAppsRunning != nil && e.BlockingAppsRunning(item) {
		return "blocking applications running", true
	}
	for _, dep := range append(append([]string{}, item.Requires...), item.UpdateFor...) {
		name, _ := catalog.SplitNameAndVersion(dep)
		if why, ok := skipped[strings.ToLower(name)]; ok {
			return "prerequisite " + dep + " skipped (" + why + ")", true
		}
	}
	return "", false
}

func (e *Executor) installOne(ctx context.Context, item *pkginfo.PkgInfo) (int, string) {
	logging.Info("Installing", "item", item.Name, "version", item.Version)

	if item.PreinstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-preinstall", item.PreinstallScript)
		if err != nil {
			logging.Error("Preinstall script could not run", "item", item.Name, "error", err)
			return -1, ""
		}
		if code != 0 {
			logging.Error("Preinstall script failed", "item", item.Name, "code", code)
			return code, ""
		}
	}

	adapter, ok := e.Adapters[installerType(item)]
	if !ok {
		logging.Error("No adapter for installer type", "item", item.Name, "type", item.InstallerType)
		return -1, ""
	}
	outcome, err := adapter.Install(ctx, item, e.payloadPath(item))
	if err != nil {
		logging.Error("Install failed", "item", item.Name, "error", err)
		return outcome.ExitStatus, outcome.RestartHint
	}
	if outcome.ExitStatus != 0 {
		logging.Error("Installer returned non-zero", "item", item.Name, "status", outcome.ExitStatus)
		return outcome.ExitStatus, outcome.RestartHint
	}

	// A postinstall failure is logged but does not undo the install.
	if item.PostinstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-postinstall", item.PostinstallScript)
		if err != nil || code != 0 {
			logging.Warn("Postinstall script failed", "item", item.Name, "code", code, "error", err)
		}
	}
	return 0, outcome.RestartHint
}

func (e *Executor) runRemovals(ctx context.Context, info *report.InstallInfo, s *Summary, skipped map[string]string) {
	remaining := info.Removals
	for len(remaining) > 0 {
		if e.stopRequested() {
			logging.Info("Stop requested, leaving remaining removals for next session",
				"remaining", len(remaining))
			s.Stopped = true
			break
		}
		item := remaining[0]
		remaining = remaining[1:]
		info.Removals = remaining

		if e.Unattended && !item.UnattendedUninstall {
			e.skipItem(item, "not marked for unattended uninstall", skipped, s, true)
			continue
		}
		if e.BlockingAppsRunning != nil && e.BlockingAppsRunning(item) {
			e.skipItem(item, "blocking applications running", skipped, s, true)
			continue
		}

		start := e.clock()
		status, restartHint := e.removeOne(ctx, item)
		e.Report.RecordRemoval(e.ReportPath, report.ItemResult{
			Name:        item.Name,
			DisplayName: item.DisplayNameOrName(),
			Version:     item.Version,
			Status:      status,
			Time:        e.clock(),
			Seconds:     e.clock().Sub(start).Seconds(),
			Unattended:  e.Unattended,
		})
		if status != 0 {
			s.Failed++
			skipped[strings.ToLower(item.Name)] = "removal failed"
			continue
		}
		s.Removed++
		if RestartNeeded(restartHint) {
			s.RestartNeeded = true
		}
		if e.SelfServe != nil && e.SelfServe.ClearUninstall(item.Name) {
			e.saveSelfServe()
		}
	}
}

func (e *Executor) removeOne(ctx context.Context, item *pkginfo.PkgInfo) (int, string) {
	logging.Info("Removing", "item", item.Name, "version", item.Version)

	if item.PreuninstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-preuninstall", item.PreuninstallScript)
		if err != nil {
			return -1, ""
		}
		if code != 0 {
			logging.Error("Preuninstall script failed", "item", item.Name, "code", code)
			return code, ""
		}
	}

	method := item.UninstallMethod
	if method == "" && len(item.Receipts) > 0 {
		method = pkginfo.UninstallReceiptRemoval
	}
	remover, ok := e.Removers[method]
	if !ok {
		logging.Error("No remover for uninstall method", "item", item.Name, "method", method)
		return -1, ""
	}
	outcome, err := remover.Remove(ctx, item, e.payloadPath(item))
	if err != nil {
		logging.Error("Removal failed", "item", item.Name, "error", err)
		return outcome.ExitStatus, outcome.RestartHint
	}
	if outcome.ExitStatus != 0 {
		return outcome.ExitStatus, outcome.RestartHint
	}

	if item.PostuninstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-postuninstall", item.PostuninstallScript)
		if err != nil || code != 0 {
			logging.Warn("Postuninstall script failed", "item", item.Name, "code", code, "error", err)
		}
	}
	return 0, outcome.RestartHint
}

func (e *Executor) skipItem(item *pkginfo.PkgInfo, note string, skipped map[string]string, s *Summary, removal bool) {
	logging.Info("Skipping", "item", item.Name, "reason", note)
	skipped[strings.ToLower(item.Name)] = note
	s.Skipped++
	result := report.ItemResult{
		Name:        item.Name,
		DisplayName: item.DisplayNameOrName(),
		Version:     item.Version,
		Status:      StatusSkipped,
		Time:        e.clock(),
		Unattended:  e.Unattended,
	}
	e.Report.AddWarning("%s skipped: %s", item.Name, note)
	if removal {
		e.Report.RecordRemoval(e.ReportPath, result)
	} else {
		e.Report.RecordInstall(e.ReportPath, result)
	}
}

// StatusSkipped marks a deferred item in the report.
const StatusSkipped = -2

func (e *Executor) clearOnDemand(item *pkginfo.PkgInfo) {
	if !item.OnDemand || e.SelfServe == nil {
		return
	}
	if e.SelfServe.ClearInstall(item.Name) {
		e.saveSelfServe()
	}
}

func (e *Executor) saveSelfServe() {
	if e.SelfServePath == "" {
		return
	}
	if err := e.SelfServe.Save(e.SelfServePath); err != nil {
		logging.Warn("Could not save self-serve manifest", "error", err)
	}
}

func (e *Executor) payloadPath(item *pkginfo.PkgInfo) string {
	if item.InstallerItemLocation == "" {
		return ""
	}
	return e.CacheDir + "/" + baseName(item.InstallerItemLocation)
}

func installerType(item *pkginfo.PkgInfo) string {
	if item.InstallerType == "" {
		return pkginfo.TypePlatformPackage
	}
	return item.InstallerType
}
