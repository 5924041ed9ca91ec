// pkg/resolver/resolver.go - turns the effective manifest plus the
// catalog database and installed state into an ordered install plan.

package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/macadmins/cortado/pkg/catalog"
	"github.com/macadmins/cortado/pkg/installs"
	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/manifest"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/predicates"
	"github.com/macadmins/cortado/pkg/report"
	"github.com/macadmins/cortado/pkg/selfservice"
	"github.com/macadmins/cortado/pkg/version"
)

// DiskSpaceMargin is kept free beyond the plan's own footprint,
// in kilobytes.
const DiskSpaceMargin = 100 * 1024

// StatusProber answers installed-state questions, normally the
// installs.Prober. Detect also reports the version found on disk so
// version-pinned update_for keys match what is actually installed.
type StatusProber interface {
	Detect(ctx context.Context, item *pkginfo.PkgInfo) (installs.Status, string, error)
	NeedsRemoval(ctx context.Context, item *pkginfo.PkgInfo) (bool, error)
}

// Resolver holds the per-session inputs to plan construction.
type Resolver struct {
	Catalog *catalog.Database
	Prober  StatusProber
	Facts   predicates.Facts

	// ClientVersion gates minimum_munki_version. Empty skips the check.
	ClientVersion string

	// AvailableDiskSpace in kilobytes. Zero disables the check.
	AvailableDiskSpace int64
}

type state struct {
	r   *Resolver
	ctx context.Context

	installList []*pkginfo.PkgInfo
	removalList []*pkginfo.PkgInfo
	problems    []report.ProblemItem

	scheduledInstall map[string]bool
	scheduledRemoval map[string]bool
	processing       map[string]bool
	uninstallNames   map[string]bool
	onDemandNames    map[string]bool
}

// Resolve builds the install plan from the expanded manifest and the
// user's self-serve choices.
func (r *Resolver) Resolve(ctx context.Context, m *manifest.Expanded, selfServe *selfservice.Manifest) (*report.InstallInfo, error) {
	s := &state{
		r:                r,
		ctx:              ctx,
		scheduledInstall: make(map[string]bool),
		scheduledRemoval: make(map[string]bool),
		processing:       make(map[string]bool),
		uninstallNames:   make(map[string]bool),
		onDemandNames:    make(map[string]bool),
	}
	if selfServe == nil {
		selfServe = &selfservice.Manifest{}
	}

	installNames := append([]string{}, m.ManagedInstalls...)
	for _, name := range selfServe.ManagedInstalls {
		if !manifest.ContainsItem(installNames, name) {
			installNames = append(installNames, name)
		}
		s.onDemandNames[strings.ToLower(name)] = true
	}
	uninstallNames := append([]string{}, m.ManagedUninstalls...)
	for _, name := range selfServe.ManagedUninstalls {
		if !manifest.ContainsItem(uninstallNames, name) {
			uninstallNames = append(uninstallNames, name)
		}
	}

	// Uninstall wins over install for the same name.
	for _, name := range uninstallNames {
		base, _ := catalog.SplitNameAndVersion(name)
		s.uninstallNames[strings.ToLower(base)] = true
	}
	for _, name := range uninstallNames {
		installNames = manifest.RemoveItem(installNames, name)
	}

	for _, name := range installNames {
		s.processInstall(name, false)
	}
	for _, name := range m.ManagedUpdates {
		s.processManagedUpdate(name)
	}
	for _, name := range uninstallNames {
		s.processRemoval(name)
	}

	s.checkDiskSpace()

	info := &report.InstallInfo{
		ManagedInstalls:  s.installList,
		Removals:         s.removalList,
		OptionalInstalls: s.optionalDisplays(m.OptionalInstalls, m.FeaturedItems),
		ProblemItems:     s.problems,
	}
	logging.Info("Resolution complete",
		"installs", len(info.ManagedInstalls),
		"removals", len(info.Removals),
		"problems", len(info.ProblemItems))
	return info, nil
}

func (s *state) problem(name, note string) {
	logging.Warn("Problem item", "item", name, "note", note)
	s.problems = append(s.problems, report.ProblemItem{Name: name, Note: note})
}

// processInstall schedules one manifest reference, its requires
// closure first, then any update_for riders.
func (s *state) processInstall(ref string, asDependency bool) {
	name, _ := catalog.SplitNameAndVersion(ref)
	key := strings.ToLower(name)
	if s.processing[key] || s.scheduledInstall[key] {
		return
	}
	if s.uninstallNames[key] && !asDependency {
		return
	}
	s.processing[key] = true
	defer delete(s.processing, key)

	item, ok := s.r.Catalog.Newest(ref)
	if !ok {
		s.problem(ref, "not found in catalogs")
		return
	}
	if note := s.r.gateFailure(item); note != "" {
		s.problem(item.Name, note)
		return
	}

	status, onDisk, err := s.r.Prober.Detect(s.ctx, item)
	if err != nil {
		s.problem(item.Name, "installed-state check failed: "+err.Error())
		return
	}

	needsInstall := status == installs.NotPresent || status == installs.Lower
	if !needsInstall && item.OnDemand && s.onDemandNames[key] {
		// OnDemand items re-run when the user asks, installed or not.
		needsInstall = true
	}

	if needsInstall {
		for _, req := range item.Requires {
			s.processInstall(req, true)
		}
		s.schedule(item)
	} else {
		logging.Debug("Item already satisfied", "item", item.Name, "state", status.String())
	}

	if status != installs.NotPresent || needsInstall {
		s.processUpdates(item.Name, onDisk)
	}
}

// processUpdates schedules catalog items declaring update_for on the
// target. Chains do not cascade.
func (s *state) processUpdates(targetName, installedVersion string) {
	for _, upd := range s.r.Catalog.UpdatesFor(targetName, installedVersion) {
		key := strings.ToLower(upd.Name)
		if s.processing[key] || s.scheduledInstall[key] || s.uninstallNames[key] {
			continue
		}
		if note := s.r.gateFailure(upd); note != "" {
			logging.Debug("Update does not apply", "item", upd.Name, "note", note)
			continue
		}
		status, _, err := s.r.Prober.Detect(s.ctx, upd)
		if err != nil {
			s.problem(upd.Name, "installed-state check failed: "+err.Error())
			continue
		}
		if status == installs.Equal || status == installs.Higher {
			continue
		}
		s.processing[key] = true
		for _, req := range upd.Requires {
			s.processInstall(req, true)
		}
		delete(s.processing, key)
		s.schedule(upd)
	}
}

// processManagedUpdate schedules a managed_updates entry only when an
// older version is already on disk.
func (s *state) processManagedUpdate(name string) {
	key := strings.ToLower(name)
	if s.scheduledInstall[key] || s.uninstallNames[key] {
		return
	}
	item, ok := s.r.Catalog.Newest(name)
	if !ok {
		s.problem(name, "not found in catalogs")
		return
	}
	status, onDisk, err := s.r.Prober.Detect(s.ctx, item)
	if err != nil {
		s.problem(item.Name, "installed-state check failed: "+err.Error())
		return
	}
	if status == installs.NotPresent {
		logging.Debug("Managed update target not installed, skipping", "item", item.Name)
		return
	}
	if status == installs.Lower {
		s.processInstall(name, false)
	} else {
		s.processUpdates(item.Name, onDisk)
	}
}

func (s *state) schedule(item *pkginfo.PkgInfo) {
	key := strings.ToLower(item.Name)
	if s.scheduledInstall[key] {
		return
	}
	s.scheduledInstall[key] = true
	s.installList = append(s.installList, item)
	logging.Info("Scheduling install", "item", item.Name, "version", item.Version)
}

// processRemoval schedules a removal, walking installed reverse
// dependencies first so dependents come off before their requirement.
func (s *state) processRemoval(ref string) {
	name, _ := catalog.SplitNameAndVersion(ref)
	key := strings.ToLower(name)
	if s.scheduledRemoval[key] || s.processing[key] {
		return
	}
	if s.scheduledInstall[key] {
		s.problem(name, "required by a managed install, not removing")
		return
	}
	s.processing[key] = true
	defer delete(s.processing, key)

	item, ok := s.r.Catalog.Newest(name)
	if !ok {
		s.problem(name, "not found in catalogs")
		return
	}
	needed, err := s.r.Prober.NeedsRemoval(s.ctx, item)
	if err != nil {
		s.problem(item.Name, "installed-state check failed: "+err.Error())
		return
	}
	if !needed {
		logging.Debug("Removal target not installed", "item", item.Name)
		return
	}
	if !item.Uninstallable {
		s.problem(item.Name, "item is not uninstallable")
		return
	}

	for _, dependent := range s.r.Catalog.RequiredBy(item.Name) {
		s.processRemoval(dependent.Name)
	}

	s.scheduledRemoval[key] = true
	s.removalList = append(s.removalList, item)
	logging.Info("Scheduling removal", "item", item.Name, "version", item.Version)
}

// gateFailure checks the item's platform gates, returning a problem
// note or empty when installable.
func (r *Resolver) gateFailure(item *pkginfo.PkgInfo) string {
	osVersion, _ := r.Facts["os_version"].(string)
	if item.MinimumOSVersion != "" && osVersion != "" &&
		version.Compare(osVersion, item.MinimumOSVersion) == version.Lower {
		return "requires OS version " + item.MinimumOSVersion + " or newer"
	}
	if item.MaximumOSVersion != "" && osVersion != "" &&
		version.Compare(osVersion, item.MaximumOSVersion) == version.Higher {
		return "requires OS version " + item.MaximumOSVersion + " or older"
	}
	if len(item.SupportedArchitectures) > 0 {
		arch, _ := r.Facts["arch"].(string)
		supported := false
		for _, a := range item.SupportedArchitectures {
			if strings.EqualFold(a, arch) {
				supported = true
				break
			}
		}
		if !supported {
			return "not supported on " + arch
		}
	}
	if item.MinimumClientVersion != "" && r.ClientVersion != "" &&
		version.Compare(r.ClientVersion, item.MinimumClientVersion) == version.Lower {
		return "requires client version " + item.MinimumClientVersion + " or newer"
	}
	if item.InstallableCondition != "" {
		ok, err := predicates.Evaluate(item.InstallableCondition, r.Facts)
		if err != nil {
			return "installable_condition could not be evaluated: " + err.Error()
		}
		if !ok {
			return "installable_condition not met"
		}
	}
	return ""
}

// checkDiskSpace demotes items from the end of the install list until
// the plan fits in the available space.
func (s *state) checkDiskSpace() {
	if s.r.AvailableDiskSpace <= 0 {
		return
	}
	budget := s.r.AvailableDiskSpace - DiskSpaceMargin
	var total int64
	for _, item := range s.installList {
		total += item.InstallerItemSize + item.InstalledSize
	}
	for total > budget && len(s.installList) > 0 {
		last := s.installList[len(s.installList)-1]
		s.installList = s.installList[:len(s.installList)-1]
		delete(s.scheduledInstall, strings.ToLower(last.Name))
		total -= last.InstallerItemSize + last.InstalledSize
		s.problem(last.Name, "insufficient disk space")
	}
}

// optionalDisplays builds the UI snapshot for optional_installs.
func (s *state) optionalDisplays(names, featured []string) []report.OptionalDisplay {
	var out []report.OptionalDisplay
	for _, name := range names {
		item, ok := s.r.Catalog.Newest(name)
		if !ok {
			continue
		}
		status, _, err := s.r.Prober.Detect(s.ctx, item)
		if err != nil {
			logging.Warn("Optional item state unknown", "item", item.Name, "error", err)
			continue
		}
		key := strings.ToLower(item.Name)
		out = append(out, report.OptionalDisplay{
			Name:            item.Name,
			DisplayName:     item.DisplayNameOrName(),
			Version:         item.Version,
			Description:     item.Description,
			Installed:       status != installs.NotPresent,
			Uninstallable:   item.Uninstallable,
			InstalledSize:   item.InstalledSize,
			InstallerSize:   item.InstallerItemSize,
			WillBeInstalled: s.scheduledInstall[key],
			WillBeRemoved:   s.scheduledRemoval[key],
		})
	}
	return out
}

// EarliestForceInstall returns the soonest pending
// force_install_after_date across the plan, or the zero time.
func EarliestForceInstall(items []*pkginfo.PkgInfo) time.Time {
	var earliest time.Time
	for _, item := range items {
		d := item.ForceInstallAfterDate
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

// ForceInstallDue reports whether the item's forced-install deadline
// has passed.
func ForceInstallDue(item *pkginfo.PkgInfo, now time.Time) bool {
	return !item.ForceInstallAfterDate.IsZero() && !now.Before(item.ForceInstallAfterDate)
}
