// pkg/report/report.go - the two plists the agent persists between
// phases: InstallInfo.plist (the plan) and ManagedInstallReport.plist
// (the per-run record).

package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
)

// InstallInfo is the persisted install plan, written at the end of the
// check phase and consumed by the install phase.
type InstallInfo struct {
	ManagedInstalls  []*pkginfo.PkgInfo `plist:"managed_installs"`
	Removals         []*pkginfo.PkgInfo `plist:"removals"`
	OptionalInstalls []OptionalDisplay  `plist:"optional_installs,omitempty"`
	ProblemItems     []ProblemItem      `plist:"problem_items,omitempty"`
}

// OptionalDisplay is the UI snapshot of one optional item.
type OptionalDisplay struct {
	Name            string `plist:"name"`
	DisplayName     string `plist:"display_name,omitempty"`
	Version         string `plist:"version_to_install,omitempty"`
	Description     string `plist:"description,omitempty"`
	Installed       bool   `plist:"installed"`
	Uninstallable   bool   `plist:"uninstallable"`
	InstalledSize   int64  `plist:"installed_size,omitempty"`
	InstallerSize   int64  `plist:"installer_item_size,omitempty"`
	WillBeInstalled bool   `plist:"will_be_installed,omitempty"`
	WillBeRemoved   bool   `plist:"will_be_removed,omitempty"`
}

// ProblemItem records an item that could not be scheduled.
type ProblemItem struct {
	Name string `plist:"name"`
	Note string `plist:"note"`
}

// ItemResult is one install or removal outcome.
type ItemResult struct {
	Name        string    `plist:"name"`
	DisplayName string    `plist:"display_name,omitempty"`
	Version     string    `plist:"version,omitempty"`
	Status      int       `plist:"status"`
	Time        time.Time `plist:"time"`
	Seconds     float64   `plist:"duration_seconds"`
	Unattended  bool      `plist:"unattended"`
	// Throughput is bytes per second of the payload download.
	Throughput float64 `plist:"download_kbytes_per_sec,omitempty"`
}

// ItemSummary is the short form listed under ItemsToInstall/Remove.
type ItemSummary struct {
	Name        string `plist:"name"`
	DisplayName string `plist:"display_name,omitempty"`
	Version     string `plist:"version_to_install,omitempty"`
}

// Report is the per-run record.
type Report struct {
	StartTime      time.Time     `plist:"StartTime"`
	EndTime        time.Time     `plist:"EndTime,omitempty"`
	RunType        string        `plist:"RunType,omitempty"`
	ManifestName   string        `plist:"ManifestName,omitempty"`
	ItemsToInstall []ItemSummary `plist:"ItemsToInstall,omitempty"`
	ItemsToRemove  []ItemSummary `plist:"ItemsToRemove,omitempty"`
	InstallResults []ItemResult  `plist:"InstallResults,omitempty"`
	RemovalResults []ItemResult  `plist:"RemovalResults,omitempty"`
	ProblemItems   []ProblemItem `plist:"ProblemItems,omitempty"`
	Errors         []string      `plist:"Errors,omitempty"`
	Warnings       []string      `plist:"Warnings,omitempty"`
	OfflineCheck   bool          `plist:"OfflineCheck,omitempty"`
	RestartNeeded  bool          `plist:"RestartNeeded,omitempty"`
	// ForceInstallDeadline is the earliest pending forced-install date.
	ForceInstallDeadline time.Time `plist:"ForceInstallDeadline,omitempty"`
}

// LoadInstallInfo reads a persisted plan. A missing file is an empty
// plan.
func LoadInstallInfo(path string) (*InstallInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &InstallInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading install plan: %w", err)
	}
	var info InstallInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing install plan: %w", err)
	}
	return &info, nil
}

// Save writes the plan atomically.
func (info *InstallInfo) Save(path string) error {
	return writePlist(path, info)
}

// Empty reports whether the plan schedules no work.
func (info *InstallInfo) Empty() bool {
	return len(info.ManagedInstalls) == 0 && len(info.Removals) == 0
}

// Equal compares two plans by scheduled names and versions, used to
// detect that a re-check with unchanged inputs changed nothing.
func (info *InstallInfo) Equal(other *InstallInfo) bool {
	if other == nil {
		return false
	}
	return equalItems(info.ManagedInstalls, other.ManagedInstalls) &&
		equalItems(info.Removals, other.Removals)
}

func equalItems(a, b []*pkginfo.PkgInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Version != b[i].Version {
			return false
		}
	}
	return true
}

// NewReport starts a report for one session.
func NewReport(runType, manifestName string) *Report {
	return &Report{StartTime: time.Now(), RunType: runType, ManifestName: manifestName}
}

// RecordInstall appends one install result and persists immediately
// so a crashed session can be diagnosed.
func (r *Report) RecordInstall(path string, result ItemResult) {
	r.InstallResults = append(r.InstallResults, result)
	r.persist(path)
}

// RecordRemoval appends one removal result and persists immediately.
func (r *Report) RecordRemoval(path string, result ItemResult) {
	r.RemovalResults = append(r.RemovalResults, result)
	r.persist(path)
}

// AddError records a session-level error string.
func (r *Report) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a session-level warning string.
func (r *Report) AddWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) persist(path string) {
	if err := writePlist(path, r); err != nil {
		logging.Warn("Could not persist report", "error", err)
	}
}

// Finalize stamps the end time and writes the report. Rotation of the
// previous run's copy happens at session start, before the first
// incremental persist overwrites it.
func (r *Report) Finalize(path string) error {
	r.EndTime = time.Now()
	return writePlist(path, r)
}

// Rotate preserves the previous report as <name>.1. Call it once per
// session before recording any result.
func Rotate(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Rename(path, path+".1"); err != nil {
		logging.Warn("Could not rotate previous report", "error", err)
	}
}

// LoadReport reads a persisted report, mostly for tests and tooling.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if _, err := plist.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &r, nil
}

func writePlist(path string, v interface{}) error {
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
