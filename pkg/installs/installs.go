// pkg/installs/installs.go - installed-state detection. For one
// pkginfo item, decides whether it is present and how the installed
// version orders against the item's version.

package installs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/version"
)

// Status is the aggregate installed state for an item.
type Status int

const (
	// NotPresent means the item is not installed.
	NotPresent Status = iota
	// Lower means an older version is installed.
	Lower
	// Equal means the item's version is installed.
	Equal
	// Higher means a newer version than the item's is installed.
	Higher
)

func (s Status) String() string {
	switch s {
	case NotPresent:
		return "not present"
	case Lower:
		return "older version installed"
	case Equal:
		return "installed"
	case Higher:
		return "newer version installed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// probeResult is the outcome of a single installs-array probe.
type probeResult int

const (
	probeNotPresent probeResult = iota
	probeLower
	probeEqual
	probeHigher
	probeMatch
	probeMismatch
)

// ReceiptStore answers receipt lookups by package identifier.
type ReceiptStore interface {
	InstalledVersion(packageID string) (string, bool, error)
}

// Prober evaluates an item's installed state.
type Prober struct {
	// Receipts backs receipt-based detection. May be nil, in which
	// case receipt probes report not present.
	Receipts ReceiptStore

	// RunCheckScript executes an embedded check script and returns
	// its exit code.
	RunCheckScript func(ctx context.Context, label, script string) (int, error)

	// Apps resolves application probes that omit a path.
	Apps *AppIndex
}

// Status runs the detection ladder for item:
// installcheck_script, then the installs array, then receipts.
// An item with none of those cannot be detected and reports not
// present with a warning.
func (p *Prober) Status(ctx context.Context, item *pkginfo.PkgInfo) (Status, error) {
	st, _, err := p.Detect(ctx, item)
	return st, err
}

// Detect runs the detection ladder and additionally reports the
// version found on disk, when a probe or receipt revealed one. An
// installcheck script only answers present or absent, so its detected
// version is always empty.
func (p *Prober) Detect(ctx context.Context, item *pkginfo.PkgInfo) (Status, string, error) {
	if item.InstallCheckScript != "" {
		code, err := p.runScript(ctx, item.Name+"-installcheck", item.InstallCheckScript)
		if err != nil {
			return NotPresent, "", fmt.Errorf("installcheck script for %s: %w", item.Name, err)
		}
		if code == 0 {
			return NotPresent, "", nil
		}
		return Equal, "", nil
	}

	if len(item.Installs) > 0 {
		return p.detectFromInstalls(item)
	}

	if len(item.Receipts) > 0 {
		return p.detectFromReceipts(item)
	}

	logging.Warn("Item has no installcheck_script, installs, or receipts; treating as not installed",
		"item", item.Name)
	return NotPresent, "", nil
}

// Installed reports whether any version of the item is present.
func (p *Prober) Installed(ctx context.Context, item *pkginfo.PkgInfo) (bool, error) {
	st, err := p.Status(ctx, item)
	if err != nil {
		return false, err
	}
	return st != NotPresent, nil
}

// NeedsRemoval decides whether an uninstall should run. The
// uninstallcheck_script short-circuits (exit 0 means remove); without
// one any detected presence schedules the removal.
func (p *Prober) NeedsRemoval(ctx context.Context, item *pkginfo.PkgInfo) (bool, error) {
	if item.UninstallCheckScript != "" {
		code, err := p.runScript(ctx, item.Name+"-uninstallcheck", item.UninstallCheckScript)
		if err != nil {
			return false, fmt.Errorf("uninstallcheck script for %s: %w", item.Name, err)
		}
		return code == 0, nil
	}
	return p.Installed(ctx, item)
}

func (p *Prober) runScript(ctx context.Context, label, script string) (int, error) {
	if p.RunCheckScript == nil {
		return 0, fmt.Errorf("no script runner configured")
	}
	return p.RunCheckScript(ctx, label, script)
}

// detectFromInstalls aggregates the installs-array probes: installed
// when every probe is equal, higher, or match; not present when any
// probe is; otherwise an older version. The first version a probe
// reads off disk is the item's detected version.
func (p *Prober) detectFromInstalls(item *pkginfo.PkgInfo) (Status, string, error) {
	anyLower := false
	anyHigher := false
	detected := ""
	for i := range item.Installs {
		res, found, err := p.evalProbe(&item.Installs[i])
		if err != nil {
			return NotPresent, "", fmt.Errorf("installs probe for %s: %w", item.Name, err)
		}
		if detected == "" {
			detected = found
		}
		switch res {
		case probeNotPresent:
			return NotPresent, "", nil
		case probeLower, probeMismatch:
			anyLower = true
		case probeHigher:
			anyHigher = true
		}
	}
	if anyLower {
		return Lower, detected, nil
	}
	if anyHigher {
		return Higher, detected, nil
	}
	return Equal, detected, nil
}

func (p *Prober) detectFromReceipts(item *pkginfo.PkgInfo) (Status, string, error) {
	anyLower := false
	anyHigher := false
	checked := 0
	detected := ""
	for _, rcpt := range item.Receipts {
		if rcpt.Optional {
			continue
		}
		checked++
		if p.Receipts == nil {
			return NotPresent, "", nil
		}
		installed, found, err := p.Receipts.InstalledVersion(rcpt.PackageID)
		if err != nil {
			return NotPresent, "", fmt.Errorf("receipt lookup %s: %w", rcpt.PackageID, err)
		}
		if !found {
			return NotPresent, "", nil
		}
		if detected == "" {
			detected = installed
		}
		switch version.Compare(installed, rcpt.Version) {
		case version.Lower:
			anyLower = true
		case version.Higher:
			anyHigher = true
		}
	}
	if checked == 0 {
		logging.Warn("Item's receipts are all optional; treating as not installed", "item", item.Name)
		return NotPresent, "", nil
	}
	if anyLower {
		return Lower, detected, nil
	}
	if anyHigher {
		return Higher, detected, nil
	}
	return Equal, detected, nil
}

func (p *Prober) evalProbe(probe *pkginfo.InstallsItem) (probeResult, string, error) {
	switch probe.Type {
	case pkginfo.ProbeApplication:
		return p.evalApplication(probe)
	case pkginfo.ProbeBundle:
		return p.evalVersioned(probe, bundleInfoPath(probe.Path))
	case pkginfo.ProbePlist:
		return p.evalVersioned(probe, probe.Path)
	case pkginfo.ProbeFile, "":
		res, err := evalFile(probe)
		return res, "", err
	}
	return probeNotPresent, "", fmt.Errorf("unknown installs probe type %q", probe.Type)
}

func (p *Prober) evalApplication(probe *pkginfo.InstallsItem) (probeResult, string, error) {
	path := probe.Path
	if path == "" {
		app, ok := p.lookupApp(probe)
		if !ok {
			return probeNotPresent, "", nil
		}
		path = app.Path
	}
	return p.evalVersioned(probe, bundleInfoPath(path))
}

func (p *Prober) lookupApp(probe *pkginfo.InstallsItem) (Application, bool) {
	if p.Apps == nil {
		return Application{}, false
	}
	if probe.CFBundleIdentifier != "" {
		if app, ok := p.Apps.ByBundleID(probe.CFBundleIdentifier); ok {
			return app, true
		}
	}
	if probe.CFBundleName != "" {
		if app, ok := p.Apps.ByName(probe.CFBundleName); ok {
			return app, true
		}
	}
	return Application{}, false
}

// evalVersioned compares the version found in an Info.plist-style file
// against the probe's expected version, returning the version read.
func (p *Prober) evalVersioned(probe *pkginfo.InstallsItem, infoPath string) (probeResult, string, error) {
	data, err := os.ReadFile(infoPath)
	if os.IsNotExist(err) {
		return probeNotPresent, "", nil
	}
	if err != nil {
		return probeNotPresent, "", err
	}
	var dict map[string]interface{}
	if _, err := plist.Unmarshal(data, &dict); err != nil {
		return probeNotPresent, "", fmt.Errorf("parsing %s: %w", infoPath, err)
	}

	installed := plistStringKey(dict, probe.VersionKey())
	if installed == "" && probe.VersionKey() == "CFBundleShortVersionString" {
		installed = plistStringKey(dict, "CFBundleVersion")
	}
	expected := probe.ExpectedVersion()
	if expected == "" {
		// Presence-only probe.
		return probeMatch, installed, nil
	}
	if installed == "" {
		return probeNotPresent, "", nil
	}
	if probe.MinimumUpdateVersion != "" &&
		version.Compare(installed, probe.MinimumUpdateVersion) == version.Lower {
		return probeNotPresent, "", nil
	}

	switch version.Compare(installed, expected) {
	case version.Lower:
		return probeLower, installed, nil
	case version.Higher:
		return probeHigher, installed, nil
	}
	return probeEqual, installed, nil
}

func evalFile(probe *pkginfo.InstallsItem) (probeResult, error) {
	f, err := os.Open(probe.Path)
	if os.IsNotExist(err) {
		return probeNotPresent, nil
	}
	if err != nil {
		return probeNotPresent, err
	}
	defer f.Close()

	if probe.MD5Checksum == "" {
		return probeMatch, nil
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return probeNotPresent, err
	}
	if hex.EncodeToString(h.Sum(nil)) == probe.MD5Checksum {
		return probeMatch, nil
	}
	return probeMismatch, nil
}

func bundleInfoPath(bundlePath string) string {
	return filepath.Join(bundlePath, "Contents", "Info.plist")
}

func plistStringKey(dict map[string]interface{}, key string) string {
	v, ok := dict[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
