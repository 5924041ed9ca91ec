// pkg/pkginfo/pkginfo.go - the typed pkginfo item, the unit of
// manageable software. Parsed from property-list documents in the repo;
// unknown keys survive a round trip untouched.

package pkginfo

import (
	"fmt"
	"time"

	"howett.net/plist"
)

// Installer types dispatched by the executor.
const (
	TypePlatformPackage      = "platform_package"
	TypeDiskImageCopy        = "disk_image_copy"
	TypeBundleCopyFromImage  = "bundle_copy_from_image"
	TypeConfigurationProfile = "configuration_profile"
	TypeScriptOnly           = "script_only"
	TypeAppleUpdateMetadata  = "apple_update_metadata"
	TypeNoPkg                = "nopkg"
)

// Uninstall methods dispatched by the executor's removal loop.
const (
	UninstallReceiptRemoval    = "receipt_removal"
	UninstallRemoveCopiedItems = "remove_copied_items"
	UninstallRemoveProfile     = "remove_profile"
	UninstallScript            = "uninstall_script"
	UninstallInstallerSpecific = "installer-specific"
)

// Restart actions an item or its installer can declare.
const (
	RestartNone              = "none"
	RestartLogoutRequired    = "logout_required"
	RestartRequired          = "restart_required"
	RestartRecommended       = "restart_recommended"
	RestartLogoutRecommended = "logout_recommended"
)

// Installs-probe types.
const (
	ProbeApplication = "application"
	ProbeBundle      = "bundle"
	ProbePlist       = "plist"
	ProbeFile        = "file"
)

// InstallsItem is one entry in an item's "installs" array: a probe that
// detects installed state on the host.
type InstallsItem struct {
	Type                       string `plist:"type"`
	Path                       string `plist:"path,omitempty"`
	CFBundleIdentifier         string `plist:"CFBundleIdentifier,omitempty"`
	CFBundleName               string `plist:"CFBundleName,omitempty"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString,omitempty"`
	CFBundleVersion            string `plist:"CFBundleVersion,omitempty"`
	VersionComparisonKey       string `plist:"version_comparison_key,omitempty"`
	MinimumUpdateVersion       string `plist:"minimum_update_version,omitempty"`
	MD5Checksum                string `plist:"md5checksum,omitempty"`
}

// ExpectedVersion returns the version this probe compares against,
// honoring version_comparison_key with the usual bundle-key fallbacks.
func (it InstallsItem) ExpectedVersion() string {
	switch it.VersionComparisonKey {
	case "CFBundleVersion":
		return it.CFBundleVersion
	case "", "CFBundleShortVersionString":
		if it.CFBundleShortVersionString != "" {
			return it.CFBundleShortVersionString
		}
		return it.CFBundleVersion
	default:
		return it.CFBundleShortVersionString
	}
}

// VersionKey returns the Info.plist key used to read the installed version.
func (it InstallsItem) VersionKey() string {
	if it.VersionComparisonKey != "" {
		return it.VersionComparisonKey
	}
	return "CFBundleShortVersionString"
}

// Receipt describes one platform package receipt recorded by an item.
type Receipt struct {
	PackageID     string `plist:"packageid"`
	Version       string `plist:"version"`
	Optional      bool   `plist:"optional,omitempty"`
	Name          string `plist:"name,omitempty"`
	Filename      string `plist:"filename,omitempty"`
	InstalledSize int64  `plist:"installed_size,omitempty"`
}

// ItemToCopy describes one payload item copied out of a disk image.
type ItemToCopy struct {
	SourceItem      string `plist:"source_item"`
	DestinationPath string `plist:"destination_path,omitempty"`
	DestinationItem string `plist:"destination_item,omitempty"`
	User            string `plist:"user,omitempty"`
	Group           string `plist:"group,omitempty"`
	Mode            string `plist:"mode,omitempty"`
}

// PkgInfo is the metadata record for one installable software item.
type PkgInfo struct {
	Name        string   `plist:"name"`
	Version     string   `plist:"version"`
	DisplayName string   `plist:"display_name,omitempty"`
	Description string   `plist:"description,omitempty"`
	Catalogs    []string `plist:"catalogs,omitempty"`

	InstallerType         string `plist:"installer_type,omitempty"`
	InstallerItemLocation string `plist:"installer_item_location,omitempty"`
	InstallerItemHash     string `plist:"installer_item_hash,omitempty"`
	InstallerItemSize     int64  `plist:"installer_item_size,omitempty"`
	InstalledSize         int64  `plist:"installed_size,omitempty"`

	Uninstallable   bool   `plist:"uninstallable,omitempty"`
	UninstallMethod string `plist:"uninstall_method,omitempty"`

	Installs []InstallsItem `plist:"installs,omitempty"`
	Receipts []Receipt      `plist:"receipts,omitempty"`

	Requires             []string `plist:"requires,omitempty"`
	UpdateFor            []string `plist:"update_for,omitempty"`
	BlockingApplications []string `plist:"blocking_applications,omitempty"`

	RestartAction string `plist:"RestartAction,omitempty"`

	MinimumOSVersion       string   `plist:"minimum_os_version,omitempty"`
	MaximumOSVersion       string   `plist:"maximum_os_version,omitempty"`
	SupportedArchitectures []string `plist:"supported_architectures,omitempty"`
	MinimumClientVersion   string   `plist:"minimum_munki_version,omitempty"`
	InstallableCondition   string   `plist:"installable_condition,omitempty"`

	ForceInstallAfterDate time.Time `plist:"force_install_after_date,omitempty"`

	UnattendedInstall   bool `plist:"unattended_install,omitempty"`
	UnattendedUninstall bool `plist:"unattended_uninstall,omitempty"`
	OnDemand            bool `plist:"OnDemand,omitempty"`
	Featured            bool `plist:"featured,omitempty"`

	InstallCheckScript   string `plist:"installcheck_script,omitempty"`
	UninstallCheckScript string `plist:"uninstallcheck_script,omitempty"`
	PreinstallScript     string `plist:"preinstall_script,omitempty"`
	PostinstallScript    string `plist:"postinstall_script,omitempty"`
	PreuninstallScript   string `plist:"preuninstall_script,omitempty"`
	PostuninstallScript  string `plist:"postuninstall_script,omitempty"`
	UninstallScript      string `plist:"uninstall_script,omitempty"`

	ItemsToCopy       []ItemToCopy `plist:"items_to_copy,omitempty"`
	PayloadIdentifier string       `plist:"PayloadIdentifier,omitempty"`

	// Extra holds keys this agent does not model (admin extensions);
	// they are written back verbatim on marshal.
	Extra map[string]interface{} `plist:"-"`
}

// knownKeys lists every top-level plist key the typed struct owns.
var knownKeys = []string{
	"name", "version", "display_name", "description", "catalogs",
	"installer_type", "installer_item_location", "installer_item_hash",
	"installer_item_size", "installed_size",
	"uninstallable", "uninstall_method",
	"installs", "receipts",
	"requires", "update_for", "blocking_applications",
	"RestartAction",
	"minimum_os_version", "maximum_os_version", "supported_architectures",
	"minimum_munki_version", "installable_condition",
	"force_install_after_date",
	"unattended_install", "unattended_uninstall", "OnDemand", "featured",
	"installcheck_script", "uninstallcheck_script",
	"preinstall_script", "postinstall_script",
	"preuninstall_script", "postuninstall_script", "uninstall_script",
	"items_to_copy", "PayloadIdentifier",
}

// UnmarshalPlist decodes the typed fields and stashes everything else
// in Extra so admin-defined keys round-trip.
func (p *PkgInfo) UnmarshalPlist(unmarshal func(interface{}) error) error {
	type alias PkgInfo
	var a alias
	if err := unmarshal(&a); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	for _, key := range knownKeys {
		delete(raw, key)
	}
	*p = PkgInfo(a)
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

// MarshalPlist rebuilds the full dictionary, Extra keys included.
func (p PkgInfo) MarshalPlist() (interface{}, error) {
	out := make(map[string]interface{}, len(p.Extra)+24)
	for k, v := range p.Extra {
		out[k] = v
	}

	out["name"] = p.Name
	out["version"] = p.Version
	setString(out, "display_name", p.DisplayName)
	setString(out, "description", p.Description)
	setStrings(out, "catalogs", p.Catalogs)
	setString(out, "installer_type", p.InstallerType)
	setString(out, "installer_item_location", p.InstallerItemLocation)
	setString(out, "installer_item_hash", p.InstallerItemHash)
	setInt(out, "installer_item_size", p.InstallerItemSize)
	setInt(out, "installed_size", p.InstalledSize)
	if p.Uninstallable {
		out["uninstallable"] = true
	}
	setString(out, "uninstall_method", p.UninstallMethod)
	if len(p.Installs) > 0 {
		out["installs"] = p.Installs
	}
	if len(p.Receipts) > 0 {
		out["receipts"] = p.Receipts
	}
	setStrings(out, "requires", p.Requires)
	setStrings(out, "update_for", p.UpdateFor)
	setStrings(out, "blocking_applications", p.BlockingApplications)
	setString(out, "RestartAction", p.RestartAction)
	setString(out, "minimum_os_version", p.MinimumOSVersion)
	setString(out, "maximum_os_version", p.MaximumOSVersion)
	setStrings(out, "supported_architectures", p.SupportedArchitectures)
	setString(out, "minimum_munki_version", p.MinimumClientVersion)
	setString(out, "installable_condition", p.InstallableCondition)
	if !p.ForceInstallAfterDate.IsZero() {
		out["force_install_after_date"] = p.ForceInstallAfterDate
	}
	if p.UnattendedInstall {
		out["unattended_install"] = true
	}
	if p.UnattendedUninstall {
		out["unattended_uninstall"] = true
	}
	if p.OnDemand {
		out["OnDemand"] = true
	}
	if p.Featured {
		out["featured"] = true
	}
	setString(out, "installcheck_script", p.InstallCheckScript)
	setString(out, "uninstallcheck_script", p.UninstallCheckScript)
	setString(out, "preinstall_script", p.PreinstallScript)
	setString(out, "postinstall_script", p.PostinstallScript)
	setString(out, "preuninstall_script", p.PreuninstallScript)
	setString(out, "postuninstall_script", p.PostuninstallScript)
	setString(out, "uninstall_script", p.UninstallScript)
	if len(p.ItemsToCopy) > 0 {
		out["items_to_copy"] = p.ItemsToCopy
	}
	setString(out, "PayloadIdentifier", p.PayloadIdentifier)

	return out, nil
}

func setString(m map[string]interface{}, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func setStrings(m map[string]interface{}, key string, val []string) {
	if len(val) > 0 {
		m[key] = val
	}
}

func setInt(m map[string]interface{}, key string, val int64) {
	if val != 0 {
		m[key] = val
	}
}

// Parse decodes a single pkginfo document (XML or binary plist).
func Parse(data []byte) (*PkgInfo, error) {
	var p PkgInfo
	if _, err := plist.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pkginfo: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("pkginfo has no name")
	}
	return &p, nil
}

// Marshal encodes the item as an XML plist.
func (p *PkgInfo) Marshal() ([]byte, error) {
	return plist.MarshalIndent(p, plist.XMLFormat, "\t")
}

// NameAndVersion is the canonical "Name-1.2.3" display form.
func (p *PkgInfo) NameAndVersion() string {
	if p.Version == "" {
		return p.Name
	}
	return fmt.Sprintf("%s-%s", p.Name, p.Version)
}

// DisplayNameOrName prefers the human-facing name for reports.
func (p *PkgInfo) DisplayNameOrName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
