// pkg/config/config.go - configuration settings for the agent.

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultManagedInstallDir anchors all local state unless overridden by
// configuration or the CORTADO_MANAGED_INSTALL_DIR environment variable.
const DefaultManagedInstallDir = "/usr/local/cortado/ManagedInstalls"

// ConfigFileName is the agent configuration file inside the
// managed-installs directory.
const ConfigFileName = "ManagedInstalls.yaml"

// Configuration holds the configurable options for the agent.
type Configuration struct {
	SoftwareRepoURL     string            `yaml:"SoftwareRepoURL"`
	ClientIdentifier    string            `yaml:"ClientIdentifier"`
	ManagedInstallDir   string            `yaml:"ManagedInstallDir"`
	LogLevel            string            `yaml:"LogLevel"`
	FollowHTTPRedirects bool              `yaml:"FollowHTTPRedirects"`
	AdditionalHeaders   map[string]string `yaml:"AdditionalHTTPHeaders"`

	// PackageVerificationMode controls payload hash checking:
	// "hash" (default) or "none".
	PackageVerificationMode string `yaml:"PackageVerificationMode"`

	// UnattendedOnly restricts the executor to items flagged for
	// unattended install/removal.
	UnattendedOnly bool `yaml:"UnattendedOnly"`

	// ForceDeleteBundles permits receipt-based removal to delete
	// non-empty application bundle directories.
	ForceDeleteBundles bool `yaml:"ForceDeleteBundles"`

	// Internal flags, not exposed in YAML.
	CheckOnly       bool `yaml:"-"`
	InstallOnly     bool `yaml:"-"`
	SkipSelfService bool `yaml:"-"`
}

// CachePath is where installer payloads are staged.
func (c *Configuration) CachePath() string {
	return filepath.Join(c.ManagedInstallDir, "Cache")
}

// CatalogsPath is where fetched catalogs are cached.
func (c *Configuration) CatalogsPath() string {
	return filepath.Join(c.ManagedInstallDir, "catalogs")
}

// ManifestsPath is where fetched manifests and the SelfServeManifest live.
func (c *Configuration) ManifestsPath() string {
	return filepath.Join(c.ManagedInstallDir, "manifests")
}

// InstallInfoPath is the persisted install plan.
func (c *Configuration) InstallInfoPath() string {
	return filepath.Join(c.ManagedInstallDir, "InstallInfo.plist")
}

// ReportPath is the last-run report.
func (c *Configuration) ReportPath() string {
	return filepath.Join(c.ManagedInstallDir, "ManagedInstallReport.plist")
}

// SelfServeManifestPath is the user's writable optional-install state.
func (c *Configuration) SelfServeManifestPath() string {
	return filepath.Join(c.ManifestsPath(), "SelfServeManifest")
}

// PackageDBPath is the local package path database used for
// receipt-based removal.
func (c *Configuration) PackageDBPath() string {
	return filepath.Join(c.ManagedInstallDir, "pkgdb.sqlite")
}

// StopRequestedPath is the sentinel file checked between items.
func (c *Configuration) StopRequestedPath() string {
	return filepath.Join(c.ManagedInstallDir, ".stop_requested")
}

// InstallAtLogoutPath flags an external logout helper to run installonly.
func (c *Configuration) InstallAtLogoutPath() string {
	return filepath.Join(c.ManagedInstallDir, ".installatlogout")
}

// LockPath is the process-wide session lock.
func (c *Configuration) LockPath() string {
	return filepath.Join(c.ManagedInstallDir, ".managedsoftwareupdate.lock")
}

// PreflightScriptPath and PostflightScriptPath are administrator hooks
// run around each session.
func (c *Configuration) PreflightScriptPath() string {
	return filepath.Join(c.ManagedInstallDir, "preflight")
}

func (c *Configuration) PostflightScriptPath() string {
	return filepath.Join(c.ManagedInstallDir, "postflight")
}

// Default returns a configuration populated with default values.
func Default() *Configuration {
	dir := os.Getenv("CORTADO_MANAGED_INSTALL_DIR")
	if dir == "" {
		dir = DefaultManagedInstallDir
	}
	return &Configuration{
		ManagedInstallDir:       dir,
		LogLevel:                "INFO",
		FollowHTTPRedirects:     false,
		PackageVerificationMode: "hash",
	}
}

// Load reads the configuration from the managed-installs directory,
// falling back to defaults for unset keys. A missing file is an error:
// an unconfigured agent has no repo to talk to.
func Load() (*Configuration, error) {
	cfg := Default()
	path := filepath.Join(cfg.ManagedInstallDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	if cfg.ManagedInstallDir == "" {
		cfg.ManagedInstallDir = DefaultManagedInstallDir
	}
	if cfg.SoftwareRepoURL == "" {
		return nil, fmt.Errorf("configuration %s: SoftwareRepoURL is not set", path)
	}
	if cfg.ClientIdentifier == "" {
		hostname, _ := os.Hostname()
		cfg.ClientIdentifier = hostname
	}
	if cfg.PackageVerificationMode == "" {
		cfg.PackageVerificationMode = "hash"
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to disk.
func Save(cfg *Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing configuration: %w", err)
	}
	path := filepath.Join(cfg.ManagedInstallDir, ConfigFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Print writes the effective configuration as YAML.
func Print(w io.Writer, cfg *Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing configuration: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// EnsureDirectories creates the local state layout.
func (c *Configuration) EnsureDirectories() error {
	for _, dir := range []string{
		c.ManagedInstallDir,
		c.CachePath(),
		c.CatalogsPath(),
		c.ManifestsPath(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
