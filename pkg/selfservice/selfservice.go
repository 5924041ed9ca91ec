// pkg/selfservice/selfservice.go - the local self-serve manifest:
// optional items the user has chosen to install or remove. The core
// merges it into the effective manifest each session and writes it
// back only on deliberate changes.

package selfservice

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/manifest"
)

// Manifest holds the user's optional-install choices.
type Manifest struct {
	ManagedInstalls   []string `plist:"managed_installs"`
	ManagedUninstalls []string `plist:"managed_uninstalls"`
}

// Load reads the self-serve manifest. A missing file yields an empty
// manifest, not an error.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading self-serve manifest: %w", err)
	}
	var m Manifest
	if _, err := plist.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing self-serve manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := plist.MarshalIndent(m, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("encoding self-serve manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AddInstall records a user choice to install an optional item. It
// also drops any pending uninstall choice for the same item.
func (m *Manifest) AddInstall(name string) bool {
	changed := false
	if !manifest.ContainsItem(m.ManagedInstalls, name) {
		m.ManagedInstalls = append(m.ManagedInstalls, name)
		changed = true
	}
	if manifest.ContainsItem(m.ManagedUninstalls, name) {
		m.ManagedUninstalls = manifest.RemoveItem(m.ManagedUninstalls, name)
		changed = true
	}
	return changed
}

// AddUninstall records a user choice to remove an optional item.
func (m *Manifest) AddUninstall(name string) bool {
	changed := false
	if !manifest.ContainsItem(m.ManagedUninstalls, name) {
		m.ManagedUninstalls = append(m.ManagedUninstalls, name)
		changed = true
	}
	if manifest.ContainsItem(m.ManagedInstalls, name) {
		m.ManagedInstalls = manifest.RemoveItem(m.ManagedInstalls, name)
		changed = true
	}
	return changed
}

// ClearInstall drops an item from the user's install choices. Used to
// retire OnDemand entries after a successful run.
func (m *Manifest) ClearInstall(name string) bool {
	if !manifest.ContainsItem(m.ManagedInstalls, name) {
		return false
	}
	m.ManagedInstalls = manifest.RemoveItem(m.ManagedInstalls, name)
	logging.Debug("Cleared self-serve install choice", "item", name)
	return true
}

// ClearUninstall drops an item from the user's uninstall choices,
// typically once the removal has completed.
func (m *Manifest) ClearUninstall(name string) bool {
	if !manifest.ContainsItem(m.ManagedUninstalls, name) {
		return false
	}
	m.ManagedUninstalls = manifest.RemoveItem(m.ManagedUninstalls, name)
	return true
}
