// pkg/installs/appindex.go - a scan of installed application bundles,
// used to resolve application probes that carry no path.

package installs

import (
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
)

// Application is one discovered app bundle.
type Application struct {
	Path     string
	BundleID string
	Name     string
	Version  string
}

// AppIndex caches discovered applications by bundle id and name.
type AppIndex struct {
	byBundleID map[string]Application
	byName     map[string]Application
}

// DefaultAppRoots are the directories scanned for application bundles.
var DefaultAppRoots = []string{"/Applications", "/System/Applications"}

// ScanApplications walks the given roots (two levels deep) collecting
// every .app bundle with a readable Info.plist.
func ScanApplications(roots []string) *AppIndex {
	idx := &AppIndex{
		byBundleID: make(map[string]Application),
		byName:     make(map[string]Application),
	}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(root, entry.Name())
			if strings.HasSuffix(entry.Name(), ".app") {
				idx.add(path)
				continue
			}
			if !entry.IsDir() {
				continue
			}
			subEntries, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			for _, sub := range subEntries {
				if strings.HasSuffix(sub.Name(), ".app") {
					idx.add(filepath.Join(path, sub.Name()))
				}
			}
		}
	}
	logging.Debug("Scanned application bundles", "count", len(idx.byBundleID))
	return idx
}

func (idx *AppIndex) add(bundlePath string) {
	data, err := os.ReadFile(bundleInfoPath(bundlePath))
	if err != nil {
		return
	}
	var info struct {
		CFBundleIdentifier         string `plist:"CFBundleIdentifier"`
		CFBundleName               string `plist:"CFBundleName"`
		CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
	}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		logging.Debug("Skipping unreadable Info.plist", "bundle", bundlePath, "error", err)
		return
	}
	app := Application{
		Path:     bundlePath,
		BundleID: info.CFBundleIdentifier,
		Name:     info.CFBundleName,
		Version:  info.CFBundleShortVersionString,
	}
	if app.Name == "" {
		app.Name = strings.TrimSuffix(filepath.Base(bundlePath), ".app")
	}
	if app.BundleID != "" {
		if _, exists := idx.byBundleID[strings.ToLower(app.BundleID)]; !exists {
			idx.byBundleID[strings.ToLower(app.BundleID)] = app
		}
	}
	if _, exists := idx.byName[strings.ToLower(app.Name)]; !exists {
		idx.byName[strings.ToLower(app.Name)] = app
	}
}

// ByBundleID looks up an application by CFBundleIdentifier.
func (idx *AppIndex) ByBundleID(id string) (Application, bool) {
	app, ok := idx.byBundleID[strings.ToLower(id)]
	return app, ok
}

// ByName looks up an application by CFBundleName.
func (idx *AppIndex) ByName(name string) (Application, bool) {
	app, ok := idx.byName[strings.ToLower(name)]
	return app, ok
}
