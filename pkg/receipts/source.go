// pkg/receipts/source.go - reads the host's native receipt files,
// one plist per installed package, as the rebuild source.

package receipts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
)

// DirectorySource reads plist receipt files from a directory.
type DirectorySource struct {
	Dir string
}

type receiptFile struct {
	PackageID       string `plist:"packageid"`
	Version         string `plist:"version"`
	InstallLocation string `plist:"install_location"`
	Paths           []struct {
		Path string `plist:"path"`
		UID  int    `plist:"uid"`
		GID  int    `plist:"gid"`
		Mode int    `plist:"mode"`
	} `plist:"paths"`
}

// ModTime returns the newest receipt file's modification time. A
// missing directory reports the zero time, which never forces a
// rebuild.
func (s DirectorySource) ModTime() (time.Time, error) {
	files, err := s.list()
	if err != nil {
		return time.Time{}, err
	}
	return FileModTime(files...)
}

// Receipts parses every receipt file, skipping unreadable ones with a
// warning.
func (s DirectorySource) Receipts() ([]PackageReceipt, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	var out []PackageReceipt
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logging.Warn("Skipping unreadable receipt", "file", file, "error", err)
			continue
		}
		var rf receiptFile
		if _, err := plist.Unmarshal(data, &rf); err != nil {
			logging.Warn("Skipping malformed receipt", "file", file, "error", err)
			continue
		}
		if rf.PackageID == "" {
			logging.Warn("Skipping receipt with no packageid", "file", file)
			continue
		}
		pkg := PackageReceipt{
			PackageID:       rf.PackageID,
			Version:         rf.Version,
			InstallLocation: rf.InstallLocation,
		}
		for _, p := range rf.Paths {
			pkg.Paths = append(pkg.Paths, PathEntry{Path: p.Path, UID: p.UID, GID: p.GID, Mode: p.Mode})
		}
		out = append(out, pkg)
	}
	return out, nil
}

func (s DirectorySource) list() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".plist") {
			continue
		}
		files = append(files, filepath.Join(s.Dir, entry.Name()))
	}
	return files, nil
}
