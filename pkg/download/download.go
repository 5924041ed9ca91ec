// pkg/download/download.go - fetches installer payloads into the
// local cache, verifies integrity, and prunes files the plan no
// longer references.

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/repo"
	"github.com/macadmins/cortado/pkg/retry"
)

// PkgsPrefix is where installer payloads live in the repo.
const PkgsPrefix = "pkgs"

// Result records one item's download outcome.
type Result struct {
	Item      *pkginfo.PkgInfo
	CachePath string
	// Cached means the existing cache file already matched.
	Cached   bool
	Bytes    int64
	Duration time.Duration
	// Throughput is bytes per second for fetched items.
	Throughput float64
}

// Problem marks an item dropped from the install list.
type Problem struct {
	Item *pkginfo.PkgInfo
	Note string
}

// Scheduler downloads the install list's payloads.
type Scheduler struct {
	Repo     repo.Repo
	CacheDir string
	// VerifyHash disables payload verification when false
	// (package_verification_mode "none").
	VerifyHash bool
	Retry      retry.Config
}

// CachePath is where an item's payload lands in the cache.
func (s *Scheduler) CachePath(item *pkginfo.PkgInfo) string {
	return filepath.Join(s.CacheDir, path.Base(item.InstallerItemLocation))
}

// Fetch ensures the item's payload is cached and verified. A cache
// file whose hash already matches skips the fetch entirely.
func (s *Scheduler) Fetch(ctx context.Context, item *pkginfo.PkgInfo) (Result, error) {
	res := Result{Item: item, CachePath: s.CachePath(item)}
	if item.InstallerItemLocation == "" {
		return res, nil
	}
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return res, err
	}

	if s.VerifyHash && item.InstallerItemHash != "" {
		if VerifyFile(res.CachePath, item.InstallerItemHash) {
			logging.Debug("Using cached payload", "item", item.Name, "file", res.CachePath)
			res.Cached = true
			return res, nil
		}
	} else if info, err := os.Stat(res.CachePath); err == nil && info.Size() > 0 {
		res.Cached = true
		return res, nil
	}

	relpath := path.Join(PkgsPrefix, item.InstallerItemLocation)
	tmp := res.CachePath + ".download"
	defer os.Remove(tmp)

	start := time.Now()
	err := retry.Retry(s.Retry, func() error {
		logging.Info("Downloading", "item", item.Name, "location", item.InstallerItemLocation)
		if _, err := s.Repo.FetchToFile(ctx, relpath, tmp, time.Time{}); err != nil {
			return err
		}
		if s.VerifyHash && item.InstallerItemHash != "" && !VerifyFile(tmp, item.InstallerItemHash) {
			os.Remove(tmp)
			return retry.NonRetryable(fmt.Errorf("integrity check failed for %s", item.Name))
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Duration = time.Since(start)

	if info, statErr := os.Stat(tmp); statErr == nil {
		res.Bytes = info.Size()
		if secs := res.Duration.Seconds(); secs > 0 {
			res.Throughput = float64(res.Bytes) / secs
		}
	}
	if err := os.Rename(tmp, res.CachePath); err != nil {
		return res, err
	}
	logging.Info("Downloaded", "item", item.Name, "bytes", res.Bytes,
		"seconds", fmt.Sprintf("%.1f", res.Duration.Seconds()))
	return res, nil
}

// FetchAll downloads every item, splitting the list into the items
// ready to install and the ones that failed. A hash mismatch drops
// the item with an integrity note; the resolver's skip propagation
// handles its dependents.
func (s *Scheduler) FetchAll(ctx context.Context, items []*pkginfo.PkgInfo) ([]Result, []Problem) {
	var ok []Result
	var problems []Problem
	for _, item := range items {
		res, err := s.Fetch(ctx, item)
		if err != nil {
			note := "download failed"
			if retry.IsNonRetryable(err) {
				note = "integrity check failed"
			}
			logging.Error("Payload unavailable", "item", item.Name, "error", err)
			problems = append(problems, Problem{Item: item, Note: note})
			continue
		}
		ok = append(ok, res)
	}
	return ok, problems
}

// CleanCache removes cache files no item in the plan references.
func CleanCache(cacheDir string, keep []*pkginfo.PkgInfo) error {
	referenced := make(map[string]bool)
	for _, item := range keep {
		if item.InstallerItemLocation != "" {
			referenced[path.Base(item.InstallerItemLocation)] = true
		}
	}
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || referenced[entry.Name()] {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".download") {
			continue
		}
		full := filepath.Join(cacheDir, entry.Name())
		logging.Info("Removing unreferenced cache file", "file", entry.Name())
		if err := os.Remove(full); err != nil {
			logging.Warn("Could not remove cache file", "file", full, "error", err)
		}
	}
	return nil
}

// RemoveCachedPayload deletes an item's cache file once nothing else
// in the remaining install list shares its location.
func RemoveCachedPayload(cacheDir string, item *pkginfo.PkgInfo, remaining []*pkginfo.PkgInfo) {
	if item.InstallerItemLocation == "" {
		return
	}
	base := path.Base(item.InstallerItemLocation)
	for _, other := range remaining {
		if other.InstallerItemLocation != "" && path.Base(other.InstallerItemLocation) == base {
			return
		}
	}
	if err := os.Remove(filepath.Join(cacheDir, base)); err != nil && !os.IsNotExist(err) {
		logging.Warn("Could not remove cached payload", "file", base, "error", err)
	}
}

// VerifyFile reports whether the file's SHA-256 matches expected.
func VerifyFile(file, expected string) bool {
	f, err := os.Open(file)
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected)
}
