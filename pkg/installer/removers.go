// pkg/installer/removers.go - the uninstall_method adapters.

package installer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/scripts"
)

// PackageDB is the slice of the receipt database removal needs.
type PackageDB interface {
	PathsUniqueToPackages(packageIDs []string) ([]string, error)
	ForgetPackages(packageIDs []string) error
}

// DefaultRemovers wires the built-in uninstall methods.
func DefaultRemovers(db PackageDB, runner *scripts.Runner, forceDeleteBundles bool) map[string]RemoveAdapter {
	return map[string]RemoveAdapter{
		pkginfo.UninstallReceiptRemoval:    &ReceiptRemover{DB: db, ForceDeleteBundles: forceDeleteBundles},
		pkginfo.UninstallRemoveCopiedItems: CopiedItemsRemover{},
		pkginfo.UninstallRemoveProfile:     &ProfileInstaller{},
		pkginfo.UninstallScript:            &ScriptRemover{Runner: runner},
	}
}

// ReceiptRemover deletes the filesystem paths owned exclusively by the
// item's packageids, then forgets the receipts.
type ReceiptRemover struct {
	DB                 PackageDB
	ForceDeleteBundles bool
}

func (r *ReceiptRemover) Remove(_ context.Context, item *pkginfo.PkgInfo, _ string) (Outcome, error) {
	var ids []string
	for _, rcpt := range item.Receipts {
		if !rcpt.Optional {
			ids = append(ids, rcpt.PackageID)
		}
	}
	if len(ids) == 0 {
		return Outcome{ExitStatus: 1}, fmt.Errorf("no receipts to remove for %s", item.Name)
	}

	paths, err := r.DB.PathsUniqueToPackages(ids)
	if err != nil {
		return Outcome{ExitStatus: -1}, err
	}
	failures := 0
	for _, path := range paths {
		if err := r.removePath(path); err != nil {
			logging.Warn("Could not remove path", "path", path, "error", err)
			failures++
		}
	}
	if err := r.DB.ForgetPackages(ids); err != nil {
		return Outcome{ExitStatus: -1}, err
	}
	if failures > 0 {
		return Outcome{ExitStatus: 1}, nil
	}
	return Outcome{ExitStatus: 0, RestartHint: item.RestartAction}, nil
}

// removePath deletes paths bottom-up. Non-empty directories survive
// unless they are application bundles and force_delete_bundles is on.
func (r *ReceiptRemover) removePath(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.Remove(path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return os.Remove(path)
	}
	if strings.HasSuffix(path, ".app") && r.ForceDeleteBundles {
		return os.RemoveAll(path)
	}
	logging.Debug("Leaving non-empty directory", "path", path)
	return nil
}

// CopiedItemsRemover deletes each recorded destination of a
// copy-style install.
type CopiedItemsRemover struct{}

func (CopiedItemsRemover) Remove(_ context.Context, item *pkginfo.PkgInfo, _ string) (Outcome, error) {
	if len(item.ItemsToCopy) == 0 {
		return Outcome{ExitStatus: 1}, fmt.Errorf("no items_to_copy recorded for %s", item.Name)
	}
	failures := 0
	for _, entry := range item.ItemsToCopy {
		dest := entry.DestinationItem
		if dest == "" {
			dest = entry.DestinationPath + "/" + baseName(entry.SourceItem)
		}
		logging.Info("Removing", "path", dest)
		if err := os.RemoveAll(dest); err != nil {
			logging.Warn("Could not remove", "path", dest, "error", err)
			failures++
		}
	}
	if failures > 0 {
		return Outcome{ExitStatus: 1}, nil
	}
	return Outcome{ExitStatus: 0, RestartHint: item.RestartAction}, nil
}

func baseName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// ScriptRemover runs the item's embedded uninstall_script.
type ScriptRemover struct {
	Runner *scripts.Runner
}

func (s *ScriptRemover) Remove(ctx context.Context, item *pkginfo.PkgInfo, _ string) (Outcome, error) {
	if item.UninstallScript == "" {
		return Outcome{ExitStatus: 1}, fmt.Errorf("no uninstall_script for %s", item.Name)
	}
	code, err := s.Runner.RunEmbedded(ctx, item.Name+"-uninstall", item.UninstallScript)
	if err != nil {
		return Outcome{ExitStatus: -1}, err
	}
	out := Outcome{ExitStatus: code}
	if code == 0 {
		out.RestartHint = item.RestartAction
	}
	return out, nil
}
