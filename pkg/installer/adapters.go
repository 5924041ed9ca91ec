// pkg/installer/adapters.go - the exec-backed adapters for the
// built-in installer types.

package installer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
)

// DefaultAdapters wires the built-in installer types. events may be
// nil when no progress consumer exists.
func DefaultAdapters(events chan<- Event) map[string]InstallAdapter {
	return map[string]InstallAdapter{
		pkginfo.TypePlatformPackage:      &PackageInstaller{Events: events},
		pkginfo.TypeDiskImageCopy:        &DiskImageInstaller{},
		pkginfo.TypeBundleCopyFromImage:  &DiskImageInstaller{},
		pkginfo.TypeConfigurationProfile: &ProfileInstaller{},
		pkginfo.TypeScriptOnly:           NoActionInstaller{},
		pkginfo.TypeNoPkg:                NoActionInstaller{},
		pkginfo.TypeAppleUpdateMetadata:  NoActionInstaller{},
	}
}

// PackageInstaller drives the native package installer command and
// scrapes its verbose progress output.
type PackageInstaller struct {
	// Command defaults to /usr/sbin/installer.
	Command string
	Events  chan<- Event
}

func (p *PackageInstaller) Install(ctx context.Context, item *pkginfo.PkgInfo, payloadPath string) (Outcome, error) {
	command := p.Command
	if command == "" {
		command = "/usr/sbin/installer"
	}
	cmd := exec.CommandContext(ctx, command, "-verboseR", "-pkg", payloadPath, "-target", "/")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{ExitStatus: -1}, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return Outcome{ExitStatus: -1}, fmt.Errorf("starting installer: %w", err)
	}

	restartHint := ""
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "installer:%"):
			if pct, err := strconv.ParseFloat(strings.TrimPrefix(line, "installer:%"), 64); err == nil {
				p.emit(Event{Item: item.Name, Percent: pct})
			}
		case strings.HasPrefix(line, "installer:PHASE:"):
			p.emit(Event{Item: item.Name, Percent: -1, Phase: strings.TrimPrefix(line, "installer:PHASE:")})
		case strings.Contains(line, "restart"):
			if strings.Contains(line, "require") {
				restartHint = pkginfo.RestartRequired
			} else if restartHint == "" {
				restartHint = pkginfo.RestartRecommended
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Outcome{ExitStatus: exitErr.ExitCode(), RestartHint: restartHint}, nil
		}
		return Outcome{ExitStatus: -1}, err
	}
	return Outcome{ExitStatus: 0, RestartHint: restartHint}, nil
}

func (p *PackageInstaller) emit(ev Event) {
	if p.Events == nil {
		return
	}
	select {
	case p.Events <- ev:
	default:
	}
}

// DiskImageInstaller mounts a disk image and copies the item's
// items_to_copy entries to their destinations.
type DiskImageInstaller struct {
	// MountCommand defaults to hdiutil.
	MountCommand string
}

func (d *DiskImageInstaller) Install(ctx context.Context, item *pkginfo.PkgInfo, payloadPath string) (Outcome, error) {
	mountPoint, err := d.attach(ctx, payloadPath)
	if err != nil {
		return Outcome{ExitStatus: -1}, err
	}
	defer d.detach(ctx, mountPoint)

	for _, entry := range item.ItemsToCopy {
		if err := copyItem(mountPoint, entry); err != nil {
			logging.Error("Copy failed", "item", item.Name, "source", entry.SourceItem, "error", err)
			return Outcome{ExitStatus: 1}, nil
		}
	}
	return Outcome{ExitStatus: 0}, nil
}

func (d *DiskImageInstaller) command() string {
	if d.MountCommand != "" {
		return d.MountCommand
	}
	return "/usr/bin/hdiutil"
}

func (d *DiskImageInstaller) attach(ctx context.Context, imagePath string) (string, error) {
	out, err := exec.CommandContext(ctx, d.command(),
		"attach", imagePath, "-nobrowse", "-plist").Output()
	if err != nil {
		return "", fmt.Errorf("mounting %s: %w", filepath.Base(imagePath), err)
	}
	var result struct {
		SystemEntities []struct {
			MountPoint string `plist:"mount-point"`
		} `plist:"system-entities"`
	}
	if _, err := plist.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("parsing mount output: %w", err)
	}
	for _, ent := range result.SystemEntities {
		if ent.MountPoint != "" {
			return ent.MountPoint, nil
		}
	}
	return "", fmt.Errorf("no mount point for %s", filepath.Base(imagePath))
}

func (d *DiskImageInstaller) detach(ctx context.Context, mountPoint string) {
	if err := exec.CommandContext(ctx, d.command(), "detach", mountPoint, "-force").Run(); err != nil {
		logging.Warn("Could not unmount disk image", "mountpoint", mountPoint, "error", err)
	}
}

func copyItem(mountPoint string, entry pkginfo.ItemToCopy) error {
	src := filepath.Join(mountPoint, entry.SourceItem)
	dest := entry.DestinationItem
	if dest == "" {
		dest = filepath.Join(entry.DestinationPath, filepath.Base(entry.SourceItem))
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := copyTree(src, dest); err != nil {
		return err
	}
	return applyOwnership(dest, entry)
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	case info.IsDir():
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

func applyOwnership(dest string, entry pkginfo.ItemToCopy) error {
	if entry.Mode != "" {
		if mode, err := strconv.ParseUint(entry.Mode, 8, 32); err == nil {
			if err := os.Chmod(dest, os.FileMode(mode)); err != nil {
				return err
			}
		}
	}
	// User and group names require host lookup and root; applied on a
	// best-effort basis through chown when both are numeric.
	uid, uidErr := strconv.Atoi(entry.User)
	gid, gidErr := strconv.Atoi(entry.Group)
	if uidErr == nil && gidErr == nil {
		if err := os.Chown(dest, uid, gid); err != nil {
			logging.Warn("Could not set ownership", "path", dest, "error", err)
		}
	}
	return nil
}

// ProfileInstaller installs configuration profiles and keeps its own
// receipt plist of hash and install date.
type ProfileInstaller struct {
	// Command defaults to /usr/bin/profiles.
	Command string
	// ReceiptsPath is where profile receipts are recorded.
	ReceiptsPath string
}

type profileReceipt struct {
	Identifier  string    `plist:"identifier"`
	Hash        string    `plist:"hash"`
	InstallDate time.Time `plist:"install_date"`
}

func (p *ProfileInstaller) Install(ctx context.Context, item *pkginfo.PkgInfo, payloadPath string) (Outcome, error) {
	command := p.Command
	if command == "" {
		command = "/usr/bin/profiles"
	}
	if err := exec.CommandContext(ctx, command, "install", "-path", payloadPath).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Outcome{ExitStatus: exitErr.ExitCode()}, nil
		}
		return Outcome{ExitStatus: -1}, err
	}
	if err := p.recordReceipt(item, payloadPath); err != nil {
		logging.Warn("Could not record profile receipt", "item", item.Name, "error", err)
	}
	return Outcome{ExitStatus: 0}, nil
}

// Remove handles the remove_profile uninstall method.
func (p *ProfileInstaller) Remove(ctx context.Context, item *pkginfo.PkgInfo, _ string) (Outcome, error) {
	command := p.Command
	if command == "" {
		command = "/usr/bin/profiles"
	}
	identifier := item.PayloadIdentifier
	if identifier == "" {
		return Outcome{ExitStatus: 1}, fmt.Errorf("no payload identifier for %s", item.Name)
	}
	if err := exec.CommandContext(ctx, command, "remove", "-identifier", identifier).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Outcome{ExitStatus: exitErr.ExitCode()}, nil
		}
		return Outcome{ExitStatus: -1}, err
	}
	p.clearReceipt(identifier)
	return Outcome{ExitStatus: 0}, nil
}

func (p *ProfileInstaller) recordReceipt(item *pkginfo.PkgInfo, payloadPath string) error {
	if p.ReceiptsPath == "" {
		return nil
	}
	data, err := os.ReadFile(payloadPath)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	receipts := p.loadReceipts()
	identifier := item.PayloadIdentifier
	if identifier == "" {
		identifier = item.Name
	}
	receipts[identifier] = profileReceipt{
		Identifier:  identifier,
		Hash:        hex.EncodeToString(sum[:]),
		InstallDate: time.Now(),
	}
	return p.saveReceipts(receipts)
}

func (p *ProfileInstaller) clearReceipt(identifier string) {
	if p.ReceiptsPath == "" {
		return
	}
	receipts := p.loadReceipts()
	delete(receipts, identifier)
	if err := p.saveReceipts(receipts); err != nil {
		logging.Warn("Could not update profile receipts", "error", err)
	}
}

func (p *ProfileInstaller) loadReceipts() map[string]profileReceipt {
	out := make(map[string]profileReceipt)
	data, err := os.ReadFile(p.ReceiptsPath)
	if err != nil {
		return out
	}
	plist.Unmarshal(data, &out)
	return out
}

func (p *ProfileInstaller) saveReceipts(receipts map[string]profileReceipt) error {
	data, err := plist.MarshalIndent(receipts, plist.XMLFormat, "\t")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.ReceiptsPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.ReceiptsPath, data, 0o644)
}

// NoActionInstaller covers script_only and metadata-only items: the
// payload is nothing, the restart hint comes from the pkginfo.
type NoActionInstaller struct{}

func (NoActionInstaller) Install(_ context.Context, item *pkginfo.PkgInfo, _ string) (Outcome, error) {
	return Outcome{ExitStatus: 0, RestartHint: item.RestartAction}, nil
}
