// pkg/installer/installer.go - the adapter surface the executor
// dispatches to, keyed by installer_type and uninstall_method.

package installer

import (
	"context"

	"github.com/macadmins/cortado/pkg/pkginfo"
)

// Event is one progress observation from a running installer.
type Event struct {
	Item string
	// Percent is 0-100, or -1 when only a phase is known.
	Percent float64
	Phase   string
}

// Outcome is what an adapter reports back.
type Outcome struct {
	ExitStatus int
	// RestartHint is a pkginfo Restart* value observed during the
	// run, or empty.
	RestartHint string
}

// InstallAdapter installs one payload kind.
type InstallAdapter interface {
	Install(ctx context.Context, item *pkginfo.PkgInfo, payloadPath string) (Outcome, error)
}

// RemoveAdapter removes one uninstall_method kind.
type RemoveAdapter interface {
	Remove(ctx context.Context, item *pkginfo.PkgInfo, payloadPath string) (Outcome, error)
}

// RestartNeeded reports whether a restart action or hint forces the
// session's restart flag.
func RestartNeeded(hint string) bool {
	return hint == pkginfo.RestartRequired || hint == pkginfo.RestartRecommended
}
