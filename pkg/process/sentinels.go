// pkg/process/sentinels.go - flag files shared with the UI
// collaborator: stop requests and install-at-logout.

package process

import (
	"os"

	"github.com/macadmins/cortado/pkg/logging"
)

// StopRequested reports whether the stop sentinel exists.
func StopRequested(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RequestStop creates the stop sentinel.
func RequestStop(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ClearStopRequest removes the stop sentinel at session start.
func ClearStopRequest(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("Could not clear stop request", "error", err)
	}
}

// SetInstallAtLogout marks that pending items should run at logout.
func SetInstallAtLogout(path string, pending bool) {
	if !pending {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Could not clear install-at-logout flag", "error", err)
		}
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Warn("Could not set install-at-logout flag", "error", err)
		return
	}
	f.Close()
}
