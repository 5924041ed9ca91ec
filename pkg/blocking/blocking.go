// pkg/blocking/blocking.go - detects running applications that must
// quit before an item may be installed or removed.

package blocking

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
)

// listProcesses is replaceable in tests.
var listProcesses = runningProcesses

type processInfo struct {
	name string
	exe  string
}

func runningProcesses() []processInfo {
	procs, err := process.Processes()
	if err != nil {
		logging.Error("Failed to list processes", "error", err)
		return nil
	}
	out := make([]processInfo, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		exe, _ := proc.Exe()
		out = append(out, processInfo{name: name, exe: exe})
	}
	return out
}

// IsAppRunning reports whether the named application is running. A
// name starting with "/" matches the executable path exactly; a name
// ending in ".app" matches the bundle's base name; anything else
// matches the process name.
func IsAppRunning(appName string) bool {
	want := strings.ToLower(appName)
	for _, proc := range listProcesses() {
		if strings.HasPrefix(want, "/") {
			if strings.EqualFold(proc.exe, appName) ||
				strings.HasPrefix(strings.ToLower(proc.exe), want+"/") {
				return true
			}
			continue
		}
		name := strings.ToLower(proc.name)
		if strings.HasSuffix(want, ".app") {
			if name == strings.TrimSuffix(filepath.Base(want), ".app") {
				return true
			}
			continue
		}
		if name == want {
			return true
		}
	}
	return false
}

// RunningBlockingApps returns the item's blocking applications that
// are currently running. Without an explicit blocking_applications
// list, the application entries of the installs array stand in.
func RunningBlockingApps(item *pkginfo.PkgInfo) []string {
	names := item.BlockingApplications
	if len(names) == 0 {
		for _, probe := range item.Installs {
			if probe.Type == pkginfo.ProbeApplication && probe.Path != "" {
				names = append(names, filepath.Base(probe.Path))
			}
		}
	}

	var running []string
	for _, name := range names {
		if IsAppRunning(name) {
			running = append(running, name)
		}
	}
	if len(running) > 0 {
		logging.Info("Blocking applications are running", "item", item.Name,
			"apps", strings.Join(running, ", "))
	}
	return running
}

// ApplicationsRunning reports whether anything blocks the item.
func ApplicationsRunning(item *pkginfo.PkgInfo) bool {
	return len(RunningBlockingApps(item)) > 0
}
