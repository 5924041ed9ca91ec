// pkg/predicates/facts.go - host facts used for conditional evaluation
// and installability gates.

package predicates

import (
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Facts is the set of host attributes conditions are evaluated against.
type Facts map[string]interface{}

// osVersion is replaceable for tests and for platforms where the
// version comes from somewhere other than uname.
var osVersion = detectOSVersion

func detectOSVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// Arch returns the normalized machine architecture.
func Arch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "arm64"
	default:
		return runtime.GOARCH
	}
}

// FreeDiskSpace returns the free bytes on the volume holding path.
func FreeDiskSpace(path string) int64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

// Gather collects the standard facts. Additional facts may be layered
// in by the caller before evaluation.
func Gather(managedInstallDir string, catalogs []string) Facts {
	facts := Facts{
		"arch":         Arch(),
		"os_version":   osVersion(),
		"date":         time.Now(),
		"catalogs":     catalogs,
		"machine_type": machineType(),
	}
	if hostname, err := os.Hostname(); err == nil {
		facts["hostname"] = hostname
	}
	if managedInstallDir != "" {
		facts["available_disk_space"] = FreeDiskSpace(managedInstallDir)
	}
	return facts
}

func machineType() string {
	// Battery-backed hosts report as laptops. The power-supply sysfs
	// tree is the only portable signal available without a helper.
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err == nil {
		for _, e := range entries {
			if strings.HasPrefix(strings.ToLower(e.Name()), "bat") {
				return "laptop"
			}
		}
	}
	return "desktop"
}
