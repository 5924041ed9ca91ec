package blocking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/macadmins/cortado/pkg/pkginfo"
)

func stubProcesses(t *testing.T, procs []processInfo) {
	t.Helper()
	orig := listProcesses
	listProcesses = func() []processInfo { return procs }
	t.Cleanup(func() { listProcesses = orig })
}

func TestIsAppRunning(t *testing.T) {
	stubProcesses(t, []processInfo{
		{name: "firefox", exe: "/Applications/Firefox.app/Contents/MacOS/firefox"},
		{name: "slack", exe: "/opt/slack/slack"},
	})

	assert.True(t, IsAppRunning("firefox"))
	assert.True(t, IsAppRunning("Firefox.app"))
	assert.True(t, IsAppRunning("/opt/slack/slack"))
	assert.True(t, IsAppRunning("/Applications/Firefox.app"))
	assert.False(t, IsAppRunning("chrome"))
	assert.False(t, IsAppRunning("/opt/chrome/chrome"))
}

func TestRunningBlockingAppsExplicitList(t *testing.T) {
	stubProcesses(t, []processInfo{{name: "word", exe: "/opt/office/word"}})

	item := &pkginfo.PkgInfo{
		Name:                 "OfficeUpdate",
		BlockingApplications: []string{"word", "excel"},
	}
	assert.Equal(t, []string{"word"}, RunningBlockingApps(item))
	assert.True(t, ApplicationsRunning(item))
}

func TestRunningBlockingAppsFallsBackToInstalls(t *testing.T) {
	stubProcesses(t, []processInfo{{name: "editor", exe: "/Applications/Editor.app/Contents/MacOS/editor"}})

	item := &pkginfo.PkgInfo{
		Name: "Editor",
		Installs: []pkginfo.InstallsItem{
			{Type: pkginfo.ProbeApplication, Path: "/Applications/Editor.app"},
			{Type: pkginfo.ProbeFile, Path: "/etc/editor.conf"},
		},
	}
	assert.Equal(t, []string{"Editor.app"}, RunningBlockingApps(item))
}

func TestNoBlockingApps(t *testing.T) {
	stubProcesses(t, nil)
	item := &pkginfo.PkgInfo{Name: "Quiet"}
	assert.Empty(t, RunningBlockingApps(item))
	assert.False(t, ApplicationsRunning(item))
}
