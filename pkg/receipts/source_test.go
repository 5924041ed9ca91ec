package receipts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolsReceipt = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>packageid</key><string>com.example.tools</string>
	<key>version</key><string>1.2</string>
	<key>paths</key>
	<array>
		<dict>
			<key>path</key><string>usr/local/bin/tool</string>
			<key>mode</key><integer>493</integer>
		</dict>
	</array>
</dict>
</plist>`

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "com.example.tools.plist"), []byte(toolsReceipt), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.plist"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	src := DirectorySource{Dir: dir}
	pkgs, err := src.Receipts()
	require.NoError(t, err)
	require.Len(t, pkgs, 1, "malformed and non-plist files are skipped")
	assert.Equal(t, "com.example.tools", pkgs[0].PackageID)
	assert.Equal(t, "1.2", pkgs[0].Version)
	require.Len(t, pkgs[0].Paths, 1)
	assert.Equal(t, 0o755, pkgs[0].Paths[0].Mode)

	mod, err := src.ModTime()
	require.NoError(t, err)
	assert.False(t, mod.IsZero())
}

func TestDirectorySourceMissingDir(t *testing.T) {
	src := DirectorySource{Dir: filepath.Join(t.TempDir(), "absent")}
	pkgs, err := src.Receipts()
	require.NoError(t, err)
	assert.Empty(t, pkgs)
	mod, err := src.ModTime()
	require.NoError(t, err)
	assert.True(t, mod.IsZero())
}
