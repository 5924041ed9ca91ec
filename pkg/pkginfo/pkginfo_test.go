package pkginfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

const fooAppPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>name</key>
	<string>FooApp</string>
	<key>version</key>
	<string>2.0</string>
	<key>catalogs</key>
	<array><string>production</string></array>
	<key>installer_type</key>
	<string>platform_package</string>
	<key>installer_item_location</key>
	<string>apps/FooApp-2.0.pkg</string>
	<key>installer_item_hash</key>
	<string>abc123</string>
	<key>installer_item_size</key>
	<integer>1024</integer>
	<key>uninstallable</key>
	<true/>
	<key>uninstall_method</key>
	<string>receipt_removal</string>
	<key>installs</key>
	<array>
		<dict>
			<key>type</key>
			<string>application</string>
			<key>path</key>
			<string>/Applications/FooApp.app</string>
			<key>CFBundleShortVersionString</key>
			<string>2.0</string>
		</dict>
	</array>
	<key>receipts</key>
	<array>
		<dict>
			<key>packageid</key>
			<string>com.example.fooapp</string>
			<key>version</key>
			<string>2.0</string>
		</dict>
	</array>
	<key>requires</key>
	<array><string>FooLib</string></array>
	<key>x_admin_note</key>
	<string>rolled out 2026Q3</string>
</dict>
</plist>`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(fooAppPlist))
	require.NoError(t, err)

	assert.Equal(t, "FooApp", p.Name)
	assert.Equal(t, "2.0", p.Version)
	assert.Equal(t, []string{"production"}, p.Catalogs)
	assert.Equal(t, TypePlatformPackage, p.InstallerType)
	assert.Equal(t, "apps/FooApp-2.0.pkg", p.InstallerItemLocation)
	assert.Equal(t, int64(1024), p.InstallerItemSize)
	assert.True(t, p.Uninstallable)
	assert.Equal(t, UninstallReceiptRemoval, p.UninstallMethod)
	require.Len(t, p.Installs, 1)
	assert.Equal(t, ProbeApplication, p.Installs[0].Type)
	assert.Equal(t, "2.0", p.Installs[0].ExpectedVersion())
	require.Len(t, p.Receipts, 1)
	assert.Equal(t, "com.example.fooapp", p.Receipts[0].PackageID)
	assert.Equal(t, []string{"FooLib"}, p.Requires)
}

func TestUnknownKeysRoundTrip(t *testing.T) {
	p, err := Parse([]byte(fooAppPlist))
	require.NoError(t, err)
	require.Contains(t, p.Extra, "x_admin_note")

	data, err := p.Marshal()
	require.NoError(t, err)

	reparsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "rolled out 2026Q3", reparsed.Extra["x_admin_note"])
	assert.Equal(t, p.Name, reparsed.Name)
	assert.Equal(t, p.Version, reparsed.Version)
	assert.Equal(t, p.Installs, reparsed.Installs)
	assert.Equal(t, p.Receipts, reparsed.Receipts)
	assert.Equal(t, p.Requires, reparsed.Requires)
	assert.Equal(t, p.Uninstallable, reparsed.Uninstallable)
}

func TestMarshalOmitsZeroValues(t *testing.T) {
	p := &PkgInfo{Name: "Minimal", Version: "1.0"}
	data, err := p.Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	_, err = plist.Unmarshal(data, &raw)
	require.NoError(t, err)
	assert.Len(t, raw, 2)
	assert.Equal(t, "Minimal", raw["name"])
}

func TestExpectedVersionFallsBackToBundleVersion(t *testing.T) {
	it := InstallsItem{CFBundleVersion: "421"}
	assert.Equal(t, "421", it.ExpectedVersion())

	it = InstallsItem{
		VersionComparisonKey:       "CFBundleVersion",
		CFBundleVersion:            "421",
		CFBundleShortVersionString: "4.2.1",
	}
	assert.Equal(t, "421", it.ExpectedVersion())
}
