package scripts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEmbeddedExitCodes(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}

	code, err := r.RunEmbedded(context.Background(), "ok", "#!/bin/sh\nexit 0\n")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = r.RunEmbedded(context.Background(), "fail", "#!/bin/sh\nexit 3\n")
	require.NoError(t, err, "non-zero exit is a result, not an error")
	assert.Equal(t, 3, code)
}

func TestRunEmbeddedWithoutShebang(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	code, err := r.RunEmbedded(context.Background(), "bare", "exit 7\n")
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRunEmbeddedEnv(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	r := &Runner{Dir: dir, Env: []string{"MARKER=" + marker}}

	code, err := r.RunEmbedded(context.Background(), "env", "#!/bin/sh\ntouch \"$MARKER\"\n")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.FileExists(t, marker)
}

func TestRunFileMissingIsSuccess(t *testing.T) {
	r := &Runner{}
	code, err := r.RunFile(context.Background(), "preflight", filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunFilePassesArgs(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "hook.sh")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho \"$1\" > "+out+"\n"), 0o700))

	r := &Runner{}
	code, err := r.RunFile(context.Background(), "hook", script, "auto")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "auto\n", string(data))
}

func TestRunPreflight(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "preflight_ok")
	bad := filepath.Join(dir, "preflight_bad")
	require.NoError(t, os.WriteFile(good, []byte("#!/bin/sh\nexit 0\n"), 0o700))
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\nexit 1\n"), 0o700))

	r := &Runner{}
	assert.NoError(t, RunPreflight(context.Background(), r, good, "auto"))
	assert.Error(t, RunPreflight(context.Background(), r, bad, "auto"))
	assert.NoError(t, RunPreflight(context.Background(), r, filepath.Join(dir, "absent"), "auto"))
}
