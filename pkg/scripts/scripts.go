// pkg/scripts/scripts.go - executes embedded pkginfo scripts and the
// administrator's preflight/postflight hooks.

package scripts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/macadmins/cortado/pkg/logging"
)

// Runner materializes embedded scripts to disk and executes them.
type Runner struct {
	// Dir is the scratch directory scripts are written to. Empty
	// means the system temp dir.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// RunEmbedded writes the script body to a temp file and executes it.
// A non-zero exit is reported through the returned code, not the
// error; the error covers failures to run at all.
func (r *Runner) RunEmbedded(ctx context.Context, label, script string) (int, error) {
	dir := r.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return -1, err
	}
	f, err := os.CreateTemp(dir, sanitizeLabel(label)+"-*")
	if err != nil {
		return -1, fmt.Errorf("materializing %s: %w", label, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return -1, err
	}
	if err := f.Close(); err != nil {
		return -1, err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return -1, err
	}
	return r.runFile(ctx, label, path)
}

// RunFile executes a script on disk. A missing file is a silent
// success so optional hooks need no existence checks at call sites.
func (r *Runner) RunFile(ctx context.Context, label, path string, args ...string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Debug("Script not present, skipping", "script", label, "path", path)
		return 0, nil
	}
	return r.runFile(ctx, label, path, args...)
}

func (r *Runner) runFile(ctx context.Context, label, path string, args ...string) (int, error) {
	var cmd *exec.Cmd
	if hasShebang(path) {
		cmd = exec.CommandContext(ctx, path, args...)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", append([]string{path}, args...)...)
	}
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), r.Env...)

	out, err := cmd.CombinedOutput()
	logOutput(label, out)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logging.Debug("Script exited non-zero", "script", label, "code", exitErr.ExitCode())
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("running %s: %w", label, err)
	}
	return 0, nil
}

func hasShebang(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 2)
	n, _ := f.Read(head)
	return n == 2 && head[0] == '#' && head[1] == '!'
}

func logOutput(label string, out []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logging.Info(line, "script", label)
	}
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, label)
}

// RunPreflight runs the administrator's preflight script. A non-zero
// exit aborts the session.
func RunPreflight(ctx context.Context, runner *Runner, path, runType string) error {
	code, err := runner.RunFile(ctx, "preflight", path, runType)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("preflight script exited %d", code)
	}
	return nil
}

// RunPostflight runs the administrator's postflight script. Failures
// are logged, never fatal.
func RunPostflight(ctx context.Context, runner *Runner, path, runType string) {
	code, err := runner.RunFile(ctx, "postflight", path, runType)
	if err != nil {
		logging.Warn("Postflight script failed to run", "error", err)
		return
	}
	if code != 0 {
		logging.Warn("Postflight script exited non-zero", "code", code)
	}
}
