package repo

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileRepo serves a repository rooted at a local directory. Used for
// mounted repo shares and in tests.
type FileRepo struct {
	Root string
}

var _ Repo = (*FileRepo)(nil)

func (r *FileRepo) abs(relpath string) (string, error) {
	clean := filepath.Clean("/" + relpath)
	return filepath.Join(r.Root, clean), nil
}

func (r *FileRepo) Get(_ context.Context, relpath string) ([]byte, error) {
	path, err := r.abs(relpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relpath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return data, nil
}

func (r *FileRepo) Put(_ context.Context, relpath string, data []byte) error {
	path, err := r.abs(relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (r *FileRepo) List(_ context.Context, prefix string) ([]string, error) {
	root, err := r.abs(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.Root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return out, nil
}

func (r *FileRepo) Delete(_ context.Context, relpath string) error {
	path, err := r.abs(relpath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, relpath)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *FileRepo) FetchToFile(_ context.Context, relpath, dest string, ifNewerThan time.Time) (FetchResult, error) {
	path, err := r.abs(relpath)
	if err != nil {
		return Fetched, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Fetched, fmt.Errorf("%w: %s", ErrNotFound, relpath)
	}
	if err != nil {
		return Fetched, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !ifNewerThan.IsZero() && !info.ModTime().After(ifNewerThan) {
		return NotModified, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return Fetched, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Fetched, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return Fetched, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return Fetched, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		return Fetched, err
	}
	return Fetched, os.Rename(tmp.Name(), dest)
}
