// pkg/repo/repo.go - the minimal repository interface the core talks to.
// Transport implementations live behind it; the core never sees URLs or
// filesystem layouts beyond relative repo paths.

package repo

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the resource does not exist in the repo.
	ErrNotFound = errors.New("repo: not found")
	// ErrTransport means the repo could not be reached or answered
	// with a server-side failure.
	ErrTransport = errors.New("repo: transport error")
)

// FetchResult describes the outcome of a conditional fetch.
type FetchResult int

const (
	Fetched FetchResult = iota
	NotModified
)

// Repo is the read/write surface over a software repository.
type Repo interface {
	// Get returns the bytes at relpath.
	Get(ctx context.Context, relpath string) ([]byte, error)

	// Put writes bytes to relpath, creating parents as needed.
	Put(ctx context.Context, relpath string, data []byte) error

	// List returns the relative paths under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the resource at relpath.
	Delete(ctx context.Context, relpath string) error

	// FetchToFile streams relpath into dest. When ifNewerThan is
	// non-zero the transport may answer NotModified and leave dest
	// untouched. Installer payloads are validated by hash by the
	// caller, not by conditional fetch.
	FetchToFile(ctx context.Context, relpath, dest string, ifNewerThan time.Time) (FetchResult, error)
}
