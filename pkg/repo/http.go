package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPRepo talks to a repository served over HTTP(S). Conditional
// revalidation uses If-Modified-Since against the cached copy's mtime.
type HTTPRepo struct {
	BaseURL         string
	Headers         map[string]string
	FollowRedirects bool
	Client          *http.Client
}

var _ Repo = (*HTTPRepo)(nil)

func (r *HTTPRepo) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	c := &http.Client{Timeout: 5 * time.Minute}
	if !r.FollowRedirects {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

func (r *HTTPRepo) resourceURL(relpath string) string {
	base := strings.TrimRight(r.BaseURL, "/")
	parts := strings.Split(relpath, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return base + "/" + strings.Join(parts, "/")
}

func (r *HTTPRepo) newRequest(ctx context.Context, method, relpath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.resourceURL(relpath), body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (r *HTTPRepo) Get(ctx context.Context, relpath string) ([]byte, error) {
	req, err := r.newRequest(ctx, http.MethodGet, relpath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relpath)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d for %s", ErrTransport, resp.StatusCode, relpath)
	}
	return io.ReadAll(resp.Body)
}

func (r *HTTPRepo) Put(ctx context.Context, relpath string, data []byte) error {
	req, err := r.newRequest(ctx, http.MethodPut, relpath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d for %s", ErrTransport, resp.StatusCode, relpath)
	}
	return nil
}

// List is not generally supported over plain HTTP; servers that expose
// an index respond to "<prefix>/" with a newline-separated listing.
func (r *HTTPRepo) List(ctx context.Context, prefix string) ([]string, error) {
	data, err := r.Get(ctx, strings.TrimRight(prefix, "/")+"/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (r *HTTPRepo) Delete(ctx context.Context, relpath string) error {
	req, err := r.newRequest(ctx, http.MethodDelete, relpath, nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, relpath)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d for %s", ErrTransport, resp.StatusCode, relpath)
	}
	return nil
}

func (r *HTTPRepo) FetchToFile(ctx context.Context, relpath, dest string, ifNewerThan time.Time) (FetchResult, error) {
	req, err := r.newRequest(ctx, http.MethodGet, relpath, nil)
	if err != nil {
		return Fetched, err
	}
	if !ifNewerThan.IsZero() {
		req.Header.Set("If-Modified-Since", ifNewerThan.UTC().Format(http.TimeFormat))
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return Fetched, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return NotModified, nil
	case http.StatusNotFound:
		return Fetched, fmt.Errorf("%w: %s", ErrNotFound, relpath)
	case http.StatusOK:
	default:
		return Fetched, fmt.Errorf("%w: unexpected status %d for %s", ErrTransport, resp.StatusCode, relpath)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Fetched, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return Fetched, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return Fetched, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		return Fetched, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Fetched, err
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			_ = os.Chtimes(dest, t, t)
		}
	}
	return Fetched, nil
}
