package rom

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// FileSource reads an image from disk, unpacking zip, 7z, RAR, gzip and
// tar.gz archives.
type FileSource struct {
	Path string
	opts Options
	name string
}

// NewFileSource creates a source for the file at p.
func NewFileSource(p string, opts Options) *FileSource {
	return &FileSource{Path: p, opts: opts.withDefaults(), name: filepath.Base(p)}
}

// Name returns the file name, or the archive entry name after Bytes.
func (f *FileSource) Name() string {
	return f.name
}

// Bytes reads and, if needed, unpacks the file.
func (f *FileSource) Bytes(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	data, name, err := extract(file, info.Size(), filepath.ToSlash(f.Path), f.opts)
	if err != nil {
		return nil, err
	}
	f.name = name
	return data, nil
}

// HTTPSource fetches an image over HTTP. Archives are unpacked in memory.
type HTTPSource struct {
	URL    string
	Client *http.Client
	opts   Options
	name   string
}

// NewHTTPSource creates a source for rawURL.
func NewHTTPSource(rawURL string, opts Options) *HTTPSource {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	return &HTTPSource{
		URL:    rawURL,
		Client: http.DefaultClient,
		opts:   opts.withDefaults(),
		name:   name,
	}
}

// Name returns the last URL path element, or the archive entry name after Bytes.
func (h *HTTPSource) Name() string {
	return h.name
}

// Bytes downloads and, if needed, unpacks the image.
func (h *HTTPSource) Bytes(ctx context.Context) ([]byte, error) {
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", h.URL, resp.Status)
	}
	if resp.ContentLength > h.opts.MaxSize {
		return nil, ErrFileTooLarge
	}

	body, err := limitedRead(resp.Body, h.opts.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.URL, err)
	}

	data, name, err := extract(bytes.NewReader(body), int64(len(body)), h.name, h.opts)
	if err != nil {
		return nil, err
	}
	h.name = name
	return data, nil
}
