// Package rom reads cartridge images from files, archives and the network.
//
// Sources only produce bytes. Whether an image is usable is decided by the
// emulator core when the image is transferred; nothing here rejects an image
// for what it contains.
package rom

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxSize caps an image after decompression (8MB).
const DefaultMaxSize = 8 << 20

// DefaultExtensions are the cartridge extensions recognized inside archives.
var DefaultExtensions = []string{".gb", ".gbc"}

// ErrNoROMFile is returned when an archive holds no file with a ROM extension.
var ErrNoROMFile = errors.New("no ROM file found in archive")

// ErrUnsupportedFormat is returned for names that are neither an archive nor
// a known ROM extension.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrFileTooLarge is returned when an image exceeds the size limit.
var ErrFileTooLarge = errors.New("file exceeds maximum size limit")

// Source produces the bytes of one cartridge image.
type Source interface {
	// Name is the display name of the image. For archives it becomes the
	// entry name once Bytes has succeeded.
	Name() string

	// Bytes returns the image.
	Bytes(ctx context.Context) ([]byte, error)
}

// Options bounds image intake.
type Options struct {
	// MaxSize is the largest accepted image. Zero means DefaultMaxSize.
	MaxSize int64
	// Extensions are matched case-insensitively. Empty means DefaultExtensions.
	Extensions []string
	// Timeout bounds a network fetch. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if len(o.Extensions) == 0 {
		o.Extensions = DefaultExtensions
	}
	return o
}

// Open returns an HTTPSource for http(s) references and a FileSource otherwise.
func Open(ref string, opts Options) Source {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return NewHTTPSource(ref, opts)
	}
	return NewFileSource(ref, opts)
}

// MemorySource serves an image already in memory, e.g. an embedded test ROM.
type MemorySource struct {
	ImageName string
	Data      []byte
}

// Name returns the image name.
func (m *MemorySource) Name() string {
	return m.ImageName
}

// Bytes returns the image.
func (m *MemorySource) Bytes(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Data, nil
}

// isROMFile reports whether name ends in one of the extensions.
func isROMFile(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// limitedRead reads r up to limit bytes, failing with ErrFileTooLarge past it.
func limitedRead(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrFileTooLarge
	}
	return data, nil
}
