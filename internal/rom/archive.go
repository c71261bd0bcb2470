package rom

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

var (
	magicZIP    = []byte{0x50, 0x4B, 0x03, 0x04}
	magicZIPEnd = []byte{0x50, 0x4B, 0x05, 0x06} // empty zip
	magic7z     = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}
	magicGzip   = []byte{0x1F, 0x8B}
	magicRAR    = []byte{0x52, 0x61, 0x72, 0x21} // "Rar!"
)

type format int

const (
	formatUnknown format = iota
	formatRaw
	formatZIP
	format7z
	formatGzip
	formatRAR
)

func (f format) String() string {
	switch f {
	case formatRaw:
		return "raw"
	case formatZIP:
		return "zip"
	case format7z:
		return "7z"
	case formatGzip:
		return "gzip"
	case formatRAR:
		return "rar"
	default:
		return "unknown"
	}
}

// detectFormat trusts magic bytes first and falls back to the name. A name
// without an extension is taken as a raw image.
func detectFormat(header []byte, name string, extensions []string) format {
	switch {
	case bytes.HasPrefix(header, magicZIP), bytes.HasPrefix(header, magicZIPEnd):
		return formatZIP
	case bytes.HasPrefix(header, magicRAR):
		return formatRAR
	case bytes.HasPrefix(header, magic7z):
		return format7z
	case bytes.HasPrefix(header, magicGzip):
		return formatGzip
	}

	lower := strings.ToLower(name)
	ext := path.Ext(lower)
	switch {
	case ext == ".zip":
		return formatZIP
	case ext == ".7z":
		return format7z
	case ext == ".rar":
		return formatRAR
	case ext == ".gz", ext == ".tgz":
		return formatGzip
	case ext == "":
		return formatRaw
	case isROMFile(lower, extensions):
		return formatRaw
	}
	return formatUnknown
}

// extract returns the image held in r and its name. Archives yield their
// first entry with a ROM extension.
func extract(r io.ReaderAt, size int64, name string, opts Options) ([]byte, string, error) {
	header := make([]byte, 16)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("failed to read file header: %w", err)
	}

	sr := io.NewSectionReader(r, 0, size)
	switch detectFormat(header[:n], name, opts.Extensions) {
	case formatRaw:
		data, err := limitedRead(sr, opts.MaxSize)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read ROM: %w", err)
		}
		return data, path.Base(name), nil
	case formatZIP:
		return extractFromZIP(r, size, opts)
	case format7z:
		return extractFrom7z(r, size, opts)
	case formatRAR:
		return extractFromRAR(sr, opts)
	case formatGzip:
		return extractFromGzip(sr, name, opts)
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func extractFromZIP(r io.ReaderAt, size int64, opts Options) ([]byte, string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open zip: %w", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isROMFile(f.Name, opts.Extensions) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		data, err := limitedRead(rc, opts.MaxSize)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		return data, path.Base(f.Name), nil
	}
	return nil, "", ErrNoROMFile
}

func extractFrom7z(r io.ReaderAt, size int64, opts Options) ([]byte, string, error) {
	zr, err := sevenzip.NewReader(r, size)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open 7z: %w", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isROMFile(f.Name, opts.Extensions) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		data, err := limitedRead(rc, opts.MaxSize)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		return data, path.Base(f.Name), nil
	}
	return nil, "", ErrNoROMFile
}

func extractFromRAR(r io.Reader, opts Options) ([]byte, string, error) {
	rr, err := rardecode.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open rar: %w", err)
	}

	for {
		header, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read rar entry: %w", err)
		}
		if header.IsDir || !isROMFile(header.Name, opts.Extensions) {
			continue
		}
		data, err := limitedRead(rr, opts.MaxSize)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", header.Name, err)
		}
		return data, path.Base(header.Name), nil
	}
	return nil, "", ErrNoROMFile
}

// extractFromGzip handles both a gzipped image and a gzipped tar.
func extractFromGzip(r io.Reader, name string, opts Options) ([]byte, string, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()

	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return extractFromTar(gr, opts)
	}

	data, err := limitedRead(gr, opts.MaxSize)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decompress gzip: %w", err)
	}
	base := path.Base(name)
	if strings.HasSuffix(strings.ToLower(base), ".gz") {
		base = base[:len(base)-3]
	}
	return data, base, nil
}

func extractFromTar(r io.Reader, opts Options) ([]byte, string, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !isROMFile(header.Name, opts.Extensions) {
			continue
		}
		data, err := limitedRead(tr, opts.MaxSize)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s from tar: %w", header.Name, err)
		}
		return data, path.Base(header.Name), nil
	}
	return nil, "", ErrNoROMFile
}
