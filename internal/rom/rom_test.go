package rom

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// testImage returns a 32KB image with a valid header.
func testImage() []byte {
	img := make([]byte, 32*1024)
	copy(img[offTitle:], "TETRIS")
	img[offCartType] = 0x01
	img[offROMSize] = 0x00
	img[offRAMSize] = 0x00
	var sum uint8
	for _, b := range img[offTitle:offChecksum] {
		sum = sum - b - 1
	}
	img[offChecksum] = sum
	img[len(img)-1] = 0xAB
	return img
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func zipBytes(t *testing.T, entries map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range order {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("Failed to create %s in zip: %v", name, err)
		}
		if _, err := fw.Write(entries[name]); err != nil {
			t.Fatalf("Failed to write %s to zip: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Failed to write gzip: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

func tarBytes(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	if err := w.WriteHeader(&tar.Header{Name: "roms/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatalf("Failed to write tar dir: %v", err)
	}
	if err := w.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(data))}); err != nil {
		t.Fatalf("Failed to write tar header: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Failed to write tar entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}
	return buf.Bytes()
}

func TestFileSource_Raw(t *testing.T) {
	img := testImage()
	src := NewFileSource(writeFile(t, "tetris.gb", img), Options{})

	data, err := src.Bytes(context.Background())
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Error("Raw image was altered")
	}
	if src.Name() != "tetris.gb" {
		t.Errorf("Expected name tetris.gb, got %s", src.Name())
	}
}

func TestFileSource_Zip(t *testing.T) {
	img := testImage()
	archive := zipBytes(t, map[string][]byte{
		"README.txt":      []byte("not a rom"),
		"roms/Tetris.GB":  img,
		"roms/second.gbc": {0x01},
	}, "README.txt", "roms/Tetris.GB", "roms/second.gbc")

	src := NewFileSource(writeFile(t, "bundle.zip", archive), Options{})
	data, err := src.Bytes(context.Background())
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Error("Zip entry was altered")
	}
	if src.Name() != "Tetris.GB" {
		t.Errorf("Expected first ROM entry Tetris.GB, got %s", src.Name())
	}
}

func TestFileSource_ZipWithoutROM(t *testing.T) {
	archive := zipBytes(t, map[string][]byte{"notes.txt": []byte("x")}, "notes.txt")

	_, err := NewFileSource(writeFile(t, "empty.zip", archive), Options{}).Bytes(context.Background())
	if !errors.Is(err, ErrNoROMFile) {
		t.Errorf("Expected ErrNoROMFile, got %v", err)
	}
}

func TestFileSource_Gzip(t *testing.T) {
	img := testImage()
	src := NewFileSource(writeFile(t, "tetris.gb.gz", gzipBytes(t, img)), Options{})

	data, err := src.Bytes(context.Background())
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Error("Gzip image was altered")
	}
	if src.Name() != "tetris.gb" {
		t.Errorf("Expected name tetris.gb, got %s", src.Name())
	}
}

func TestFileSource_TarGz(t *testing.T) {
	img := testImage()
	archive := gzipBytes(t, tarBytes(t, "roms/tetris.gbc", img))
	src := NewFileSource(writeFile(t, "pack.tar.gz", archive), Options{})

	data, err := src.Bytes(context.Background())
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Error("Tar entry was altered")
	}
	if src.Name() != "tetris.gbc" {
		t.Errorf("Expected name tetris.gbc, got %s", src.Name())
	}
}

func TestFileSource_TooLarge(t *testing.T) {
	img := testImage()
	opts := Options{MaxSize: int64(len(img) - 1)}

	_, err := NewFileSource(writeFile(t, "big.gb", img), opts).Bytes(context.Background())
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("Expected ErrFileTooLarge for raw file, got %v", err)
	}

	archive := zipBytes(t, map[string][]byte{"big.gb": img}, "big.gb")
	_, err = NewFileSource(writeFile(t, "big.zip", archive), opts).Bytes(context.Background())
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("Expected ErrFileTooLarge for zip entry, got %v", err)
	}
}

func TestFileSource_Unsupported(t *testing.T) {
	_, err := NewFileSource(writeFile(t, "game.nes", []byte{0x4E, 0x45, 0x53}), Options{}).Bytes(context.Background())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFileSource_Missing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.gb"), Options{}).Bytes(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}

func TestFileSource_CorruptArchives(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"corrupt.7z", append(append([]byte{}, magic7z...), make([]byte, 100)...)},
		{"fake.7z", []byte("not a 7z file")},
		{"fake.rar", append(append([]byte{}, magicRAR...), []byte("invalid")...)},
		{"fake.zip", append(append([]byte{}, magicZIP...), make([]byte, 8)...)},
		{"fake.gz", []byte{0x1F, 0x8B, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileSource(writeFile(t, tt.name, tt.data), Options{}).Bytes(context.Background())
			if err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	exts := DefaultExtensions
	tests := []struct {
		header []byte
		name   string
		want   format
	}{
		{magicZIP, "file.dat", formatZIP},
		{magicZIPEnd, "file.dat", formatZIP},
		{magic7z, "file.dat", format7z},
		{magicRAR, "file.dat", formatRAR},
		{magicGzip, "file.dat", formatGzip},
		{nil, "file.ZIP", formatZIP},
		{nil, "file.7z", format7z},
		{nil, "file.RAR", formatRAR},
		{nil, "file.tgz", formatGzip},
		{nil, "file.tar.gz", formatGzip},
		{nil, "game.GBC", formatRaw},
		{nil, "download", formatRaw},
		{nil, "game.nes", formatUnknown},
	}

	for _, tt := range tests {
		if got := detectFormat(tt.header, tt.name, exts); got != tt.want {
			t.Errorf("detectFormat(%x, %q) = %s, want %s", tt.header, tt.name, got, tt.want)
		}
	}
}

func TestHTTPSource(t *testing.T) {
	img := testImage()
	archive := zipBytes(t, map[string][]byte{"tetris.gb": img}, "tetris.gb")

	mux := http.NewServeMux()
	mux.HandleFunc("/roms/tetris.gb", func(w http.ResponseWriter, r *http.Request) {
		w.Write(img)
	})
	mux.HandleFunc("/roms/bundle.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, p := range []string{"/roms/tetris.gb", "/roms/bundle.zip"} {
		src := Open(srv.URL+p, Options{})
		if _, ok := src.(*HTTPSource); !ok {
			t.Fatalf("Open(%s) returned %T, want *HTTPSource", p, src)
		}
		data, err := src.Bytes(context.Background())
		if err != nil {
			t.Fatalf("Bytes(%s) failed: %v", p, err)
		}
		if !bytes.Equal(data, img) {
			t.Errorf("Image from %s was altered", p)
		}
		if src.Name() != "tetris.gb" {
			t.Errorf("Expected name tetris.gb for %s, got %s", p, src.Name())
		}
	}
}

func TestHTTPSource_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.gb" {
			http.NotFound(w, r)
			return
		}
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(srv.URL+"/missing.gb", Options{}).Bytes(context.Background()); err == nil {
		t.Error("Expected error for 404 response")
	}

	_, err := NewHTTPSource(srv.URL+"/big.gb", Options{MaxSize: 100}).Bytes(context.Background())
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("Expected ErrFileTooLarge, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHTTPSource(srv.URL+"/ok.gb", Options{}).Bytes(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	if _, ok := Open("roms/tetris.gb", Options{}).(*FileSource); !ok {
		t.Error("Expected FileSource for a plain path")
	}
}

func TestMemorySource(t *testing.T) {
	src := &MemorySource{ImageName: "embedded.gb", Data: []byte{1, 2, 3}}
	data, err := src.Bytes(context.Background())
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) || src.Name() != "embedded.gb" {
		t.Errorf("Unexpected memory source result: %v %s", data, src.Name())
	}
}
