package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// maxVideoSide matches the largest frame the host accepts from a core.
const maxVideoSide = 4096

// Manifest represents the core manifest.yaml structure.
type Manifest struct {
	Name       string        `yaml:"name"`
	Version    string        `yaml:"version"`
	System     string        `yaml:"system"`
	Extensions []string      `yaml:"extensions"`
	Wasm       WasmConfig    `yaml:"wasm"`
	Exports    ExportsConfig `yaml:"exports"`
	Video      VideoConfig   `yaml:"video"`
	Author     string        `yaml:"author"`
	License    string        `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File           string   `yaml:"file"`
	StartFunctions []string `yaml:"start_functions"`
}

// ExportsConfig overrides export names for cores not built with the
// default names. Empty fields keep the default.
type ExportsConfig struct {
	Malloc  string `yaml:"malloc"`
	Free    string `yaml:"free"`
	Init    string `yaml:"init"`
	Destroy string `yaml:"destroy"`
	LoadROM string `yaml:"load_rom"`
	Start   string `yaml:"start"`
}

// VideoConfig describes the frames the core presents.
type VideoConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Systems a core may declare.
var validSystems = map[string]bool{
	"gb":  true,
	"gbc": true,
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, "manifest.yaml")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir
	for i, ext := range m.Extensions {
		m.Extensions[i] = strings.ToLower(ext)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	invalid := func(field, msg string) error {
		return &ManifestValidationError{Path: m.Path(), Field: field, Message: msg}
	}

	if m.Name == "" {
		return invalid("name", "name is required")
	}
	if m.Version == "" {
		return invalid("version", "version is required")
	}
	if !validSystems[m.System] {
		return invalid("system", fmt.Sprintf("unsupported system: %q (must be one of: gb, gbc)", m.System))
	}

	if len(m.Extensions) == 0 {
		return invalid("extensions", "at least one extension is required")
	}
	for _, ext := range m.Extensions {
		if len(ext) < 2 || !strings.HasPrefix(ext, ".") {
			return invalid("extensions", fmt.Sprintf("extension %q must start with a dot", ext))
		}
	}

	if m.Wasm.File == "" {
		return invalid("wasm.file", "wasm.file is required")
	}

	if m.Video.Width != 0 || m.Video.Height != 0 {
		if m.Video.Width <= 0 || m.Video.Height <= 0 ||
			m.Video.Width > maxVideoSide || m.Video.Height > maxVideoSide {
			return invalid("video", fmt.Sprintf("video size %dx%d out of range", m.Video.Width, m.Video.Height))
		}
	}

	// Validate Wasm file exists
	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// ABI returns the export names to bind, with overrides applied.
func (m *Manifest) ABI() wasm.ABI {
	return wasm.ABI{
		Malloc:  m.Exports.Malloc,
		Free:    m.Exports.Free,
		Init:    m.Exports.Init,
		Destroy: m.Exports.Destroy,
		LoadROM: m.Exports.LoadROM,
		Start:   m.Exports.Start,
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, "manifest.yaml")
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
