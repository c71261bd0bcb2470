package core

import (
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced in manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// CoreLoadError occurs when a core cannot be compiled.
type CoreLoadError struct {
	CoreName string
	Err      error
}

func (e *CoreLoadError) Error() string {
	return fmt.Sprintf("failed to load core '%s': %v", e.CoreName, e.Err)
}

func (e *CoreLoadError) Unwrap() error {
	return e.Err
}

// CoreNotFoundError occurs when a core is not found in the registry.
type CoreNotFoundError struct {
	CoreName string
}

func (e *CoreNotFoundError) Error() string {
	return fmt.Sprintf("core '%s' not found", e.CoreName)
}

// CoreAlreadyRegisteredError occurs when attempting to register a duplicate core.
type CoreAlreadyRegisteredError struct {
	CoreName string
}

func (e *CoreAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("core '%s' is already registered", e.CoreName)
}

// NoCoresFoundError occurs when no cores are found in the configured paths.
type NoCoresFoundError struct {
	Paths []string
}

func (e *NoCoresFoundError) Error() string {
	return fmt.Sprintf("no cores found in paths: %v", e.Paths)
}

// NoCoreForImageError occurs when no registered core accepts an image.
type NoCoreForImageError struct {
	Image     string
	Extension string
}

func (e *NoCoreForImageError) Error() string {
	return fmt.Sprintf("no core accepts '%s' (extension %q)", e.Image, e.Extension)
}
