package core

import (
	"slices"
	"strings"
	"time"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// Core is a discovered emulator core with its manifest and compiled module.
type Core struct {
	// Manifest is the parsed core metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the core was loaded
	LoadedAt time.Time
}

// Name returns the core name.
func (c *Core) Name() string {
	return c.Manifest.Name
}

// System returns the console this core emulates.
func (c *Core) System() string {
	return c.Manifest.System
}

// Version returns the core version.
func (c *Core) Version() string {
	return c.Manifest.Version
}

// Extensions returns the ROM file extensions the core accepts.
func (c *Core) Extensions() []string {
	return c.Manifest.Extensions
}

// Supports checks if the core accepts images with the given extension.
func (c *Core) Supports(ext string) bool {
	return slices.Contains(c.Manifest.Extensions, strings.ToLower(ext))
}
