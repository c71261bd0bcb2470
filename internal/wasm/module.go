package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	apiwasm "github.com/woxQAQ/grouboy-host/api/wasm"
)

// ModuleLoader compiles emulator core binaries and caches the result under
// the core's name.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource provides the bytecode of one core.
type ModuleSource interface {
	Bytes() ([]byte, error)

	// Name is the cache key, normally the core's manifest name.
	Name() string
}

// FileModuleSource reads a core from disk.
type FileModuleSource struct {
	// Key overrides the cache key; defaults to Path.
	Key  string
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileModuleSource) Name() string {
	if f.Key != "" {
		return f.Key
	}
	return f.Path
}

// MemoryModuleSource holds a core already in memory, e.g. an embedded binary.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// hostImports are the functions the runtime's "host" module provides.
var hostImports = map[string]bool{
	apiwasm.ImportLogMessage:   true,
	apiwasm.ImportPresentFrame: true,
	apiwasm.ImportWaitFrame:    true,
}

// LoadModule compiles a core and caches it under source.Name(). A cached
// core is reused while its bytecode is unchanged; a rebuilt binary under the
// same name is compiled again and replaces the cached one. Cores importing
// anything but WASI and the host functions are rejected with *ImportError.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	if l.runtime.IsClosed() {
		return nil, fmt.Errorf("wasm runtime is closed")
	}

	name := source.Name()
	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}
	digest := xxhash.Sum64(wasmBytes)

	cached, ok := l.runtime.GetCompiledModule(name)
	if ok && cached.Digest == digest {
		l.logger.Debug("Module cache hit", zap.String("module", name))
		return cached, nil
	}

	l.logger.Info("Compiling emulator core",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
		zap.String("digest", fmt.Sprintf("%016x", digest)),
		zap.Bool("replaces_cached", ok),
	)

	startTime := time.Now()

	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}
	if err := checkImports(name, compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     name,
		SizeBytes:  int64(len(wasmBytes)),
		Digest:     digest,
		CompiledAt: time.Now().Unix(),
	}
	l.runtime.StoreCompiledModule(compiledModule)

	// Live instances of the old build keep running; wazero allows closing
	// a compiled module under them.
	if ok {
		_ = cached.Module.Close(ctx)
	}

	l.logger.Info("Core compiled successfully",
		zap.String("module", name),
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Duration("duration", time.Since(startTime)),
	)

	return compiledModule, nil
}

// checkImports fails when a core imports a function no module of the
// runtime provides, so a bad core is caught at load rather than at
// instantiation.
func checkImports(moduleName string, compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch {
		case module == wasi_snapshot_preview1.ModuleName:
		case module == apiwasm.HostModule && hostImports[name]:
		default:
			return &ImportError{ModuleName: moduleName, ImportModule: module, ImportName: name}
		}
	}
	return nil
}

// LoadModuleFromFile compiles the core at path, cached under path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory compiles data as the core called name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
