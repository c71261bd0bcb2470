package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// Loader handles loading cores from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new core loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "core-loader")),
	}
}

// LoadCore loads a single core from a directory. The compiled module is
// cached under the core's name.
func (l *Loader) LoadCore(ctx context.Context, dir string) (*Core, error) {
	l.logger.Debug("Reading core manifest", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading core",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("system", manifest.System),
	)

	compiled, err := l.moduleLoader.LoadModule(ctx, &wasm.FileModuleSource{
		Key:  manifest.Name,
		Path: manifest.WasmPath(),
	})
	if err != nil {
		return nil, &CoreLoadError{
			CoreName: manifest.Name,
			Err:      err,
		}
	}

	core := &Core{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Core loaded successfully",
		zap.String("name", manifest.Name),
		zap.Strings("extensions", manifest.Extensions),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return core, nil
}

// DiscoverCores scans directories for cores. Each subdirectory holding a
// manifest.yaml is one core; directories that fail to load are logged and
// skipped.
func (l *Loader) DiscoverCores(ctx context.Context, paths []string) ([]*Core, error) {
	var cores []*Core
	var errs []error

	for _, basePath := range paths {
		l.logger.Debug("Scanning core directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("Core path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			coreDir := filepath.Join(basePath, entry.Name())

			core, err := l.LoadCore(ctx, coreDir)
			if err != nil {
				l.logger.Error("Failed to load core",
					zap.String("dir", coreDir),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}

			cores = append(cores, core)
		}
	}

	if len(cores) > 0 && len(errs) > 0 {
		l.logger.Warn("Some cores failed to load",
			zap.Int("loaded", len(cores)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(cores) == 0 {
		return nil, &NoCoresFoundError{Paths: paths}
	}

	return cores, nil
}
