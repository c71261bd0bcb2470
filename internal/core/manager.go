package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/bridge"
	"github.com/woxQAQ/grouboy-host/internal/config"
	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// Manager manages the lifecycle of cores and the modules created from them.
type Manager struct {
	cfg      *config.Config
	runtime  *wasm.Runtime
	loader   *Loader
	registry *Registry
	bridge   *bridge.Loader
	root     *zap.Logger
	logger   *zap.Logger

	mu      sync.RWMutex
	loaded  bool
	modules map[*bridge.Module]struct{}
}

// NewManager creates a new core manager.
func NewManager(cfg *config.Config, runtime *wasm.Runtime, logger *zap.Logger) *Manager {
	instances := wasm.NewInstanceManager(runtime, logger)
	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		loader:   NewLoader(runtime, logger),
		registry: NewRegistry(logger),
		bridge:   bridge.NewLoader(bridge.WasmFactory(instances), logger),
		root:     logger,
		logger:   logger.With(zap.String("component", "core-manager")),
		modules:  make(map[*bridge.Module]struct{}),
	}
}

// LoadAll discovers and loads all cores from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("cores already loaded")
	}

	m.logger.Info("Loading cores",
		zap.Strings("paths", m.cfg.CorePaths),
	)

	cores, err := m.loader.DiscoverCores(ctx, m.cfg.CorePaths)
	if err != nil {
		// No cores is not fatal here; the host reports it when a ROM needs one.
		var none *NoCoresFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No cores found in configured paths",
				zap.Strings("paths", m.cfg.CorePaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, core := range cores {
		if err := m.registry.Register(core); err != nil {
			m.logger.Error("Failed to register core",
				zap.String("name", core.Name()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Cores loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// GetCore retrieves a core by name.
func (m *Manager) GetCore(name string) (*Core, error) {
	core, ok := m.registry.Get(name)
	if !ok {
		return nil, &CoreNotFoundError{CoreName: name}
	}
	return core, nil
}

// FindCoreForImage picks the core for an image by its file extension. The
// first core registered for the extension wins.
func (m *Manager) FindCoreForImage(image string) (*Core, error) {
	ext := filepath.Ext(image)
	cores := m.registry.LookupByExtension(ext)
	if len(cores) == 0 {
		return nil, &NoCoreForImageError{Image: image, Extension: ext}
	}
	return cores[0], nil
}

// BridgeConfig returns the bridge configuration for a core, with target as
// its module-level render target.
func (m *Manager) BridgeConfig(name string, target bridge.RenderTarget) (bridge.Config, error) {
	core, err := m.GetCore(name)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		Module:         core.Name(),
		ABI:            core.Manifest.ABI(),
		StartFunctions: core.Manifest.Wasm.StartFunctions,
		RenderTarget:   target,
		FrameRate:      m.cfg.Emulator.FrameRate,
	}, nil
}

// Load instantiates a core and waits for it to initialize. The manager
// closes the module on Shutdown unless the caller closed it first.
func (m *Manager) Load(ctx context.Context, name string, target bridge.RenderTarget) (*bridge.Module, error) {
	cfg, err := m.BridgeConfig(name, target)
	if err != nil {
		return nil, err
	}

	module, err := m.bridge.Load(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.modules[module] = struct{}{}
	m.mu.Unlock()
	return module, nil
}

// NewSession prepares a session for a core. The caller owns the session
// and must close it before Shutdown.
func (m *Manager) NewSession(name string, target bridge.RenderTarget) (*bridge.Session, error) {
	cfg, err := m.BridgeConfig(name, target)
	if err != nil {
		return nil, err
	}
	return bridge.NewSession(m.bridge, cfg, m.root), nil
}

// Shutdown closes every module created by Load, then the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down core manager")

	m.mu.Lock()
	modules := m.modules
	m.modules = make(map[*bridge.Module]struct{})
	m.mu.Unlock()

	var errs []error
	for module := range modules {
		if err := module.Close(ctx); err != nil {
			m.logger.Error("Failed to close module",
				zap.String("instance_id", module.ID()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}

	// Runtime close handles any instance still alive
	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		errs = append(errs, err)
	}

	m.logger.Info("Core manager shutdown complete")
	return errors.Join(errs...)
}

// Registry returns the core registry (for testing/inspection).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether cores have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
