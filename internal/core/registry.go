package core

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry indexes loaded cores by name and by ROM extension.
type Registry struct {
	sync.RWMutex
	cores       map[string]*Core   // name -> core
	byExtension map[string][]*Core // ".gb" -> cores, in registration order
	logger      *zap.Logger
}

// NewRegistry creates a new core registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		cores:       make(map[string]*Core),
		byExtension: make(map[string][]*Core),
		logger:      logger.With(zap.String("component", "core-registry")),
	}
}

// Register adds a core to the registry.
func (r *Registry) Register(core *Core) error {
	r.Lock()
	defer r.Unlock()

	name := core.Name()
	if _, exists := r.cores[name]; exists {
		return &CoreAlreadyRegisteredError{CoreName: name}
	}

	r.cores[name] = core
	for _, ext := range core.Extensions() {
		r.byExtension[ext] = append(r.byExtension[ext], core)
	}

	r.logger.Info("Core registered",
		zap.String("name", name),
		zap.String("system", core.System()),
		zap.Strings("extensions", core.Extensions()),
	)

	return nil
}

// Get retrieves a core by name.
func (r *Registry) Get(name string) (*Core, bool) {
	r.RLock()
	defer r.RUnlock()

	core, ok := r.cores[name]
	return core, ok
}

// LookupByExtension finds cores accepting a ROM extension such as ".gb".
func (r *Registry) LookupByExtension(ext string) []*Core {
	r.RLock()
	defer r.RUnlock()

	return slices.Clone(r.byExtension[strings.ToLower(ext)])
}

// List returns all registered cores sorted by name.
func (r *Registry) List() []*Core {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Core, 0, len(r.cores))
	for _, core := range r.cores {
		result = append(result, core)
	}
	slices.SortFunc(result, func(a, b *Core) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return result
}

// Unregister removes a core from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	core, ok := r.cores[name]
	if !ok {
		return
	}

	for _, ext := range core.Extensions() {
		r.byExtension[ext] = slices.DeleteFunc(r.byExtension[ext], func(c *Core) bool {
			return c.Name() == name
		})
		if len(r.byExtension[ext]) == 0 {
			delete(r.byExtension, ext)
		}
	}

	delete(r.cores, name)

	r.logger.Info("Core unregistered", zap.String("name", name))
}

// Count returns the number of registered cores.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.cores)
}
