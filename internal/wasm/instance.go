package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	apiwasm "github.com/woxQAQ/grouboy-host/api/wasm"
)

// ABI names the exports an emulator core provides.
type ABI struct {
	Malloc  string
	Free    string
	Init    string
	Destroy string
	LoadROM string
	Start   string
}

// DefaultABI returns the export names of an emscripten build.
func DefaultABI() ABI {
	return ABI{
		Malloc:  apiwasm.ExportMalloc,
		Free:    apiwasm.ExportFree,
		Init:    apiwasm.ExportInit,
		Destroy: apiwasm.ExportDestroy,
		LoadROM: apiwasm.ExportLoadROM,
		Start:   apiwasm.ExportStart,
	}
}

// withDefaults fills empty names from DefaultABI.
func (a ABI) withDefaults() ABI {
	d := DefaultABI()
	if a.Malloc == "" {
		a.Malloc = d.Malloc
	}
	if a.Free == "" {
		a.Free = d.Free
	}
	if a.Init == "" {
		a.Init = d.Init
	}
	if a.Destroy == "" {
		a.Destroy = d.Destroy
	}
	if a.LoadROM == "" {
		a.LoadROM = d.LoadROM
	}
	if a.Start == "" {
		a.Start = d.Start
	}
	return a
}

// signature is the expected (params, results) count of each export.
type signature struct {
	name            string
	params, results int
}

func (a ABI) signatures() []signature {
	return []signature{
		{a.Malloc, 1, 1},
		{a.Free, 1, 0},
		{a.Init, 0, 1},
		{a.Destroy, 1, 0},
		{a.LoadROM, 3, 1},
		{a.Start, 1, 0},
	}
}

// GuestHooks receives the callbacks a running core makes into the host.
type GuestHooks interface {
	PresentFrame(handle uint32, pix []byte, width, height uint32)
	WaitFrame(ctx context.Context, handle uint32) bool
}

// InstanceManager creates and manages core instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, one is generated).
	InstanceID string

	// Export names; empty fields use DefaultABI.
	ABI ABI

	// Start functions run during instantiation. Missing exports are
	// skipped. Defaults to "_initialize".
	StartFunctions []string

	// Line sinks for what the core writes to fd 1 and fd 2.
	Stdout LineSink
	Stderr LineSink

	// Hooks for frames and pacing. May be nil.
	Hooks GuestHooks
}

// Instance is one instantiated core with its own linear memory.
type Instance struct {
	// wazero module instance.
	module api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	// Exported functions, resolved once at instantiation.
	exports map[string]api.Function
	abi     ABI

	hooks          GuestHooks
	stdout, stderr *lineWriter

	callTimeout time.Duration
	debug       bool
	runtime     *Runtime
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Instantiate creates a new instance from a compiled module and runs its
// start functions. It returns only once the core has finished initializing.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	if m.runtime.IsClosed() {
		return nil, fmt.Errorf("wasm runtime is closed")
	}

	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	rc := m.runtime.config

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	startFns := config.StartFunctions
	if len(startFns) == 0 {
		startFns = []string{apiwasm.StartInitialize}
	}

	logger := m.logger.With(zap.String("instance_id", instanceID))
	logger.Info("Instantiating emulator core",
		zap.String("module", config.ModuleName),
		zap.Strings("start_functions", startFns),
	)

	inst := &Instance{
		ID:          instanceID,
		Name:        config.ModuleName,
		abi:         config.ABI.withDefaults(),
		hooks:       config.Hooks,
		stdout:      newLineWriter(config.Stdout),
		stderr:      newLineWriter(config.Stderr),
		callTimeout: rc.CallTimeout,
		debug:       rc.DebugEnabled,
		runtime:     m.runtime,
		logger:      logger,
	}

	// Track before instantiation: start functions may already call host
	// imports, which find the instance by name. Storing also claims a slot
	// under MaxInstances.
	if err := m.runtime.StoreInstance(instanceID, inst); err != nil {
		return nil, err
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStdout(inst.stdout).
		WithStderr(inst.stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithStartFunctions(startFns...)

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	inst.stdout.Flush()
	inst.stderr.Flush()
	if err != nil {
		m.runtime.DeleteInstance(instanceID)
		return nil, &InstantiationError{
			ModuleName:  config.ModuleName,
			InstanceID:  instanceID,
			Diagnostics: inst.stderr.Tail(),
			Err:         err,
		}
	}
	inst.module = module

	exports, err := resolveExports(config.ModuleName, module, inst.abi)
	if err != nil {
		m.runtime.DeleteInstance(instanceID)
		_ = module.Close(ctx)
		return nil, err
	}
	inst.exports = exports
	inst.CreatedAt = time.Now().Unix()

	logger.Info("Core instantiated successfully",
		zap.Int("exported_functions", len(exports)),
		zap.Uint32("memory_bytes", module.Memory().Size()),
	)

	return inst, nil
}

// resolveExports looks up and type checks every function the ABI requires.
func resolveExports(moduleName string, module api.Module, abi ABI) (map[string]api.Function, error) {
	if module.ExportedMemory(apiwasm.ExportMemory) == nil {
		return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: apiwasm.ExportMemory}
	}

	exports := make(map[string]api.Function)
	for _, sig := range abi.signatures() {
		fn := module.ExportedFunction(sig.name)
		if fn == nil {
			return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: sig.name}
		}
		def := fn.Definition()
		if len(def.ParamTypes()) != sig.params || len(def.ResultTypes()) != sig.results {
			return nil, &SignatureError{
				ModuleName:   moduleName,
				FunctionName: sig.name,
				WantParams:   sig.params,
				WantResults:  sig.results,
				GotParams:    len(def.ParamTypes()),
				GotResults:   len(def.ResultTypes()),
			}
		}
		exports[sig.name] = fn
	}
	return exports, nil
}

// Memory returns a helper over the instance's linear memory.
func (i *Instance) Memory() *Memory {
	return NewMemory(i.module)
}

// Malloc allocates size bytes inside the core.
func (i *Instance) Malloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := i.call(ctx, i.abi.Malloc, true, uint64(size))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

// Free releases memory obtained from Malloc.
func (i *Instance) Free(ctx context.Context, ptr uint32) error {
	_, err := i.call(ctx, i.abi.Free, true, api.EncodeU32(ptr))
	return err
}

// Write copies data into the core's memory at ptr.
func (i *Instance) Write(ptr uint32, data []byte) error {
	return i.Memory().WriteBytes(ptr, data)
}

// Read copies length bytes out of the core's memory.
func (i *Instance) Read(ptr, length uint32) ([]byte, error) {
	return i.Memory().ReadBytes(ptr, length)
}

// CreateHandle calls the core's handle constructor. A zero result means the
// core refused.
func (i *Instance) CreateHandle(ctx context.Context) (uint32, error) {
	res, err := i.call(ctx, i.abi.Init, true)
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

// DestroyHandle releases everything the core holds for handle.
func (i *Instance) DestroyHandle(ctx context.Context, handle uint32) error {
	_, err := i.call(ctx, i.abi.Destroy, true, api.EncodeU32(handle))
	return err
}

// LoadImage hands length bytes at ptr to the core's loader and returns its
// verdict.
func (i *Instance) LoadImage(ctx context.Context, handle, ptr, length uint32) (bool, error) {
	res, err := i.call(ctx, i.abi.LoadROM, true,
		api.EncodeU32(handle), api.EncodeU32(ptr), api.EncodeU32(length))
	if err != nil {
		return false, err
	}
	return api.DecodeU32(res[0]) != 0, nil
}

// Start runs the core's frame loop for handle. It blocks until the loop
// returns, so callers run it on its own goroutine.
func (i *Instance) Start(ctx context.Context, handle uint32) error {
	_, err := i.call(ctx, i.abi.Start, false, api.EncodeU32(handle))
	return err
}

// Close closes the instance and releases its memory.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.stdout.Flush()
		i.stderr.Flush()
		i.runtime.DeleteInstance(i.ID)
		if i.module != nil {
			i.closeErr = i.module.Close(ctx)
		}
		i.logger.Info("Core instance closed")
	})
	return i.closeErr
}

func (i *Instance) call(ctx context.Context, name string, bounded bool, params ...uint64) ([]uint64, error) {
	fn, ok := i.exports[name]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	if bounded && i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}

	if i.debug {
		i.logger.Debug("Boundary call", zap.String("function", name), zap.Uint64s("params", params))
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		if bounded && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{FunctionName: name, Duration: i.callTimeout}
		}
		return nil, &CallError{InstanceID: i.ID, FunctionName: name, Err: err}
	}
	return res, nil
}

var instanceSeq atomic.Uint64

// generateInstanceID generates a unique instance ID. wazero requires module
// names to be unique per runtime.
func generateInstanceID() string {
	return fmt.Sprintf("inst-%d-%d", time.Now().UnixNano(), instanceSeq.Add(1))
}
