package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	apiwasm "github.com/woxQAQ/grouboy-host/api/wasm"
)

// maxFramePixels bounds present_frame so a corrupt width/height pair cannot
// make the host copy gigabytes (4096x4096).
const maxFramePixels = 1 << 24

var _ apiwasm.HostFunctions = (*HostFunctionsImpl)(nil)

// HostFunctionsImpl implements the "host" import module for cores.
// Calls are routed to the calling instance by its module name.
type HostFunctionsImpl struct {
	logger *zap.Logger
	lookup func(instanceID string) (*Instance, bool)
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger, lookup func(string) (*Instance, bool)) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
		lookup: lookup,
	}
}

// LogMessage logs a line on behalf of a core.
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) LogMessage(ctx context.Context, instanceID string, level uint32, msg []byte) {
	logger := h.logger.With(zap.String("instance_id", instanceID))
	switch level {
	case apiwasm.LogLevelDebug:
		logger.Debug(string(msg))
	case apiwasm.LogLevelInfo:
		logger.Info(string(msg))
	case apiwasm.LogLevelWarn:
		logger.Warn(string(msg))
	case apiwasm.LogLevelError:
		logger.Error(string(msg))
	default:
		logger.Info(string(msg))
	}
}

// PresentFrame hands a frame to the instance's hooks.
func (h *HostFunctionsImpl) PresentFrame(ctx context.Context, instanceID string, handle uint32, pix []byte, width, height uint32) {
	inst, ok := h.lookup(instanceID)
	if !ok || inst.hooks == nil {
		h.logger.Debug("Dropping frame for unknown instance",
			zap.String("instance_id", instanceID),
			zap.Uint32("handle", handle),
		)
		return
	}
	inst.hooks.PresentFrame(handle, pix, width, height)
}

// WaitFrame paces the core's frame loop. Instances without hooks are told
// to stop, since nothing on the host side could stop them later.
func (h *HostFunctionsImpl) WaitFrame(ctx context.Context, instanceID string, handle uint32) bool {
	inst, ok := h.lookup(instanceID)
	if !ok || inst.hooks == nil {
		return false
	}
	return inst.hooks.WaitFrame(ctx, handle)
}

// logMessage is the raw import. Signature: log_message(level, ptr, length)
func (h *HostFunctionsImpl) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("instance_id", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}
	h.LogMessage(ctx, mod.Name(), level, msg)
}

// presentFrame is the raw import. Signature: present_frame(handle, ptr, width, height)
func (h *HostFunctionsImpl) presentFrame(ctx context.Context, mod api.Module, handle, ptr, width, height uint32) {
	pixels := uint64(width) * uint64(height)
	if pixels == 0 || pixels > maxFramePixels {
		h.logger.Warn("Ignoring frame with invalid geometry",
			zap.String("instance_id", mod.Name()),
			zap.Uint32("width", width),
			zap.Uint32("height", height),
		)
		return
	}

	pix, err := NewMemory(mod).ReadBytes(ptr, uint32(pixels*4))
	if err != nil {
		h.logger.Error("Failed to read frame from Wasm memory",
			zap.String("instance_id", mod.Name()),
			zap.Error(&HostFunctionError{FunctionName: apiwasm.ImportPresentFrame, Err: err}),
		)
		return
	}
	h.PresentFrame(ctx, mod.Name(), handle, pix, width, height)
}

// waitFrame is the raw import. Signature: wait_frame(handle) -> continue
func (h *HostFunctionsImpl) waitFrame(ctx context.Context, mod api.Module, handle uint32) uint32 {
	if h.WaitFrame(ctx, mod.Name(), handle) {
		return 1
	}
	return 0
}

// instantiate registers the import module on r.
func (h *HostFunctionsImpl) instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(apiwasm.HostModule)

	builder.NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export(apiwasm.ImportLogMessage)

	builder.NewFunctionBuilder().
		WithFunc(h.presentFrame).
		WithParameterNames("handle", "ptr", "width", "height").
		Export(apiwasm.ImportPresentFrame)

	builder.NewFunctionBuilder().
		WithFunc(h.waitFrame).
		WithParameterNames("handle").
		Export(apiwasm.ImportWaitFrame)

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("host module %q: %w", apiwasm.HostModule, err)
	}
	return nil
}
