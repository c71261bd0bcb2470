package bridge

import (
	"context"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
)

// Boundary is the call/return surface of one Module Instance. Every value
// crossing it is an integer or a copied byte slice; *wasm.Instance is the
// production implementation.
type Boundary interface {
	Malloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
	Write(ptr uint32, data []byte) error
	CreateHandle(ctx context.Context) (uint32, error)
	DestroyHandle(ctx context.Context, handle uint32) error
	LoadImage(ctx context.Context, handle, ptr, length uint32) (bool, error)
	Start(ctx context.Context, handle uint32) error
	Close(ctx context.Context) error
}

var _ Boundary = (*wasm.Instance)(nil)

// Factory instantiates a module and returns once it has finished its own
// initialization.
type Factory func(ctx context.Context, config *wasm.InstanceConfig) (Boundary, error)

// WasmFactory instantiates compiled cores through an InstanceManager.
func WasmFactory(instances *wasm.InstanceManager) Factory {
	return func(ctx context.Context, config *wasm.InstanceConfig) (Boundary, error) {
		inst, err := instances.Instantiate(ctx, config)
		if err != nil {
			return nil, err
		}
		return inst, nil
	}
}
