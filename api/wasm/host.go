//go:build !wasm

package wasm

import (
	"context"
)

// HostFunctions defines the functions the host exports to a core under
// the "host" import module.
type HostFunctions interface {
	// LogMessage receives a log line from the core.
	// Signature: log_message(level, ptr, length)
	LogMessage(ctx context.Context, instanceID string, level uint32, msg []byte)

	// PresentFrame receives an RGBA8888 frame of width*height pixels.
	// Signature: present_frame(handle, ptr, width, height)
	PresentFrame(ctx context.Context, instanceID string, handle uint32, pix []byte, width, height uint32)

	// WaitFrame blocks until the next frame is due.
	// Signature: wait_frame(handle) -> continue
	// Returning false asks the core to leave its frame loop.
	WaitFrame(ctx context.Context, instanceID string, handle uint32) bool
}
