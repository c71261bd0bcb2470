package protocol

// Shared types for the emulator bridge.
// This package has no dependencies so that hosts and render targets can use it directly.

// Handle identifies one logical emulator instance inside a loaded module.
// The zero value is never a valid handle.
type Handle uint32

// Valid reports whether h is a non-zero token.
func (h Handle) Valid() bool {
	return h != 0
}

// RunState is the lifecycle state of a handle
type RunState int

const (
	RunStateUninitialized RunState = iota
	RunStateLoaded
	RunStateRunning
)

func (s RunState) String() string {
	switch s {
	case RunStateUninitialized:
		return "uninitialized"
	case RunStateLoaded:
		return "loaded"
	case RunStateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// DiagnosticLevel is the severity of a line produced by a module.
type DiagnosticLevel int

const (
	DiagnosticDebug DiagnosticLevel = iota
	DiagnosticInfo
	DiagnosticWarn
	DiagnosticError
)

// Frame is one RGBA8888 picture presented by a module for a handle.
// Pix is owned by the receiver once delivered.
type Frame struct {
	Handle Handle `json:"handle"`
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pix    []byte `json:"-"`
}

// Stride returns the number of bytes per row.
func (f Frame) Stride() int {
	return f.Width * 4
}
