package bridge

import (
	"errors"
	"fmt"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// ErrDiscarded is returned by Pending.Wait after Pending.Discard.
var ErrDiscarded = errors.New("pending module load was discarded")

// InitializationError occurs when a module fails to come up. It is terminal
// for that load attempt; Diagnostics holds what the module wrote to its
// error stream meanwhile.
type InitializationError struct {
	Module      string
	Diagnostics []string
	Err         error
}

func (e *InitializationError) Error() string {
	if n := len(e.Diagnostics); n > 0 {
		return fmt.Sprintf("failed to initialize module '%s': %v (last diagnostic: %q)",
			e.Module, e.Err, e.Diagnostics[n-1])
	}
	return fmt.Sprintf("failed to initialize module '%s': %v", e.Module, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// HandleCreationError occurs when the module refuses to create a handle.
type HandleCreationError struct {
	Module string
	Err    error
}

func (e *HandleCreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to create handle in module '%s': %v", e.Module, e.Err)
	}
	return fmt.Sprintf("module '%s' refused to create a handle", e.Module)
}

func (e *HandleCreationError) Unwrap() error {
	return e.Err
}

// AllocationError occurs when the module cannot provide a transfer buffer.
type AllocationError struct {
	Handle protocol.Handle
	Size   int
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to allocate %d bytes for handle %d: %v", e.Size, e.Handle, e.Err)
	}
	return fmt.Sprintf("failed to allocate %d bytes for handle %d: module out of memory", e.Size, e.Handle)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// LoadError reports that the module rejected an image. Module.Transfer
// surfaces this as a false result; Session.Play turns it into this error.
type LoadError struct {
	Handle protocol.Handle
	Image  string
	Size   int
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module rejected image '%s' (%d bytes) for handle %d", e.Image, e.Size, e.Handle)
}

// PreconditionError occurs when an operation is issued in the wrong state.
// The bridge returns it before reaching the module.
type PreconditionError struct {
	Op     string
	Handle protocol.Handle
	State  protocol.RunState
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s handle %d (state %s): %s", e.Op, e.Handle, e.State, e.Reason)
}

// RebindError occurs when a render target would change after the handles
// using it have started. Handle 0 names the module-level target.
type RebindError struct {
	Handle protocol.Handle
}

func (e *RebindError) Error() string {
	if !e.Handle.Valid() {
		return "module render target cannot change after start"
	}
	return fmt.Sprintf("render target for handle %d cannot change after start", e.Handle)
}
