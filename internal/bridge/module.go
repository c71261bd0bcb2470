package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// handleEntry is the bridge's view of one live handle.
type handleEntry struct {
	state protocol.RunState
}

// Module is one loaded Module Instance and the handles created inside it.
//
// Operations on a Module are serialized. While a handle is running, the
// module's run loop owns the boundary and every other boundary operation is
// rejected with *PreconditionError until Stop.
type Module struct {
	id       string
	name     string
	boundary Boundary
	period   time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	handles   map[protocol.Handle]*handleEntry
	destroyed map[protocol.Handle]struct{}
	closed    bool

	// run is the active frame loop, if any. Read by the guest hooks
	// without holding mu.
	run atomic.Pointer[run]

	binder binder
}

func newModule(id, name string, period time.Duration, logger *zap.Logger) *Module {
	return &Module{
		id:        id,
		name:      name,
		period:    period,
		logger:    logger,
		handles:   make(map[protocol.Handle]*handleEntry),
		destroyed: make(map[protocol.Handle]struct{}),
		binder:    binder{targets: make(map[protocol.Handle]RenderTarget), started: make(map[protocol.Handle]bool)},
	}
}

// ID returns the instance identifier, unique per process.
func (m *Module) ID() string {
	return m.id
}

// Name returns the compiled module the instance was created from.
func (m *Module) Name() string {
	return m.name
}

// CreateHandle asks the module for a new logical emulator instance.
func (m *Module) CreateHandle(ctx context.Context) (protocol.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable("create", 0); err != nil {
		return 0, err
	}

	raw, err := m.boundary.CreateHandle(ctx)
	if err != nil {
		return 0, &HandleCreationError{Module: m.name, Err: err}
	}
	h := protocol.Handle(raw)
	if !h.Valid() {
		return 0, &HandleCreationError{Module: m.name}
	}
	if _, live := m.handles[h]; live {
		return 0, &HandleCreationError{Module: m.name, Err: fmt.Errorf("module returned live handle %d", h)}
	}

	delete(m.destroyed, h)
	m.handles[h] = &handleEntry{state: protocol.RunStateUninitialized}

	m.logger.Debug("Handle created", zap.Uint32("handle", uint32(h)))
	return h, nil
}

// DestroyHandle releases everything the module holds for h. A running
// handle is stopped first. Destroying an already destroyed handle is a
// no-op; the module sees at most one destroy per handle.
func (m *Module) DestroyHandle(ctx context.Context, h protocol.Handle) error {
	if err := m.stopIfRunning(ctx, h); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, gone := m.destroyed[h]; gone {
		return nil
	}
	if _, err := m.lookup("destroy", h); err != nil {
		return err
	}
	if err := m.usable("destroy", h); err != nil {
		return err
	}
	return m.destroyLocked(ctx, h)
}

// destroyLocked forgets h before calling into the module so that a failed
// call is never repeated.
func (m *Module) destroyLocked(ctx context.Context, h protocol.Handle) error {
	delete(m.handles, h)
	m.destroyed[h] = struct{}{}
	m.binder.forget(h)

	if err := m.boundary.DestroyHandle(ctx, uint32(h)); err != nil {
		return fmt.Errorf("destroy handle %d: %w", h, err)
	}
	m.logger.Debug("Handle destroyed", zap.Uint32("handle", uint32(h)))
	return nil
}

// State returns the run state of a live handle.
func (m *Module) State(h protocol.Handle) (protocol.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("query", h)
	if err != nil {
		return protocol.RunStateUninitialized, err
	}
	return e.state, nil
}

// Handles returns the live handles in ascending order.
func (m *Module) Handles() []protocol.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Handle, 0, len(m.handles))
	for h := range m.handles {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Close tears the instance down: the running handle is stopped, every live
// handle is destroyed, then the instance itself is closed. Close is
// idempotent. If the running handle does not stop before ctx is done,
// nothing is torn down and Close may be called again.
func (m *Module) Close(ctx context.Context) error {
	if r := m.run.Load(); r != nil {
		if err := m.stopRun(ctx, r); err != nil {
			return fmt.Errorf("close module: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	live := make([]protocol.Handle, 0, len(m.handles))
	for h := range m.handles {
		live = append(live, h)
	}
	slices.Sort(live)
	for _, h := range live {
		if err := m.destroyLocked(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	if m.boundary != nil {
		if err := m.boundary.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close module: %w", err))
		}
	}

	m.logger.Info("Module closed", zap.Int("handles_destroyed", len(live)))
	return errors.Join(errs...)
}

// lookup returns the entry of a live handle. Callers hold mu.
func (m *Module) lookup(op string, h protocol.Handle) (*handleEntry, error) {
	if m.closed {
		return nil, &PreconditionError{Op: op, Handle: h, Reason: "module is closed"}
	}
	e, ok := m.handles[h]
	if !ok {
		reason := "handle was never created"
		if _, gone := m.destroyed[h]; gone {
			reason = "handle was destroyed"
		}
		return nil, &PreconditionError{Op: op, Handle: h, Reason: reason}
	}
	return e, nil
}

// usable rejects boundary calls on a closed module or while a handle runs.
// Callers hold mu.
func (m *Module) usable(op string, h protocol.Handle) error {
	if m.closed {
		return &PreconditionError{Op: op, Handle: h, Reason: "module is closed"}
	}
	if r := m.run.Load(); r != nil {
		state := protocol.RunStateUninitialized
		if e, ok := m.handles[h]; ok {
			state = e.state
		}
		if r.handle == h {
			return &PreconditionError{Op: op, Handle: h, State: state, Reason: "handle is running; stop it first"}
		}
		return &PreconditionError{Op: op, Handle: h, State: state, Reason: fmt.Sprintf("handle %d is running", r.handle)}
	}
	return nil
}
