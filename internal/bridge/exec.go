package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

var _ wasm.GuestHooks = (*Module)(nil)

// run is one execution of the module's frame loop for a handle.
type run struct {
	handle protocol.Handle
	ticker *time.Ticker
	frames uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

func (r *run) signal() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Start begins the module's frame loop for h, which must be Loaded. The loop
// runs on its own goroutine, paced by the module's frame rate, until Stop,
// DestroyHandle or Close. Only one handle of a module runs at a time.
func (m *Module) Start(ctx context.Context, h protocol.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("start", h)
	if err != nil {
		return err
	}
	if err := m.usable("start", h); err != nil {
		return err
	}
	if e.state != protocol.RunStateLoaded {
		return &PreconditionError{Op: "start", Handle: h, State: e.state, Reason: "no image loaded"}
	}

	r := &run{
		handle: h,
		ticker: time.NewTicker(m.period),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.state = protocol.RunStateRunning
	m.binder.markStarted(h)
	m.run.Store(r)

	m.logger.Info("Handle started",
		zap.Uint32("handle", uint32(h)),
		zap.Duration("frame_period", m.period),
	)

	go m.loop(context.WithoutCancel(ctx), r)
	return nil
}

func (m *Module) loop(ctx context.Context, r *run) {
	defer close(r.done)

	err := m.boundary.Start(ctx, uint32(r.handle))
	r.ticker.Stop()

	m.mu.Lock()
	r.err = err
	if e, ok := m.handles[r.handle]; ok && e.state == protocol.RunStateRunning {
		e.state = protocol.RunStateLoaded
	}
	m.run.CompareAndSwap(r, nil)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Run loop ended with error",
			zap.Uint32("handle", uint32(r.handle)),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Run loop ended",
		zap.Uint32("handle", uint32(r.handle)),
		zap.Uint64("frames", r.frames),
	)
}

// Stop ends h's frame loop and waits for the module to return. The handle
// goes back to Loaded and can be started again or given a new image.
func (m *Module) Stop(ctx context.Context, h protocol.Handle) error {
	m.mu.Lock()
	e, err := m.lookup("stop", h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	r := m.run.Load()
	if r == nil || r.handle != h {
		m.mu.Unlock()
		return &PreconditionError{Op: "stop", Handle: h, State: e.state, Reason: "handle is not running"}
	}
	m.mu.Unlock()

	return m.stopRun(ctx, r)
}

// Wait blocks until the running handle's loop ends and returns the error
// it ended with. It returns nil at once if nothing runs.
func (m *Module) Wait(ctx context.Context) error {
	r := m.run.Load()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Module) stopIfRunning(ctx context.Context, h protocol.Handle) error {
	if r := m.run.Load(); r != nil && r.handle == h {
		return m.stopRun(ctx, r)
	}
	return nil
}

func (m *Module) stopRun(ctx context.Context, r *run) error {
	r.signal()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFrame is called by the module once per frame. It blocks until the
// next frame is due and reports whether the loop should continue.
func (m *Module) WaitFrame(ctx context.Context, handle uint32) bool {
	r := m.run.Load()
	if r == nil || r.handle != protocol.Handle(handle) {
		return false
	}
	select {
	case <-r.stop:
		return false
	default:
	}
	select {
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	case <-r.ticker.C:
		return true
	}
}
