package bridge

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// Session owns one Module Instance with a single handle, the way a page
// hosting the emulator does: the module is loaded in the background, images
// are played as the user picks them, and teardown may happen at any time,
// including before the module has finished loading.
type Session struct {
	loader *Loader
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pending *Pending
	ready   chan struct{}
	module  *Module
	handle  protocol.Handle
	err     error
	closed  bool
}

// NewSession creates a session. Nothing is loaded until Open.
func NewSession(loader *Loader, cfg Config, logger *zap.Logger) *Session {
	return &Session{
		loader: loader,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "bridge"), zap.String("module", cfg.Module)),
	}
}

// Open starts loading the module and creating its handle. It does not
// wait; use Ready for that. Calling Open again has no effect.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil || s.closed {
		return
	}
	s.pending = s.loader.LoadAsync(ctx, s.cfg)
	s.ready = make(chan struct{})

	go s.await(context.WithoutCancel(ctx), s.pending, s.ready)
}

func (s *Session) await(ctx context.Context, pending *Pending, ready chan struct{}) {
	defer close(ready)

	m, err := pending.Wait(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.err = err
		return
	}
	if s.closed {
		// Close ran between resolution and here; it discarded pending,
		// which closes m.
		s.err = ErrDiscarded
		return
	}

	h, err := m.CreateHandle(ctx)
	if err != nil {
		s.logger.Error("Failed to create handle", zap.Error(err))
		s.err = errors.Join(err, m.Close(ctx))
		return
	}
	s.module, s.handle = m, h
}

// Ready waits until the module is loaded and its handle exists.
func (s *Session) Ready(ctx context.Context) (*Module, protocol.Handle, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	if ready == nil {
		return nil, 0, &PreconditionError{Op: "use", Reason: "session is not open"}
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, &PreconditionError{Op: "use", Handle: s.handle, Reason: "session is closed"}
	}
	return s.module, s.handle, s.err
}

// Play loads image into the session's handle and starts it. A running
// handle is stopped first. An image the module rejects is reported as
// *LoadError and leaves the session ready for another attempt.
func (s *Session) Play(ctx context.Context, name string, image []byte) error {
	m, h, err := s.Ready(ctx)
	if err != nil {
		return err
	}

	if state, err := m.State(h); err != nil {
		return err
	} else if state == protocol.RunStateRunning {
		if err := m.Stop(ctx, h); err != nil {
			return err
		}
	}

	ok, err := m.Transfer(ctx, h, image)
	if err != nil {
		return err
	}
	if !ok {
		return &LoadError{Handle: h, Image: name, Size: len(image)}
	}
	return m.Start(ctx, h)
}

// Close tears the session down. Before Open, or when the load has not
// resolved yet, it only makes sure the module is discarded; no handle is
// destroyed that was never created. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.pending == nil {
		return nil
	}
	if s.module == nil {
		s.pending.Discard()
		return nil
	}
	return s.module.Close(ctx)
}
