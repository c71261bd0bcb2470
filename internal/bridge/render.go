package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// RenderTarget is a host-owned surface frames are presented to. The bridge
// never draws; it only routes what the module presents.
type RenderTarget interface {
	Present(frame protocol.Frame) error
}

// RenderTargetFunc adapts a function to RenderTarget.
type RenderTargetFunc func(frame protocol.Frame) error

// Present calls f(frame).
func (f RenderTargetFunc) Present(frame protocol.Frame) error {
	return f(frame)
}

// binder tracks which surface each handle presents to.
type binder struct {
	mu         sync.RWMutex
	module     RenderTarget
	targets    map[protocol.Handle]RenderTarget
	started    map[protocol.Handle]bool
	anyStarted bool
}

func (b *binder) lookup(h protocol.Handle) RenderTarget {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.targets[h]; ok {
		return t
	}
	return b.module
}

func (b *binder) markStarted(h protocol.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started[h] = true
	b.anyStarted = true
}

func (b *binder) forget(h protocol.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, h)
	delete(b.started, h)
}

// BindRenderTarget associates target with handle h, or with the module when
// h is 0. A handle's own target takes precedence over the module's. Targets
// are fixed once they may have received frames: the module target once any
// handle has started, a handle target once that handle has started.
func (m *Module) BindRenderTarget(h protocol.Handle, target RenderTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.Valid() {
		if _, err := m.lookup("bind", h); err != nil {
			return err
		}
	} else if m.closed {
		return &PreconditionError{Op: "bind", Reason: "module is closed"}
	}

	b := &m.binder
	b.mu.Lock()
	defer b.mu.Unlock()

	if !h.Valid() {
		if b.anyStarted {
			return &RebindError{}
		}
		b.module = target
		return nil
	}

	if b.started[h] {
		return &RebindError{Handle: h}
	}
	if target == nil {
		delete(b.targets, h)
	} else {
		b.targets[h] = target
	}
	return nil
}

// PresentFrame is called by the module with a copy of a finished frame.
// Frames for handles without any target are dropped.
func (m *Module) PresentFrame(handle uint32, pix []byte, width, height uint32) {
	h := protocol.Handle(handle)
	target := m.binder.lookup(h)
	if target == nil {
		return
	}

	var seq uint64
	if r := m.run.Load(); r != nil && r.handle == h {
		r.frames++
		seq = r.frames
	}

	frame := protocol.Frame{Handle: h, Seq: seq, Width: int(width), Height: int(height), Pix: pix}
	if err := target.Present(frame); err != nil {
		m.logger.Warn("Render target rejected frame",
			zap.Uint32("handle", handle),
			zap.Uint64("seq", seq),
			zap.Error(err),
		)
	}
}
