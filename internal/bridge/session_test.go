package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

func newTestSession(fake *fakeBoundary, target RenderTarget) *Session {
	cfg := Config{Module: "fake", RenderTarget: target, FrameRate: testFrameRate}
	return NewSession(NewLoader(fake.factory, zap.NewNop()), cfg, zap.NewNop())
}

func TestSessionPlay(t *testing.T) {
	fake := newFakeBoundary()
	sink := newFrameSink()
	s := newTestSession(fake, sink)
	ctx := context.Background()

	s.Open(ctx)
	if err := s.Play(ctx, "tetris.gb", testImage(32)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if f := sink.next(t); f.Handle != 1 {
		t.Errorf("frame handle = %d, want 1", f.Handle)
	}

	m, h, err := s.Ready(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state, _ := m.State(h); state != protocol.RunStateRunning {
		t.Errorf("State = %v, want running", state)
	}

	// Playing another image replaces the running one.
	if err := s.Play(ctx, "zelda.gb", testImage(64)); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if got := len(fake.loaded[uint32(h)]); got != 64 {
		t.Errorf("loaded image = %d bytes, want 64", got)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, _, destroys, closed := fake.snapshot()
	if len(destroys) != 1 || !closed {
		t.Errorf("destroys = %v, closed = %v", destroys, closed)
	}
	fake.check(t)
}

func TestSessionPlayRejectedImage(t *testing.T) {
	fake := newFakeBoundary()
	s := newTestSession(fake, nil)
	ctx := context.Background()
	s.Open(ctx)
	defer s.Close(ctx)

	err := s.Play(ctx, "empty.gb", nil)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Play() error = %v, want *LoadError", err)
	}
	expected := "module rejected image 'empty.gb' (0 bytes) for handle 1"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}

	// Another file can be tried right away.
	if err := s.Play(ctx, "tetris.gb", testImage(32)); err != nil {
		t.Fatalf("Play after rejection: %v", err)
	}
}

func TestSessionCloseBeforeLoadResolves(t *testing.T) {
	fake := newFakeBoundary()
	fake.gate = make(chan struct{})
	s := newTestSession(fake, nil)
	ctx := context.Background()

	s.Open(ctx)
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(fake.gate)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, _, closed := fake.snapshot(); closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("module that resolved after Close was never closed")
		}
		time.Sleep(time.Millisecond)
	}

	_, _, destroys, _ := fake.snapshot()
	if len(destroys) != 0 {
		t.Errorf("destroy calls = %v, want none", destroys)
	}
	var preErr *PreconditionError
	if _, _, err := s.Ready(ctx); !errors.As(err, &preErr) {
		t.Errorf("Ready() after Close error = %v, want *PreconditionError", err)
	}
	fake.check(t)
}

func TestSessionCloseWithoutOpen(t *testing.T) {
	fake := newFakeBoundary()
	s := newTestSession(fake, nil)

	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("factory calls = %d, want 0", fake.calls)
	}

	var preErr *PreconditionError
	if _, _, err := s.Ready(context.Background()); !errors.As(err, &preErr) {
		t.Errorf("Ready() error = %v, want *PreconditionError", err)
	}
}

func TestSessionLoadFailure(t *testing.T) {
	fake := newFakeBoundary()
	fake.initErr = errors.New("abort")
	s := newTestSession(fake, nil)
	ctx := context.Background()

	s.Open(ctx)
	var initErr *InitializationError
	if err := s.Play(ctx, "tetris.gb", testImage(4)); !errors.As(err, &initErr) {
		t.Fatalf("Play() error = %v, want *InitializationError", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSessionHandleRefused(t *testing.T) {
	fake := newFakeBoundary()
	fake.refuseInit = true
	s := newTestSession(fake, nil)
	ctx := context.Background()

	s.Open(ctx)
	_, _, err := s.Ready(ctx)
	var createErr *HandleCreationError
	if !errors.As(err, &createErr) {
		t.Fatalf("Ready() error = %v, want *HandleCreationError", err)
	}
	if _, _, _, closed := fake.snapshot(); !closed {
		t.Error("module should be closed when its handle cannot be created")
	}
	s.Close(ctx)
	fake.check(t)
}
