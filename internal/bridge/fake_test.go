package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/grouboy-host/internal/wasm"
	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// fakeBoundary behaves like a small emulator core and records every call
// that would be undefined behavior in a real one.
type fakeBoundary struct {
	mu sync.Mutex

	capacity int
	heap     map[uint32][]byte
	nextPtr  uint32
	allocs   int
	frees    int

	nextHandle uint32
	live       map[uint32]bool
	destroys   []uint32
	loaded     map[uint32][]byte
	closed     bool
	violations []string

	// Knobs.
	failMalloc bool
	refuseInit bool
	loadErr    error
	initErr    error
	initLines  []string
	stdout     []string
	maxFrames  int           // Start returns by itself after this many frames
	gate       chan struct{} // factory blocks until closed

	hooks wasm.GuestHooks
	calls int
}

func newFakeBoundary() *fakeBoundary {
	return &fakeBoundary{
		capacity: 1 << 16,
		heap:     make(map[uint32][]byte),
		nextPtr:  1024,
		live:     make(map[uint32]bool),
		loaded:   make(map[uint32][]byte),
	}
}

func (f *fakeBoundary) factory(ctx context.Context, config *wasm.InstanceConfig) (Boundary, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.hooks = config.Hooks
	f.calls++
	f.mu.Unlock()

	for _, line := range f.stdout {
		config.Stdout(line)
	}
	for _, line := range f.initLines {
		config.Stderr(line)
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f, nil
}

func (f *fakeBoundary) violate(format string, args ...any) {
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
}

func (f *fakeBoundary) Malloc(ctx context.Context, size uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMalloc || int(size) > f.capacity {
		return 0, nil
	}
	ptr := f.nextPtr
	f.nextPtr += (size + 8) &^ 7
	f.heap[ptr] = make([]byte, size)
	f.allocs++
	return ptr, nil
}

func (f *fakeBoundary) Free(ctx context.Context, ptr uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.heap[ptr]; !ok {
		f.violate("free of unknown pointer %d", ptr)
		return nil
	}
	delete(f.heap, ptr)
	f.frees++
	return nil
}

func (f *fakeBoundary) Write(ptr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.heap[ptr]
	if !ok || len(data) > len(buf) {
		return errors.New("write outside allocation")
	}
	copy(buf, data)
	return nil
}

func (f *fakeBoundary) CreateHandle(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseInit {
		return 0, nil
	}
	f.nextHandle++
	f.live[f.nextHandle] = true
	return f.nextHandle, nil
}

func (f *fakeBoundary) DestroyHandle(ctx context.Context, handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[handle] {
		f.violate("destroy of dead handle %d", handle)
	}
	delete(f.live, handle)
	f.destroys = append(f.destroys, handle)
	return nil
}

func (f *fakeBoundary) LoadImage(ctx context.Context, handle, ptr, length uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[handle] {
		f.violate("load on dead handle %d", handle)
	}
	if f.loadErr != nil {
		return false, f.loadErr
	}
	if length == 0 {
		return false, nil
	}
	buf := f.heap[ptr]
	f.loaded[handle] = append([]byte(nil), buf[:length]...)
	return true, nil
}

func (f *fakeBoundary) Start(ctx context.Context, handle uint32) error {
	f.mu.Lock()
	if !f.live[handle] {
		f.violate("start on dead handle %d", handle)
	}
	hooks, limit := f.hooks, f.maxFrames
	f.mu.Unlock()

	for n := 1; ; n++ {
		hooks.PresentFrame(handle, []byte{byte(handle), byte(n), 0, 255}, 1, 1)
		if limit > 0 && n >= limit {
			return nil
		}
		if !hooks.WaitFrame(ctx, handle) {
			return nil
		}
	}
}

func (f *fakeBoundary) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.violate("closed twice")
	}
	if len(f.live) > 0 {
		f.violate("closed with %d live handles", len(f.live))
	}
	f.closed = true
	return nil
}

// check fails the test on any recorded misuse and on leaked buffers.
func (f *fakeBoundary) check(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.violations {
		t.Errorf("boundary misuse: %s", v)
	}
	if f.allocs != f.frees || len(f.heap) != 0 {
		t.Errorf("allocs = %d, frees = %d, live buffers = %d", f.allocs, f.frees, len(f.heap))
	}
}

func (f *fakeBoundary) snapshot() (allocs, frees int, destroys []uint32, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs, f.frees, append([]uint32(nil), f.destroys...), f.closed
}

// frameSink is a render target that records frames.
type frameSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
	ch     chan protocol.Frame
}

func newFrameSink() *frameSink {
	return &frameSink{ch: make(chan protocol.Frame, 1024)}
}

func (s *frameSink) Present(frame protocol.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	select {
	case s.ch <- frame:
	default:
	}
	return nil
}

func (s *frameSink) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.Frame{}
	}
}

func (s *frameSink) drain() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

const testFrameRate = 1000

func loadFake(t *testing.T, fake *fakeBoundary, cfg Config) *Module {
	t.Helper()
	if cfg.Module == "" {
		cfg.Module = "fake"
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = testFrameRate
	}
	m, err := NewLoader(fake.factory, zaptest.NewLogger(t)).Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func loadedHandle(t *testing.T, m *Module, image []byte) protocol.Handle {
	t.Helper()
	ctx := context.Background()
	h, err := m.CreateHandle(ctx)
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	ok, err := m.Transfer(ctx, h, image)
	if err != nil || !ok {
		t.Fatalf("Transfer = %v, %v", ok, err)
	}
	return h
}
