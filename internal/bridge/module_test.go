package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

func TestDestroyRightAfterCreate(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})
	ctx := context.Background()

	h, err := m.CreateHandle(ctx)
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	if state, err := m.State(h); err != nil || state != protocol.RunStateUninitialized {
		t.Errorf("State = %v, %v, want uninitialized", state, err)
	}

	if err := m.DestroyHandle(ctx, h); err != nil {
		t.Fatalf("DestroyHandle: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}

	_, _, destroys, _ := fake.snapshot()
	if diff := cmp.Diff([]uint32{uint32(h)}, destroys); diff != "" {
		t.Errorf("destroy calls (-want +got):\n%s", diff)
	}
	fake.check(t)
}

func TestDestroyIsIdempotent(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})
	ctx := context.Background()

	h, _ := m.CreateHandle(ctx)
	for i := 0; i < 3; i++ {
		if err := m.DestroyHandle(ctx, h); err != nil {
			t.Fatalf("DestroyHandle #%d: %v", i+1, err)
		}
	}

	_, _, destroys, _ := fake.snapshot()
	if len(destroys) != 1 {
		t.Errorf("module saw %d destroy calls, want 1", len(destroys))
	}
	fake.check(t)
}

func TestDestroyUnknownHandle(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})

	err := m.DestroyHandle(context.Background(), 42)

	var preErr *PreconditionError
	if !errors.As(err, &preErr) || preErr.Reason != "handle was never created" {
		t.Fatalf("DestroyHandle() error = %v, want never created", err)
	}
	if _, _, destroys, _ := fake.snapshot(); len(destroys) != 0 {
		t.Errorf("module saw destroy calls %v", destroys)
	}
	fake.check(t)
}

func TestCreateHandleRefused(t *testing.T) {
	fake := newFakeBoundary()
	fake.refuseInit = true
	m := loadFake(t, fake, Config{Module: "gb"})

	_, err := m.CreateHandle(context.Background())

	var createErr *HandleCreationError
	if !errors.As(err, &createErr) {
		t.Fatalf("CreateHandle() error = %v, want *HandleCreationError", err)
	}
	expected := "module 'gb' refused to create a handle"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
	if len(m.Handles()) != 0 {
		t.Errorf("Handles() = %v, want none", m.Handles())
	}
}

func TestOperationsOnDestroyedHandle(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})
	ctx := context.Background()

	h, _ := m.CreateHandle(ctx)
	m.DestroyHandle(ctx, h)

	ops := map[string]func() error{
		"transfer": func() error { _, err := m.Transfer(ctx, h, []byte{1}); return err },
		"start":    func() error { return m.Start(ctx, h) },
		"stop":     func() error { return m.Stop(ctx, h) },
		"query":    func() error { _, err := m.State(h); return err },
		"bind":     func() error { return m.BindRenderTarget(h, newFrameSink()) },
	}
	for op, call := range ops {
		t.Run(op, func(t *testing.T) {
			var preErr *PreconditionError
			if err := call(); !errors.As(err, &preErr) {
				t.Fatalf("error = %v, want *PreconditionError", err)
			}
			if preErr.Op != op || preErr.Reason != "handle was destroyed" {
				t.Errorf("got %q / %q", preErr.Op, preErr.Reason)
			}
		})
	}
	fake.check(t)
}

func TestHandlesAreTrackedIndependently(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})
	ctx := context.Background()

	a := loadedHandle(t, m, []byte("first"))
	b, _ := m.CreateHandle(ctx)
	c := loadedHandle(t, m, []byte("third"))

	if diff := cmp.Diff([]protocol.Handle{a, b, c}, m.Handles()); diff != "" {
		t.Errorf("Handles() (-want +got):\n%s", diff)
	}

	want := map[protocol.Handle]protocol.RunState{
		a: protocol.RunStateLoaded,
		b: protocol.RunStateUninitialized,
		c: protocol.RunStateLoaded,
	}
	for h, ws := range want {
		if got, _ := m.State(h); got != ws {
			t.Errorf("State(%d) = %v, want %v", h, got, ws)
		}
	}

	if err := m.DestroyHandle(ctx, b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]protocol.Handle{a, c}, m.Handles()); diff != "" {
		t.Errorf("Handles() after destroy (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte("third"), fake.loaded[uint32(c)]); diff != "" {
		t.Errorf("image of handle %d (-want +got):\n%s", c, diff)
	}
	m.Close(ctx)
	fake.check(t)
}

func TestCloseDestroysHandlesFirst(t *testing.T) {
	fake := newFakeBoundary()
	m := loadFake(t, fake, Config{})
	ctx := context.Background()

	a, _ := m.CreateHandle(ctx)
	b, _ := m.CreateHandle(ctx)

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, _, destroys, closed := fake.snapshot()
	if diff := cmp.Diff([]uint32{uint32(a), uint32(b)}, destroys); diff != "" {
		t.Errorf("destroy calls (-want +got):\n%s", diff)
	}
	if !closed {
		t.Error("module instance should be closed")
	}

	var preErr *PreconditionError
	if _, err := m.CreateHandle(ctx); !errors.As(err, &preErr) || preErr.Reason != "module is closed" {
		t.Errorf("CreateHandle() after Close error = %v, want module is closed", err)
	}
	// Closing the instance with live handles would be recorded here.
	fake.check(t)
}

func TestPreconditionErrorMessage(t *testing.T) {
	err := &PreconditionError{Op: "start", Handle: 3, State: protocol.RunStateUninitialized, Reason: "no image loaded"}

	expected := "cannot start handle 3 (state uninitialized): no image loaded"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}
