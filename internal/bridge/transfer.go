package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// Transfer copies image into the module and hands it to the module's
// loader for h. The result is the module's own verdict: false means the
// image was rejected, and the caller may retry with another image on the
// same handle. The transfer buffer is released on every path.
//
// Only a handle whose most recent transfer succeeded can be started.
func (m *Module) Transfer(ctx context.Context, h protocol.Handle, image []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup("transfer", h)
	if err != nil {
		return false, err
	}
	if err := m.usable("transfer", h); err != nil {
		return false, err
	}

	ok, err := m.transfer(ctx, h, image)
	if err != nil || !ok {
		e.state = protocol.RunStateUninitialized
	} else {
		e.state = protocol.RunStateLoaded
	}
	if err != nil {
		m.logger.Error("Image transfer failed",
			zap.Uint32("handle", uint32(h)),
			zap.Int("size", len(image)),
			zap.Error(err),
		)
		return false, err
	}

	m.logger.Info("Image transferred",
		zap.Uint32("handle", uint32(h)),
		zap.Int("size", len(image)),
		zap.Bool("accepted", ok),
	)
	return ok, nil
}

func (m *Module) transfer(ctx context.Context, h protocol.Handle, image []byte) (bool, error) {
	var ok bool
	err := m.withRegion(ctx, h, len(image), func(ptr uint32) error {
		if err := m.boundary.Write(ptr, image); err != nil {
			return fmt.Errorf("copy image into module memory: %w", err)
		}
		var err error
		ok, err = m.boundary.LoadImage(ctx, uint32(h), ptr, uint32(len(image)))
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		return nil
	})
	return ok, err
}

// withRegion allocates size bytes inside the module, runs fn with the
// region's address and frees the region afterwards whatever fn returned.
// A zero address is only accepted for an empty region.
func (m *Module) withRegion(ctx context.Context, h protocol.Handle, size int, fn func(ptr uint32) error) (err error) {
	if uint64(size) > math.MaxUint32 {
		return &AllocationError{Handle: h, Size: size, Err: errors.New("exceeds 32-bit address space")}
	}

	ptr, err := m.boundary.Malloc(ctx, uint32(size))
	if err != nil {
		return &AllocationError{Handle: h, Size: size, Err: err}
	}
	if ptr == 0 && size > 0 {
		return &AllocationError{Handle: h, Size: size}
	}

	defer func() {
		// The caller's context may be what failed fn.
		if ferr := m.boundary.Free(context.WithoutCancel(ctx), ptr); ferr != nil {
			err = errors.Join(err, fmt.Errorf("free transfer buffer: %w", ferr))
		}
	}()

	return fn(ptr)
}
