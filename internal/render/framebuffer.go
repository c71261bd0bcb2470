// Package render holds the host-side surfaces emulator frames are presented
// to: an in-memory frame buffer, a websocket stream and a fan-out.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/draw"

	"github.com/woxQAQ/grouboy-host/internal/bridge"
	"github.com/woxQAQ/grouboy-host/pkg/protocol"
)

// ErrNoFrame is returned by WritePNG before the first frame arrives.
var ErrNoFrame = errors.New("no frame presented yet")

var (
	_ bridge.RenderTarget = (*FrameBuffer)(nil)
	_ bridge.RenderTarget = (*Stream)(nil)
	_ bridge.RenderTarget = Multi(nil)
)

// FrameBuffer keeps the most recent frame.
type FrameBuffer struct {
	mu     sync.RWMutex
	img    *image.RGBA
	handle protocol.Handle
	frames uint64
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Present replaces the stored frame.
func (b *FrameBuffer) Present(frame protocol.Frame) error {
	if err := checkFrame(frame); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.img == nil || b.img.Rect.Dx() != frame.Width || b.img.Rect.Dy() != frame.Height {
		b.img = image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	}
	copy(b.img.Pix, frame.Pix)
	b.handle = frame.Handle
	b.frames++
	return nil
}

// Frames returns how many frames have been presented.
func (b *FrameBuffer) Frames() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frames
}

// Snapshot returns a copy of the latest frame, or nil.
func (b *FrameBuffer) Snapshot() *image.RGBA {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.img == nil {
		return nil
	}
	out := image.NewRGBA(b.img.Rect)
	copy(out.Pix, b.img.Pix)
	return out
}

// WritePNG encodes the latest frame upscaled by scale.
func (b *FrameBuffer) WritePNG(w io.Writer, scale int) error {
	src := b.Snapshot()
	if src == nil {
		return ErrNoFrame
	}
	if scale < 1 {
		scale = 1
	}

	dst := src
	if scale > 1 {
		dst = image.NewRGBA(image.Rect(0, 0, src.Rect.Dx()*scale, src.Rect.Dy()*scale))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	return png.Encode(w, dst)
}

// checkFrame rejects frames whose pixel data does not match their geometry.
func checkFrame(frame protocol.Frame) error {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) != frame.Width*frame.Height*4 {
		return fmt.Errorf("frame %dx%d carries %d bytes of pixels", frame.Width, frame.Height, len(frame.Pix))
	}
	return nil
}

// Multi presents every frame to each of its targets in order.
type Multi []bridge.RenderTarget

// Present forwards frame to all targets and joins their errors.
func (m Multi) Present(frame protocol.Frame) error {
	var errs []error
	for _, t := range m {
		if err := t.Present(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
