// Package capture provides the host side screen track that the quality
// adapter retunes.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"

	"pairdesk/internal/quality"
)

var (
	ErrNoDisplay          = errors.New("capture: display not found")
	ErrInvalidConstraints = errors.New("capture: invalid constraints")
)

// Grabber captures a rectangle of the screen.
type Grabber func(bounds image.Rectangle) (*image.RGBA, error)

// ScreenTrack captures one display and scales every frame to the current
// constraints. The track is safe for concurrent use.
type ScreenTrack struct {
	bounds image.Rectangle
	grab   Grabber
	scaler draw.Interpolator
	jpegQ  int

	mu          sync.RWMutex
	constraints quality.Constraints
}

type Option func(*ScreenTrack)

// WithGrabber replaces the screen grabber and fixes the capture bounds.
func WithGrabber(bounds image.Rectangle, g Grabber) Option {
	return func(t *ScreenTrack) {
		t.bounds = bounds
		t.grab = g
	}
}

// WithJPEGQuality sets the encoder quality (1-100).
func WithJPEGQuality(q int) Option { return func(t *ScreenTrack) { t.jpegQ = q } }

func NewScreenTrack(display int, opts ...Option) (*ScreenTrack, error) {
	t := &ScreenTrack{
		scaler: draw.ApproxBiLinear,
		jpegQ:  70,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.grab == nil {
		if display < 0 || display >= screenshot.NumActiveDisplays() {
			return nil, fmt.Errorf("%w: %d", ErrNoDisplay, display)
		}
		t.bounds = screenshot.GetDisplayBounds(display)
		t.grab = screenshot.CaptureRect
	}

	initial := quality.High
	t.constraints = t.clamp(quality.Constraints{Width: initial.Width, Height: initial.Height, FrameRate: initial.FrameRate})
	return t, nil
}

// ApplyConstraints sets the output size and frame rate. Sizes larger than
// the display are clamped to it.
func (t *ScreenTrack) ApplyConstraints(ctx context.Context, c quality.Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Width <= 0 || c.Height <= 0 || c.FrameRate <= 0 {
		return fmt.Errorf("%w: %dx%d@%d", ErrInvalidConstraints, c.Width, c.Height, c.FrameRate)
	}

	t.mu.Lock()
	t.constraints = t.clamp(c)
	t.mu.Unlock()
	return nil
}

func (t *ScreenTrack) clamp(c quality.Constraints) quality.Constraints {
	if w := t.bounds.Dx(); w > 0 && c.Width > w {
		c.Width = w
	}
	if h := t.bounds.Dy(); h > 0 && c.Height > h {
		c.Height = h
	}
	return c
}

func (t *ScreenTrack) Constraints() quality.Constraints {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.constraints
}

// Frame grabs the screen and scales it to the current constraints.
func (t *ScreenTrack) Frame() (*image.RGBA, error) {
	c := t.Constraints()

	src, err := t.grab(t.bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}
	if src.Bounds().Dx() == c.Width && src.Bounds().Dy() == c.Height {
		return src, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	t.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// EncodedFrame returns the next frame as JPEG.
func (t *ScreenTrack) EncodedFrame() ([]byte, error) {
	img, err := t.Frame()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: t.jpegQ}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Stream delivers encoded frames at the current frame rate until ctx is
// done or send fails. Frame rate changes take effect on the next tick.
func (t *ScreenTrack) Stream(ctx context.Context, send func(frame []byte) error) error {
	fps := t.Constraints().FrameRate
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := t.EncodedFrame()
		if err != nil {
			return err
		}
		if err := send(frame); err != nil {
			return err
		}

		if next := t.Constraints().FrameRate; next != fps {
			fps = next
			ticker.Reset(time.Second / time.Duration(fps))
		}
	}
}
