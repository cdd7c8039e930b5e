package audio

import (
	"context"
	"sync"
)

type OfflineOption func(*OfflineDevice)

// WithGestureRequired makes Resume fail with ErrGestureRequired until Gesture
// is called, the way browsers gate audio output.
func WithGestureRequired() OfflineOption {
	return func(d *OfflineDevice) {
		d.requireGesture = true
	}
}

// OfflineDevice renders on demand instead of on a driver thread. The clock
// moves only through Render.
type OfflineDevice struct {
	mu             sync.Mutex
	clock          *Clock
	src            SampleSource
	requireGesture bool
	gestured       bool
	resumes        int
}

func NewOfflineDevice(sampleRate int, opts ...OfflineOption) *OfflineDevice {
	d := &OfflineDevice{clock: NewClock(sampleRate)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OfflineDevice) Clock() *Clock { return d.clock }

func (d *OfflineDevice) Connect(src SampleSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock.State() == StateClosed {
		return ErrClosed
	}
	d.src = src
	return nil
}

// Gesture records a user interaction.
func (d *OfflineDevice) Gesture() {
	d.mu.Lock()
	d.gestured = true
	d.mu.Unlock()
}

func (d *OfflineDevice) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	switch {
	case d.clock.State() == StateClosed:
		return ErrClosed
	case d.src == nil:
		return ErrNoSource
	case d.requireGesture && !d.gestured:
		return ErrGestureRequired
	}
	d.clock.setState(StateRunning)
	return nil
}

// Resumes reports how many times Resume was attempted.
func (d *OfflineDevice) Resumes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumes
}

func (d *OfflineDevice) Suspend() error {
	if d.clock.State() == StateClosed {
		return ErrClosed
	}
	d.clock.setState(StateSuspended)
	return nil
}

func (d *OfflineDevice) Close() error {
	d.clock.setState(StateClosed)
	return nil
}

// Render pulls frames stereo frames from the source and returns them
// interleaved. A device that is not running returns silence and leaves the
// clock where it is.
func (d *OfflineDevice) Render(frames int) []float32 {
	out := make([]float32, frames*2)
	d.mu.Lock()
	src := d.src
	d.mu.Unlock()
	if src == nil || d.clock.State() != StateRunning {
		return out
	}
	src.Process(out)
	d.clock.advance(frames)
	return out
}
