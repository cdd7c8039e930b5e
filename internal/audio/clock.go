package audio

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrGestureRequired is returned by Resume while the host has not yet
	// allowed audio output (no user interaction so far).
	ErrGestureRequired = errors.New("audio: resume requires a user gesture")
	ErrClosed          = errors.New("audio: device closed")
	ErrNoSource        = errors.New("audio: no source connected")
)

type ClockState int32

const (
	StateSuspended ClockState = iota
	StateRunning
	StateClosed
)

func (s ClockState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Clock is the hardware time base: the number of frames the device has pulled
// through its source, expressed in seconds. It only moves while the device
// renders, so it never runs ahead of the audio that has been produced.
type Clock struct {
	sampleRate int
	frames     atomic.Int64
	state      atomic.Int32
}

func NewClock(sampleRate int) *Clock {
	return &Clock{sampleRate: sampleRate}
}

// Now returns the current clock time in seconds.
func (c *Clock) Now() float64 {
	return float64(c.frames.Load()) / float64(c.sampleRate)
}

// Frame returns the index of the next frame to be rendered.
func (c *Clock) Frame() int64 { return c.frames.Load() }

func (c *Clock) SampleRate() int { return c.sampleRate }

func (c *Clock) State() ClockState { return ClockState(c.state.Load()) }

// FrameAt converts an absolute clock time to a frame index.
func (c *Clock) FrameAt(t float64) int64 {
	if t <= 0 {
		return 0
	}
	return int64(t*float64(c.sampleRate) + 0.5)
}

func (c *Clock) advance(frames int) {
	c.frames.Add(int64(frames))
}

func (c *Clock) setState(s ClockState) {
	c.state.Store(int32(s))
}
