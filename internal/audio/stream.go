package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

type SampleSource interface {
	Process(dst []float32)
}

// Device is an output destination with its own hardware clock.
type Device interface {
	Clock() *Clock
	Connect(src SampleSource) error
	Resume(ctx context.Context) error
	Suspend() error
	Close() error
}

// StreamReader adapts a SampleSource to the interleaved float32 little-endian
// stream ebiten expects and advances the clock by every frame it produces.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	clock  *Clock
	buf    []float32
}

func NewStreamReader(source SampleSource, clock *Clock) *StreamReader {
	return &StreamReader{source: source, clock: clock}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	r.clock.advance(frames)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.buf[i]))
	}
	return frames * 8, nil
}

func (r *StreamReader) Close() error { return nil }

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// EbitenDevice plays through the process-wide ebiten audio context.
type EbitenDevice struct {
	mu         sync.Mutex
	ctx        *ebitaudio.Context
	clock      *Clock
	player     *ebitaudio.Player
	reader     *StreamReader
	bufferSize time.Duration
	readyWait  time.Duration
}

// readyPoll is how often Resume checks whether the audio context came up.
const readyPoll = 5 * time.Millisecond

// NewEbitenDevice opens a device on the shared ebiten context. bufferSize
// bounds how far the device renders ahead of the speaker; keep it below the
// scheduler horizon.
func NewEbitenDevice(sampleRate int, bufferSize time.Duration) (*EbitenDevice, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	return &EbitenDevice{
		ctx:        ctx,
		clock:      NewClock(sampleRate),
		bufferSize: bufferSize,
		readyWait:  2 * time.Second,
	}, nil
}

func (d *EbitenDevice) Clock() *Clock { return d.clock }

func (d *EbitenDevice) Connect(src SampleSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock.State() == StateClosed {
		return ErrClosed
	}
	if d.player != nil {
		return nil
	}
	d.reader = NewStreamReader(src, d.clock)
	pl, err := d.ctx.NewPlayerF32(d.reader)
	if err != nil {
		return err
	}
	if d.bufferSize > 0 {
		pl.SetBufferSize(d.bufferSize)
	}
	d.player = pl
	return nil
}

// Resume starts the player and waits until the audio context is up. The
// first Play is what initializes the context outside a RunGame loop. A
// context that stays down for readyWait is treated as gated on a user
// gesture, which is the browser case.
func (d *EbitenDevice) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.clock.State() == StateClosed:
		return ErrClosed
	case d.player == nil:
		return ErrNoSource
	}
	d.player.Play()
	if err := d.waitReady(ctx); err != nil {
		d.player.Pause()
		return err
	}
	d.clock.setState(StateRunning)
	return nil
}

// must hold d.mu
func (d *EbitenDevice) waitReady(ctx context.Context) error {
	if d.ctx.IsReady() {
		return nil
	}
	deadline := time.NewTimer(d.readyWait)
	defer deadline.Stop()
	tick := time.NewTicker(readyPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrGestureRequired
		case <-tick.C:
			if d.ctx.IsReady() {
				return nil
			}
		}
	}
}

func (d *EbitenDevice) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock.State() == StateClosed {
		return ErrClosed
	}
	if d.player != nil {
		d.player.Pause()
	}
	d.clock.setState(StateSuspended)
	return nil
}

func (d *EbitenDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clock.State() == StateClosed {
		return nil
	}
	d.clock.setState(StateClosed)
	if d.player == nil {
		return nil
	}
	d.player.Pause()
	err := d.player.Close()
	d.player = nil
	if cerr := d.reader.Close(); err == nil {
		err = cerr
	}
	return err
}

// Position returns what the listener is hearing right now, which lags the
// clock by the device buffer.
func (d *EbitenDevice) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return 0
	}
	return d.player.Position()
}

var _ io.ReadCloser = (*StreamReader)(nil)
