package graph

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/tracker-go/internal/audio"
	"github.com/cbegin/tracker-go/internal/effects"
)

var (
	// ErrUnsupported means there is no audio output at all. It is fatal and
	// never retried.
	ErrUnsupported = errors.New("graph: audio output unsupported")
	// ErrPending means the clock is still suspended waiting for a user
	// gesture. Call Setup again after one.
	ErrPending      = errors.New("graph: audio clock suspended until user interaction")
	ErrNotReady     = errors.New("graph: master chain not connected")
	ErrVoiceSpent   = errors.New("graph: voice already started")
	ErrNotStarted   = errors.New("graph: voice not started")
	ErrDisconnected = errors.New("graph: voice disconnected")
	ErrWrongKind    = errors.New("graph: operation not supported by voice kind")
	ErrNoBuffer     = errors.New("graph: sample voice without buffer")
	ErrForeignVoice = errors.New("graph: voice belongs to another graph")
)

// fadeFloor is the level the master gain fades to before disconnecting.
const fadeFloor = 0.0001

type Option func(*config)

type config struct {
	logger        *slog.Logger
	setupAttempts int
	retryDelay    time.Duration
	fadeOut       time.Duration
	masterGain    float64
}

func defaultConfig() config {
	return config{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		setupAttempts: 3,
		retryDelay:    50 * time.Millisecond,
		fadeOut:       50 * time.Millisecond,
		masterGain:    0.8,
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithSetupRetry bounds how often Setup retries a failing resume.
func WithSetupRetry(attempts int, delay time.Duration) Option {
	return func(cfg *config) {
		if attempts < 1 {
			attempts = 1
		}
		cfg.setupAttempts = attempts
		cfg.retryDelay = delay
	}
}

// WithFadeOut sets the master fade applied before teardown disconnects.
func WithFadeOut(d time.Duration) Option {
	return func(cfg *config) {
		cfg.fadeOut = d
	}
}

func WithMasterGain(gain float64) Option {
	return func(cfg *config) {
		cfg.masterGain = clampGain(gain)
	}
}

// MasterChain is gain -> compressor -> limiter -> destination.
type MasterChain struct {
	gain       automation
	compressor *effects.Compressor
	limiter    *effects.Limiter
	dynamics   *effects.Chain
	connected  bool
}

func newMasterChain(sampleRate int, gain float64) *MasterChain {
	m := &MasterChain{
		gain:       newAutomation(gain),
		compressor: effects.NewMasterCompressor(sampleRate),
		limiter:    effects.NewMasterLimiter(sampleRate),
	}
	m.dynamics = effects.NewChain(m.compressor, m.limiter)
	return m
}

// Graph owns the audio clock, the master chain and every live voice.
type Graph struct {
	lifecycle sync.Mutex // serializes Setup and Teardown
	mu        sync.Mutex // guards render state

	cfg    config
	dev    audio.Device
	clock  *audio.Clock
	master *MasterChain
	voices []*Voice
	nextID uint64
	taps   []func([]float32)
	builds int
}

// New creates a graph on dev. A nil device makes Setup fail with
// ErrUnsupported.
func New(dev audio.Device, opts ...Option) *Graph {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &Graph{cfg: cfg, dev: dev}
	if dev != nil {
		g.clock = dev.Clock()
	}
	return g
}

// Clock returns the hardware clock, or nil without a device.
func (g *Graph) Clock() *audio.Clock { return g.clock }

func (g *Graph) sampleRate() int { return g.clock.SampleRate() }

// Setup creates the master chain once, connects it to the device and resumes
// the clock. It is a no-op when the graph is already running.
func (g *Graph) Setup(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if g.dev == nil {
		return ErrUnsupported
	}
	if g.Initialized() {
		return nil
	}
	if g.clock.State() == audio.StateClosed {
		return errors.Wrap(audio.ErrClosed, "graph: setup")
	}

	g.mu.Lock()
	if g.master == nil {
		g.master = newMasterChain(g.sampleRate(), g.cfg.masterGain)
		g.builds++
	}
	connected := g.master.connected
	g.mu.Unlock()

	if !connected {
		if err := g.dev.Connect(g); err != nil {
			return errors.Wrap(err, "graph: connect master chain")
		}
		g.mu.Lock()
		g.master.connected = true
		g.mu.Unlock()
	}
	if g.clock.State() == audio.StateRunning {
		return nil
	}
	return g.resume(ctx)
}

func (g *Graph) resume(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= g.cfg.setupAttempts; attempt++ {
		err = g.dev.Resume(ctx)
		switch {
		case err == nil:
			g.cfg.logger.Debug("audio clock running", "attempt", attempt, "sample_rate", g.sampleRate())
			return nil
		case errors.Is(err, audio.ErrGestureRequired):
			return ErrPending
		case errors.Is(err, audio.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return errors.Wrap(err, "graph: resume")
		}
		g.cfg.logger.Warn("audio clock resume failed", "attempt", attempt, "err", err)
		if attempt == g.cfg.setupAttempts {
			break
		}
		t := time.NewTimer(g.cfg.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), "graph: resume")
		case <-t.C:
		}
	}
	return errors.Wrapf(err, "graph: resume failed after %d attempts", g.cfg.setupAttempts)
}

// Initialized reports whether the clock is running and the master chain is
// connected.
func (g *Graph) Initialized() bool {
	if g.clock == nil || g.clock.State() != audio.StateRunning {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.master != nil && g.master.connected
}

// MakeVoice creates a voice connected to the master chain. The voice is
// silent until Fire.
func (g *Graph) MakeVoice(kind Kind, p VoiceParams) (*Voice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.master == nil || !g.master.connected {
		return nil, ErrNotReady
	}
	g.nextID++
	v := &Voice{
		g:         g,
		id:        g.nextID,
		kind:      kind,
		gain:      newAutomation(1),
		stop:      -1,
		connected: true,
	}
	switch kind {
	case KindTone:
		v.freq = p.Frequency
		v.wave = p.Waveform
	case KindSample:
		if len(p.Buffer) == 0 || p.BufferRate <= 0 {
			return nil, ErrNoBuffer
		}
		rate := p.Rate
		if rate <= 0 {
			rate = 1
		}
		v.buf = p.Buffer
		v.step = rate * float64(p.BufferRate) / float64(g.sampleRate())
		v.loopStart = p.LoopStart * float64(p.BufferRate)
		v.loopEnd = p.LoopEnd * float64(p.BufferRate)
	default:
		return nil, errors.Errorf("graph: unknown voice kind %d", kind)
	}
	v.vibrato.Set(p.VibratoDepth, p.VibratoRate, p.VibratoShape)
	g.voices = append(g.voices, v)
	return v, nil
}

// Fire schedules the voice to start at clock time at with the given gain.
// Firing a voice a second time fails with ErrVoiceSpent.
func (g *Graph) Fire(v *Voice, at float64, gain float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case v.g != g:
		return ErrForeignVoice
	case v.state != voiceIdle:
		return ErrVoiceSpent
	case !v.connected:
		return ErrDisconnected
	}
	v.start = g.clock.FrameAt(at)
	v.gain = newAutomation(gain)
	v.state = voiceScheduled
	return nil
}

// SetMasterGain ramps the master gain to gain over ramp.
func (g *Graph) SetMasterGain(gain float64, ramp time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.master == nil || !g.master.connected {
		return ErrNotReady
	}
	now := g.clock.Frame()
	g.master.gain.rampTo(clampGain(gain), now, now+g.framesFor(ramp))
	return nil
}

// MasterGain returns the master gain at the current clock position.
func (g *Graph) MasterGain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.master == nil {
		return 0
	}
	return g.master.gain.at(g.clock.Frame())
}

// ActiveVoices counts voices still connected to the master chain.
func (g *Graph) ActiveVoices() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, v := range g.voices {
		if v.connected && v.state != voiceDone {
			n++
		}
	}
	return n
}

// Tap registers a callback that receives every rendered stereo buffer after
// the master chain. It runs on the audio thread.
func (g *Graph) Tap(fn func([]float32)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.taps = append(g.taps, fn)
}

// Teardown fades the master gain out, disconnects the chain and every voice
// and optionally closes the clock. Repeated calls are no-ops.
func (g *Graph) Teardown(ctx context.Context, closeClock bool) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if fade := g.beginFade(); fade > 0 {
		t := time.NewTimer(fade)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	g.mu.Lock()
	if g.master != nil {
		g.master.dynamics.Disconnect()
		g.master.connected = false
		g.master = nil
	}
	for _, v := range g.voices {
		v.connected = false
		v.state = voiceDone
	}
	g.voices = nil
	g.taps = nil
	g.mu.Unlock()

	if closeClock && g.dev != nil && g.clock.State() != audio.StateClosed {
		if err := g.dev.Close(); err != nil {
			return errors.Wrap(err, "graph: close clock")
		}
	}
	return nil
}

// beginFade schedules the master fade and returns how long to wait for it.
// It returns 0 when there is nothing audible to fade.
func (g *Graph) beginFade() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.master == nil || !g.master.connected {
		return 0
	}
	now := g.clock.Frame()
	g.master.gain.rampTo(fadeFloor, now, now+g.framesFor(g.cfg.fadeOut))
	if g.clock.State() != audio.StateRunning {
		return 0
	}
	return g.cfg.fadeOut
}

// Process renders one buffer of interleaved stereo frames starting at the
// clock's current frame.
func (g *Graph) Process(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	g.mu.Lock()
	m := g.master
	if m == nil || !m.connected {
		g.mu.Unlock()
		return
	}
	start := g.clock.Frame()
	frames := len(dst) / 2
	sr := float64(g.sampleRate())

	live := g.voices[:0]
	for _, v := range g.voices {
		if v.state == voiceScheduled {
			v.render(dst, start, sr)
		}
		if v.state == voiceDone || !v.connected {
			v.connected = false
			continue
		}
		live = append(live, v)
	}
	for i := len(live); i < len(g.voices); i++ {
		g.voices[i] = nil
	}
	g.voices = live

	for f := 0; f < frames; f++ {
		gain := float32(m.gain.at(start + int64(f)))
		dst[f*2], dst[f*2+1] = m.dynamics.Process(dst[f*2]*gain, dst[f*2+1]*gain)
	}
	m.gain.advance(start + int64(frames))
	taps := g.taps
	g.mu.Unlock()

	for _, tap := range taps {
		tap(dst)
	}
}

func (g *Graph) framesFor(d time.Duration) int64 {
	return int64(d.Seconds() * float64(g.sampleRate()))
}

func clampGain(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
