package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	intaudio "github.com/cbegin/tracker-go/internal/audio"
	intgraph "github.com/cbegin/tracker-go/internal/graph"
	intpat "github.com/cbegin/tracker-go/internal/pattern"
	intsmp "github.com/cbegin/tracker-go/internal/samples"
	intsched "github.com/cbegin/tracker-go/internal/scheduler"
)

type Mode string

const (
	ModeNone      Mode = ""
	ModeTone      Mode = "tone"
	ModeSequencer Mode = "sequencer"
)

var (
	ErrTransitioning = errors.New("tracker: mode transition in progress")
	ErrBusy          = errors.New("tracker: start/stop already in progress")
	ErrNoMode        = errors.New("tracker: no audio mode active")
	ErrUnknownMode   = errors.New("tracker: unknown mode")
	// ErrPending means audio output is waiting for a user gesture. Retry
	// Start or SwitchMode after one.
	ErrPending = intgraph.ErrPending
)

// EventKind identifies state change notifications sent on Watch.
type EventKind int

const (
	EventModeChanged EventKind = iota
	EventTransition
	EventPlaying
	EventStopped
	EventPending
	// EventReset means a fatal error tore the active mode down. Controls
	// should return to their inactive state.
	EventReset
)

// StateEvent is a state notification. The UI observes these; it never holds
// the state itself.
type StateEvent struct {
	Kind          EventKind
	Mode          Mode
	Playing       bool
	Transitioning bool
	Err           error
}

// SampleSpec names a sample asset to load for the sequencer.
type SampleSpec = intsmp.Spec

// DeviceFactory opens an output device for one audio session.
type DeviceFactory func(sampleRate int) (intaudio.Device, error)

// EbitenDevices opens devices on the process-wide ebiten audio context.
func EbitenDevices(bufferSize time.Duration) DeviceFactory {
	return func(sampleRate int) (intaudio.Device, error) {
		return intaudio.NewEbitenDevice(sampleRate, bufferSize)
	}
}

type Option func(*config)

type config struct {
	sampleRate    int
	devices       DeviceFactory
	logger        *slog.Logger
	settleDelay   time.Duration
	samples       []SampleSpec
	fetcher       intsmp.Fetcher
	tempo         int
	volume        float64
	toneFrequency float64
	vibratoDepth  float64
	vibratoRate   float64
	graphOptions  []intgraph.Option
	schedOptions  []intsched.Option
}

func defaultConfig() config {
	return config{
		sampleRate:    48000,
		devices:       EbitenDevices(50 * time.Millisecond),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		settleDelay:   100 * time.Millisecond,
		tempo:         intsched.DefaultTempo,
		volume:        0.8,
		toneFrequency: 220,
	}
}

func WithSampleRate(rate int) Option {
	return func(cfg *config) {
		if rate > 0 {
			cfg.sampleRate = rate
		}
	}
}

func WithDeviceFactory(f DeviceFactory) Option {
	return func(cfg *config) {
		if f != nil {
			cfg.devices = f
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithSettleDelay sets the pause between tearing down one mode and building
// the next.
func WithSettleDelay(d time.Duration) Option {
	return func(cfg *config) {
		if d >= 0 {
			cfg.settleDelay = d
		}
	}
}

// WithSamples lists the samples the sequencer loads when it is initialized.
func WithSamples(specs []SampleSpec) Option {
	return func(cfg *config) { cfg.samples = append([]SampleSpec(nil), specs...) }
}

func WithFetcher(f intsmp.Fetcher) Option {
	return func(cfg *config) { cfg.fetcher = f }
}

func WithTempo(bpm int) Option {
	return func(cfg *config) { cfg.tempo = intsched.ClampTempo(bpm) }
}

func WithToneFrequency(hz float64) Option {
	return func(cfg *config) {
		if hz > 0 {
			cfg.toneFrequency = hz
		}
	}
}

// WithToneVibrato modulates the tone mode pitch by depth semitones at rateHz.
// Zero for either turns it off.
func WithToneVibrato(depth, rateHz float64) Option {
	return func(cfg *config) {
		if depth >= 0 && rateHz >= 0 {
			cfg.vibratoDepth, cfg.vibratoRate = depth, rateHz
		}
	}
}

// WithGraphOptions passes options to every audio graph the manager builds.
func WithGraphOptions(opts ...intgraph.Option) Option {
	return func(cfg *config) { cfg.graphOptions = append(cfg.graphOptions, opts...) }
}

// WithSchedulerOptions passes options to the sequencer's scheduler.
func WithSchedulerOptions(opts ...intsched.Option) Option {
	return func(cfg *config) { cfg.schedOptions = append(cfg.schedOptions, opts...) }
}

// Manager owns at most one audio mode at a time and is the single control
// surface for the UI. Construct one per application and pass it to whatever
// needs audio control.
type Manager struct {
	cfg      config
	patterns *intpat.Store
	samples  *intsmp.Store

	transitioning atomic.Bool
	transport     sync.Mutex // serializes Start and Stop

	mu     sync.Mutex
	mode   Mode
	active modeEngine
	volume float64
	pitch  float64
	tempo  int

	eventCh   chan StateEvent
	eventChMu sync.Mutex
}

// New creates a manager with one empty 16x4 pattern in its sequence.
func New(opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	smpOpts := []intsmp.Option{intsmp.WithLogger(cfg.logger)}
	if cfg.fetcher != nil {
		smpOpts = append(smpOpts, intsmp.WithFetcher(cfg.fetcher))
	}
	m := &Manager{
		cfg:      cfg,
		patterns: intpat.NewStore(intpat.WithLogger(cfg.logger)),
		samples:  intsmp.NewStore(smpOpts...),
		volume:   cfg.volume,
		pitch:    1,
		tempo:    cfg.tempo,
	}
	id := m.patterns.CreatePattern(16, 4)
	m.patterns.SetSequence([]int{id})
	return m
}

// Patterns is the pattern store the sequencer plays from.
func (m *Manager) Patterns() *intpat.Store { return m.patterns }

// Samples is the sample store the sequencer resolves names in.
func (m *Manager) Samples() *intsmp.Store { return m.samples }

// Mode returns the active mode, or ModeNone.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Transitioning reports whether a mode switch is in progress.
func (m *Manager) Transitioning() bool { return m.transitioning.Load() }

// Playing reports whether the active mode is producing sound.
func (m *Manager) Playing() bool {
	e := m.current()
	return e != nil && e.playing()
}

// current returns the active mode unless a transition is in progress.
func (m *Manager) current() modeEngine {
	if m.transitioning.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SwitchMode makes mode the active mode. Playback is stopped and the old
// mode torn down before the new one is built. While the switch runs every
// other mutating call fails with ErrTransitioning. ErrPending leaves mode
// selected but waiting for a user gesture.
func (m *Manager) SwitchMode(ctx context.Context, mode Mode) error {
	if mode != ModeTone && mode != ModeSequencer {
		return errors.Wrapf(ErrUnknownMode, "%q", mode)
	}
	if !m.transitioning.CompareAndSwap(false, true) {
		return ErrTransitioning
	}
	m.emit(StateEvent{Kind: EventTransition, Mode: m.Mode(), Transitioning: true})
	defer func() {
		m.transitioning.Store(false)
		m.emit(StateEvent{Kind: EventTransition, Mode: m.Mode()})
	}()

	m.mu.Lock()
	old, oldMode := m.active, m.mode
	m.mu.Unlock()

	if old != nil && oldMode == mode && old.initialized() {
		return nil
	}
	if old != nil {
		if old.playing() {
			if err := old.stop(ctx); err != nil {
				m.cfg.logger.Warn("stopping mode before switch", "mode", oldMode, "err", err)
			}
			m.emit(StateEvent{Kind: EventStopped, Mode: oldMode})
		}
		if err := old.cleanup(ctx); err != nil {
			m.cfg.logger.Warn("tearing down mode", "mode", oldMode, "err", err)
		}
		m.mu.Lock()
		m.active, m.mode = nil, ModeNone
		m.mu.Unlock()
		if err := sleepCtx(ctx, m.cfg.settleDelay); err != nil {
			return errors.Wrap(err, "tracker: switch mode")
		}
	}

	engine := m.newMode(mode)
	err := engine.initialize(ctx)
	if err != nil && !errors.Is(err, ErrPending) {
		_ = engine.cleanup(ctx)
		m.cfg.logger.Error("mode setup failed", "mode", mode, "err", err)
		m.emit(StateEvent{Kind: EventReset, Err: err})
		return errors.Wrapf(err, "tracker: set up %s mode", mode)
	}

	m.mu.Lock()
	m.active, m.mode = engine, mode
	m.mu.Unlock()
	m.cfg.logger.Info("audio mode switched", "from", oldMode, "to", mode, "pending", err != nil)
	m.emit(StateEvent{Kind: EventModeChanged, Mode: mode})
	if err != nil {
		m.emit(StateEvent{Kind: EventPending, Mode: mode})
		return err
	}
	return nil
}

func (m *Manager) newMode(mode Mode) modeEngine {
	m.mu.Lock()
	settings := modeSettings{volume: m.volume, pitch: m.pitch, tempo: m.tempo}
	m.mu.Unlock()
	if mode == ModeTone {
		return newToneMode(m, settings)
	}
	return newSequencerMode(m, settings)
}

// Start begins playback in the active mode. A mode still waiting for a
// gesture retries its setup first.
func (m *Manager) Start(ctx context.Context) error {
	if m.transitioning.Load() {
		return ErrTransitioning
	}
	if !m.transport.TryLock() {
		return ErrBusy
	}
	defer m.transport.Unlock()

	e := m.current()
	if e == nil {
		if m.transitioning.Load() {
			return ErrTransitioning
		}
		return ErrNoMode
	}
	if !e.initialized() {
		if err := e.initialize(ctx); err != nil {
			if errors.Is(err, ErrPending) {
				m.emit(StateEvent{Kind: EventPending, Mode: m.Mode()})
				return err
			}
			m.reset(ctx, e, err)
			return errors.Wrap(err, "tracker: start")
		}
	}
	if e.playing() {
		return nil
	}
	if err := e.start(ctx); err != nil {
		return errors.Wrap(err, "tracker: start")
	}
	m.emit(StateEvent{Kind: EventPlaying, Mode: m.Mode(), Playing: true})
	return nil
}

// Stop halts playback in the active mode. Sound already scheduled plays out.
func (m *Manager) Stop(ctx context.Context) error {
	if m.transitioning.Load() {
		return ErrTransitioning
	}
	if !m.transport.TryLock() {
		return ErrBusy
	}
	defer m.transport.Unlock()

	e := m.current()
	if e == nil {
		return ErrNoMode
	}
	if !e.playing() {
		return nil
	}
	if err := e.stop(ctx); err != nil {
		return errors.Wrap(err, "tracker: stop")
	}
	m.emit(StateEvent{Kind: EventStopped, Mode: m.Mode()})
	return nil
}

// SetVolume sets the output volume, clamped to [0,1].
func (m *Manager) SetVolume(v float64) error {
	if m.transitioning.Load() {
		return ErrTransitioning
	}
	v = clamp01(v)
	m.mu.Lock()
	m.volume = v
	e := m.active
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.setVolume(v)
}

// SetPitch sets the tone pitch multiplier. 1 is the base frequency.
func (m *Manager) SetPitch(p float64) error {
	if m.transitioning.Load() {
		return ErrTransitioning
	}
	if p <= 0 {
		return errors.Errorf("tracker: pitch multiplier %v must be positive", p)
	}
	m.mu.Lock()
	m.pitch = p
	e := m.active
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.setPitch(p)
}

// AdjustTempo shifts the sequencer tempo by delta BPM and returns the new
// tempo. The tempo is kept across mode switches.
func (m *Manager) AdjustTempo(delta int) (int, error) {
	if m.transitioning.Load() {
		return m.Tempo(), ErrTransitioning
	}
	m.mu.Lock()
	m.tempo = intsched.ClampTempo(m.tempo + delta)
	bpm := m.tempo
	e := m.active
	m.mu.Unlock()
	if e != nil {
		e.setTempo(bpm)
	}
	return bpm, nil
}

func (m *Manager) Tempo() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tempo
}

// EditCell writes a cell of the pattern currently being played, or of the
// pattern at the sequence position when stopped.
func (m *Manager) EditCell(row, channel int, c intpat.Cell) bool {
	if m.transitioning.Load() {
		return false
	}
	id, ok := m.editPattern()
	if !ok {
		return false
	}
	return m.patterns.SetCell(id, row, channel, c)
}

func (m *Manager) editPattern() (int, bool) {
	if sm, ok := m.current().(*sequencerMode); ok && sm.playing() {
		return sm.sched.Cursor().PatternID, true
	}
	seq := m.patterns.Sequence()
	if len(seq) == 0 {
		return 0, false
	}
	pos := m.patterns.Position()
	if pos >= len(seq) {
		pos = 0
	}
	return seq[pos], true
}

// LoadSamples loads samples into the store and returns the names that
// failed.
func (m *Manager) LoadSamples(ctx context.Context, specs []SampleSpec) []string {
	return m.samples.LoadAll(ctx, specs)
}

// CurrentVolume returns the active mode's volume, or 0 without one.
func (m *Manager) CurrentVolume() float64 {
	if e := m.current(); e != nil {
		return e.volume()
	}
	return 0
}

// CurrentPitch returns the active mode's pitch multiplier, or 1 without one.
func (m *Manager) CurrentPitch() float64 {
	if e := m.current(); e != nil {
		return e.pitch()
	}
	return 1
}

// Metrics returns a snapshot for the UI, or nil when no mode is active or a
// transition is in progress.
func (m *Manager) Metrics() *Metrics {
	e := m.current()
	if e == nil {
		return nil
	}
	return e.metrics()
}

// Close tears down the active mode and closes its clock.
func (m *Manager) Close(ctx context.Context) error {
	if !m.transitioning.CompareAndSwap(false, true) {
		return ErrTransitioning
	}
	defer m.transitioning.Store(false)
	m.mu.Lock()
	e := m.active
	m.active, m.mode = nil, ModeNone
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	if e.playing() {
		_ = e.stop(ctx)
	}
	return e.cleanup(ctx)
}

// fault is called by a mode when its playback died.
func (m *Manager) fault(e modeEngine, err error) {
	go m.reset(context.Background(), e, err)
}

// reset tears e down after a fatal error and tells observers to return to
// the inactive state. Nothing happens if e is no longer the active mode.
func (m *Manager) reset(ctx context.Context, e modeEngine, cause error) {
	m.mu.Lock()
	if m.active != e {
		m.mu.Unlock()
		return
	}
	m.active, m.mode = nil, ModeNone
	m.mu.Unlock()
	if err := e.cleanup(ctx); err != nil {
		m.cfg.logger.Warn("cleanup after fault", "err", err)
	}
	m.cfg.logger.Error("audio mode reset", "err", cause)
	m.emit(StateEvent{Kind: EventReset, Err: cause})
}

// Watch returns a channel of state notifications. The channel is buffered
// (cap 16) and events are dropped when it is full. Only the most recent
// Watch channel receives events.
func (m *Manager) Watch() <-chan StateEvent {
	ch := make(chan StateEvent, 16)
	m.eventChMu.Lock()
	m.eventCh = ch
	m.eventChMu.Unlock()
	return ch
}

func (m *Manager) emit(ev StateEvent) {
	m.eventChMu.Lock()
	ch := m.eventCh
	m.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
