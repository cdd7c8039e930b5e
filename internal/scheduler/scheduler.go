package scheduler

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/tracker-go/internal/graph"
	"github.com/cbegin/tracker-go/internal/lfo"
	"github.com/cbegin/tracker-go/internal/pattern"
	"github.com/cbegin/tracker-go/internal/samples"
)

const (
	MinTempo     = 60
	MaxTempo     = 200
	DefaultTempo = 120

	// rows per beat; one row is a sixteenth note
	rowsPerBeat = 4

	// E4x selects the vibrato waveform of the channel
	extVibratoShape = 0x4
	// 4xy: x is the rate in Hz, y the depth in eighths of a semitone
	vibratoDepthUnit = 1.0 / 8
)

var (
	ErrNoDestination = errors.New("scheduler: audio graph not connected")
	ErrNoPattern     = errors.New("scheduler: no pattern sequence to play")
	ErrMissingSample = errors.New("scheduler: sample not loaded")
)

// Clock is the audio hardware clock every fire time is expressed in.
type Clock interface {
	Now() float64
}

// Patterns is the read side of the pattern store.
type Patterns interface {
	Sequence() []int
	Position() int
	Generation() uint64
	Rows(id int) int
	Row(id, row int) (pattern.Row, bool)
}

// Samples resolves sample names.
type Samples interface {
	Get(name string) (*samples.Sample, bool)
}

// Voices mints and fires one-shot voices.
type Voices interface {
	Initialized() bool
	MakeVoice(kind graph.Kind, p graph.VoiceParams) (*graph.Voice, error)
	Fire(v *graph.Voice, at float64, gain float64) error
}

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Cursor is the playback position. NextFireTime is the clock time of the
// next row that has not been handed to the graph yet.
type Cursor struct {
	PatternIndex int
	PatternID    int
	Row          int
	NextFireTime float64
	Tempo        int
}

// Step describes one scheduled row.
type Step struct {
	PatternIndex int
	PatternID    int
	Row          int
	Time         float64
	Voices       int
}

type Option func(*config)

type config struct {
	pollInterval time.Duration
	horizon      time.Duration
	tempo        int
	logger       *slog.Logger
	onStep       func(Step)
	onFault      func(error)
	manual       bool
}

func defaultConfig() config {
	return config{
		pollInterval: 25 * time.Millisecond,
		horizon:      100 * time.Millisecond,
		tempo:        DefaultTempo,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithPollInterval sets how often the look-ahead window is refilled. It must
// be shorter than the horizon.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

// WithManualPoll leaves the poll unarmed: Start schedules the first window
// and every later window needs an explicit Poll. Offline renders drive the
// scheduler this way.
func WithManualPoll() Option {
	return func(cfg *config) { cfg.manual = true }
}

// WithHorizon sets how far ahead of the clock rows are scheduled.
func WithHorizon(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.horizon = d
		}
	}
}

func WithTempo(bpm int) Option {
	return func(cfg *config) { cfg.tempo = ClampTempo(bpm) }
}

func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithOnStep registers a callback for every scheduled row. It runs on the
// poll goroutine, after the row's voices are fired.
func WithOnStep(fn func(Step)) Option {
	return func(cfg *config) { cfg.onStep = fn }
}

// WithOnFault registers a callback for errors that stopped playback.
func WithOnFault(fn func(error)) Option {
	return func(cfg *config) { cfg.onFault = fn }
}

// ClampTempo bounds bpm to [MinTempo, MaxTempo].
func ClampTempo(bpm int) int {
	if bpm < MinTempo {
		return MinTempo
	}
	if bpm > MaxTempo {
		return MaxTempo
	}
	return bpm
}

// StepDuration is the length of one row (a sixteenth note) at bpm.
func StepDuration(bpm int) float64 {
	return 60 / float64(bpm) / rowsPerBeat
}

// Scheduler hands pattern rows to the audio graph ahead of time. A coarse
// poll keeps every row due within the horizon scheduled against the audio
// clock, so timer jitter never reaches the audio.
type Scheduler struct {
	mu       sync.Mutex
	cfg      config
	clock    Clock
	patterns Patterns
	samples  Samples
	voices   Voices
	task     *Task

	state  State
	cursor Cursor
	seqGen uint64

	// fire times are computed from the anchor so they do not accumulate
	// rounding error; the anchor moves on every tempo change
	anchorTime  float64
	anchorSteps int

	queue []Step // scheduled rows not yet heard
	last  Step
	heard bool

	vibShape [pattern.MaxChannels]lfo.Shape
}

func New(clock Clock, patterns Patterns, smp Samples, voices Voices, opts ...Option) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pollInterval >= cfg.horizon {
		cfg.pollInterval = cfg.horizon / 4
	}
	s := &Scheduler{
		cfg:      cfg,
		clock:    clock,
		patterns: patterns,
		samples:  smp,
		voices:   voices,
		cursor:   Cursor{Tempo: cfg.tempo},
	}
	s.task = NewTask(cfg.pollInterval, s.Poll)
	return s
}

// Start resets the cursor to the first row of the store's sequence position
// at the current clock time, schedules the first window and arms the poll
// unless it is manual. Starting a running scheduler does nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if s.voices == nil || !s.voices.Initialized() {
		s.mu.Unlock()
		return ErrNoDestination
	}
	seq := s.patterns.Sequence()
	if len(seq) == 0 {
		s.mu.Unlock()
		return ErrNoPattern
	}
	pos := s.patterns.Position()
	if pos < 0 || pos >= len(seq) {
		pos = 0
	}
	now := s.clock.Now()
	s.cursor = Cursor{
		PatternIndex: pos,
		PatternID:    seq[pos],
		Row:          0,
		NextFireTime: now,
		Tempo:        s.cursor.Tempo,
	}
	s.anchorTime, s.anchorSteps = now, 0
	s.seqGen = s.patterns.Generation()
	s.queue = s.queue[:0]
	s.heard = false
	s.vibShape = [pattern.MaxChannels]lfo.Shape{}
	s.state = StateRunning
	s.mu.Unlock()

	s.cfg.logger.Info("scheduler started", "tempo", s.Tempo(), "pattern", seq[pos], "at", now)
	if err := s.poll(); err != nil {
		return err
	}
	if !s.cfg.manual {
		s.task.Start()
	}
	return nil
}

// Stop cancels the poll and rewinds the row. Voices already fired into the
// future are left to play out.
func (s *Scheduler) Stop() {
	s.task.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	s.cursor.Row = 0
	s.queue = s.queue[:0]
	s.heard = false
	s.cfg.logger.Info("scheduler stopped")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Running() bool { return s.State() == StateRunning }

// Cursor returns a copy of the playback cursor.
func (s *Scheduler) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) Tempo() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Tempo
}

// SetTempo changes the row rate from the next unscheduled row on and returns
// the clamped tempo. Rows already inside the horizon keep their times.
func (s *Scheduler) SetTempo(bpm int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTempo(bpm)
	return s.cursor.Tempo
}

// AdjustTempo shifts the tempo by delta and returns the result.
func (s *Scheduler) AdjustTempo(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTempo(s.cursor.Tempo + delta)
	return s.cursor.Tempo
}

func (s *Scheduler) setTempo(bpm int) {
	bpm = ClampTempo(bpm)
	if bpm == s.cursor.Tempo {
		return
	}
	s.cursor.Tempo = bpm
	s.anchorTime, s.anchorSteps = s.cursor.NextFireTime, 0
}

// Playing returns the most recent scheduled row whose time has been reached
// on the clock, which is the row the listener is hearing.
func (s *Scheduler) Playing() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainHeard(s.clock.Now())
	return s.last, s.heard
}

// must hold s.mu
func (s *Scheduler) drainHeard(now float64) {
	n := 0
	for n < len(s.queue) && s.queue[n].Time <= now {
		s.last = s.queue[n]
		s.heard = true
		n++
	}
	s.queue = append(s.queue[:0], s.queue[n:]...)
}

// Poll runs one scheduling pass: every row due before clock.Now()+horizon is
// fired. Any error other than a per-note skip stops the scheduler.
func (s *Scheduler) Poll() {
	_ = s.poll()
}

func (s *Scheduler) poll() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	steps, err := s.fill()
	s.mu.Unlock()

	if err != nil {
		s.fault(err)
		return err
	}
	if s.cfg.onStep != nil {
		for _, st := range steps {
			s.cfg.onStep(st)
		}
	}
	return nil
}

func (s *Scheduler) fault(err error) {
	s.Stop()
	s.cfg.logger.Error("scheduler stopped on fault", "err", err)
	if s.cfg.onFault != nil {
		s.cfg.onFault(err)
	}
}

// must hold s.mu
func (s *Scheduler) fill() (steps []Step, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("scheduler: poll panicked: %v", r)
		}
	}()

	if gen := s.patterns.Generation(); gen != s.seqGen {
		s.seqGen = gen
		s.cursor.PatternIndex = s.patterns.Position()
		s.cursor.Row = 0
		s.cfg.logger.Debug("sequence replaced, cursor rewound", "index", s.cursor.PatternIndex)
	}
	seq := s.patterns.Sequence()
	if len(seq) == 0 {
		return nil, ErrNoPattern
	}

	now := s.clock.Now()
	s.drainHeard(now)
	horizon := now + s.cfg.horizon.Seconds()
	for s.cursor.NextFireTime < horizon {
		if s.cursor.PatternIndex < 0 || s.cursor.PatternIndex >= len(seq) {
			s.cursor.PatternIndex = 0
		}
		id := seq[s.cursor.PatternIndex]
		rows := s.patterns.Rows(id)
		if rows == 0 {
			return steps, errors.Errorf("scheduler: pattern %d in sequence no longer exists", id)
		}
		if s.cursor.Row >= rows {
			s.cursor.Row = 0
		}
		s.cursor.PatternID = id

		step, jump := s.scheduleRow(id, s.cursor.Row, s.cursor.NextFireTime)
		step.PatternIndex = s.cursor.PatternIndex
		s.queue = append(s.queue, step)
		steps = append(steps, step)

		s.advance(rows, len(seq), jump)
	}
	return steps, nil
}

// must hold s.mu
func (s *Scheduler) advance(rows, seqLen int, jump bool) {
	s.anchorSteps++
	s.cursor.NextFireTime = s.anchorTime + float64(s.anchorSteps)*StepDuration(s.cursor.Tempo)
	s.cursor.Row++
	if jump || s.cursor.Row >= rows {
		s.cursor.Row = 0
		s.cursor.PatternIndex = (s.cursor.PatternIndex + 1) % seqLen
	}
}

// scheduleRow fires every sounding cell of the row at the given time. It
// reports whether a pattern break asked to leave the pattern after this row.
func (s *Scheduler) scheduleRow(id, row int, at float64) (Step, bool) {
	step := Step{PatternID: id, Row: row, Time: at}
	cells, ok := s.patterns.Row(id, row)
	if !ok {
		return step, false
	}
	jump := false
	for ch, cell := range cells {
		switch cell.Effect {
		case pattern.EffectBreak:
			jump = true
		case pattern.EffectSetSpeed:
			// tracker convention: values of 32 and up are a tempo
			if cell.EffectParam >= 32 {
				s.setTempo(cell.EffectParam)
			}
		case pattern.EffectExtended:
			if cell.EffectParam>>4 == extVibratoShape && ch < len(s.vibShape) {
				s.vibShape[ch] = lfo.Shape(cell.EffectParam & 0x3)
			}
		}
		if cell.IsRest() {
			continue
		}
		if err := s.fireCell(ch, cell, at); err != nil {
			s.cfg.logger.Debug("note skipped", "pattern", id, "row", row, "channel", ch, "sample", cell.Sample, "err", err)
			continue
		}
		step.Voices++
	}
	return step, jump
}

// must hold s.mu
func (s *Scheduler) fireCell(ch int, cell pattern.Cell, at float64) error {
	smp, ok := s.samples.Get(cell.Sample)
	if !ok {
		return ErrMissingSample
	}
	note, err := pattern.ParseNote(cell.Note)
	if err != nil {
		return err
	}
	p := graph.VoiceParams{
		Buffer:     smp.Data,
		BufferRate: smp.SampleRate,
		Rate:       graph.PlaybackRate(float64(note.MIDI() - smp.BaseNote)),
		LoopStart:  smp.LoopStart,
		LoopEnd:    smp.LoopEnd,
	}
	if cell.Effect == pattern.EffectVibrato && cell.EffectParam != pattern.Unset {
		p.VibratoRate = float64(cell.EffectParam >> 4)
		p.VibratoDepth = float64(cell.EffectParam&0xF) * vibratoDepthUnit
		if ch < len(s.vibShape) {
			p.VibratoShape = s.vibShape[ch]
		}
	}
	v, err := s.voices.MakeVoice(graph.KindSample, p)
	if err != nil {
		return errors.Wrap(err, "scheduler: make voice")
	}
	return s.voices.Fire(v, at, cellGain(cell))
}

// cellGain is the cell volume as a linear gain. A set-volume effect
// overrides the volume column.
func cellGain(c pattern.Cell) float64 {
	if c.Effect == pattern.EffectSetVolume && c.EffectParam != pattern.Unset {
		p := c.EffectParam
		if p > pattern.MaxVolume {
			p = pattern.MaxVolume
		}
		return float64(p) / pattern.MaxVolume
	}
	return c.Gain()
}
