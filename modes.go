package tracker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	intana "github.com/cbegin/tracker-go/internal/analysis"
	intaudio "github.com/cbegin/tracker-go/internal/audio"
	intgraph "github.com/cbegin/tracker-go/internal/graph"
	intsched "github.com/cbegin/tracker-go/internal/scheduler"
)

const (
	toneAttack  = 0.05 // seconds
	toneRelease = 0.1
	volumeRamp  = 20 * time.Millisecond
)

// Metrics is the snapshot the UI polls. Intensities are band energies in
// [0,1] formatted with three decimals.
type Metrics struct {
	BPM           int       `json:"bpm"`
	CurrentRow    int       `json:"currentRow"`
	IsPlaying     bool      `json:"isPlaying"`
	BassIntensity string    `json:"bassIntensity"`
	MidIntensity  string    `json:"midIntensity"`
	HighIntensity string    `json:"highIntensity"`
	Waveform      []float64 `json:"waveform"`
	SampleList    []string  `json:"sampleList"`
}

// modeEngine is the capability set every audio mode implements. Tone mode
// holds one long-lived voice; the sequencer fires one-shot voices.
type modeEngine interface {
	initialize(ctx context.Context) error
	initialized() bool
	start(ctx context.Context) error
	stop(ctx context.Context) error
	playing() bool
	setVolume(v float64) error
	volume() float64
	setPitch(p float64) error
	pitch() float64
	setTempo(bpm int)
	metrics() *Metrics
	cleanup(ctx context.Context) error
}

type modeSettings struct {
	volume float64
	pitch  float64
	tempo  int
}

// session is the per-mode audio session: device, graph and analyzer. It is
// built on first initialize and rebuilt only after cleanup.
type session struct {
	m        *Manager
	dev      intaudio.Device
	graph    *intgraph.Graph
	analyzer *intana.Analyzer
	tapped   bool
}

func (s *session) open(ctx context.Context) error {
	if s.graph == nil {
		dev, err := s.m.cfg.devices(s.m.cfg.sampleRate)
		if err != nil {
			return errors.Wrap(err, "tracker: open audio device")
		}
		opts := append([]intgraph.Option{intgraph.WithLogger(s.m.cfg.logger)}, s.m.cfg.graphOptions...)
		s.dev = dev
		s.graph = intgraph.New(dev, opts...)
		s.analyzer = intana.New(s.m.cfg.sampleRate)
	}
	if err := s.graph.Setup(ctx); err != nil {
		return err
	}
	if !s.tapped {
		s.graph.Tap(s.analyzer.Tap)
		s.tapped = true
	}
	return nil
}

func (s *session) ready() bool {
	return s.graph != nil && s.graph.Initialized()
}

func (s *session) close(ctx context.Context) error {
	if s.graph == nil {
		return nil
	}
	s.tapped = false
	return s.graph.Teardown(ctx, true)
}

func (s *session) fill(out *Metrics) {
	if s.analyzer == nil {
		out.BassIntensity, out.MidIntensity, out.HighIntensity = "0.000", "0.000", "0.000"
		out.Waveform = make([]float64, intana.WaveformLength)
		return
	}
	b := s.analyzer.Bands()
	out.BassIntensity = formatIntensity(b.Bass)
	out.MidIntensity = formatIntensity(b.Mid)
	out.HighIntensity = formatIntensity(b.High)
	out.Waveform = s.analyzer.Waveform()
}

func formatIntensity(v float64) string {
	return strconv.FormatFloat(clamp01(v), 'f', 3, 64)
}

// toneMode plays one oscillator until stopped.
type toneMode struct {
	mu    sync.Mutex
	sess  session
	voice *intgraph.Voice
	vol   float64
	pit   float64
	tempo int
	base  float64
}

func newToneMode(m *Manager, s modeSettings) *toneMode {
	return &toneMode{
		sess:  session{m: m},
		vol:   s.volume,
		pit:   s.pitch,
		tempo: s.tempo,
		base:  m.cfg.toneFrequency,
	}
}

func (t *toneMode) initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.open(ctx)
}

func (t *toneMode) initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.ready()
}

func (t *toneMode) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.voice != nil {
		return nil
	}
	g := t.sess.graph
	v, err := g.MakeVoice(intgraph.KindTone, intgraph.VoiceParams{
		Frequency:    t.base * t.pit,
		Waveform:     intgraph.WaveSine,
		VibratoDepth: t.sess.m.cfg.vibratoDepth,
		VibratoRate:  t.sess.m.cfg.vibratoRate,
	})
	if err != nil {
		return err
	}
	now := g.Clock().Now()
	if err := g.Fire(v, now, 0); err != nil {
		return err
	}
	if err := v.RampGain(t.vol, now, toneAttack); err != nil {
		return err
	}
	t.voice = v
	return nil
}

// stop ramps the tone to silence and waits for the ramp before returning,
// so whatever is built next never overlaps an audible tone.
func (t *toneMode) stop(ctx context.Context) error {
	t.mu.Lock()
	v := t.voice
	t.voice = nil
	var running bool
	if v != nil {
		clock := t.sess.graph.Clock()
		running = clock.State() == intaudio.StateRunning
		now := clock.Now()
		if err := v.RampGain(0, now, toneRelease); err != nil {
			t.mu.Unlock()
			return err
		}
		if err := v.Stop(now + toneRelease); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.mu.Unlock()
	if v == nil || !running {
		return nil
	}
	return sleepCtx(ctx, time.Duration(toneRelease*float64(time.Second)))
}

func (t *toneMode) playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voice != nil
}

func (t *toneMode) setVolume(v float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vol = v
	if t.voice == nil {
		return nil
	}
	now := t.sess.graph.Clock().Now()
	return t.voice.RampGain(v, now, volumeRamp.Seconds())
}

func (t *toneMode) volume() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vol
}

func (t *toneMode) setPitch(p float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pit = p
	if t.voice == nil {
		return nil
	}
	return t.voice.SetFrequency(t.base * p)
}

func (t *toneMode) pitch() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pit
}

func (t *toneMode) setTempo(bpm int) {
	t.mu.Lock()
	t.tempo = bpm
	t.mu.Unlock()
}

func (t *toneMode) metrics() *Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &Metrics{
		BPM:        t.tempo,
		IsPlaying:  t.voice != nil,
		SampleList: t.sess.m.samples.Names(),
	}
	t.sess.fill(out)
	return out
}

func (t *toneMode) cleanup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.voice = nil
	return t.sess.close(ctx)
}

// sequencerMode plays the pattern sequence through the look-ahead scheduler.
type sequencerMode struct {
	mu     sync.Mutex
	sess   session
	sched  *intsched.Scheduler
	vol    float64
	tempo  int
	loaded bool
}

func newSequencerMode(m *Manager, s modeSettings) *sequencerMode {
	return &sequencerMode{sess: session{m: m}, vol: s.volume, tempo: s.tempo}
}

func (q *sequencerMode) initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.sess.m
	if err := q.sess.open(ctx); err != nil {
		return err
	}
	if err := q.sess.graph.SetMasterGain(q.vol, 0); err != nil {
		return err
	}
	if !q.loaded && len(m.cfg.samples) > 0 {
		if failed := m.samples.LoadAll(ctx, m.cfg.samples); len(failed) > 0 {
			m.cfg.logger.Warn("samples failed to load", "names", failed)
		}
		q.loaded = true
	}
	if q.sched == nil {
		opts := []intsched.Option{
			intsched.WithTempo(q.tempo),
			intsched.WithLogger(m.cfg.logger),
		}
		opts = append(opts, m.cfg.schedOptions...)
		opts = append(opts, intsched.WithOnFault(func(err error) { m.fault(q, err) }))
		q.sched = intsched.New(q.sess.graph.Clock(), m.patterns, m.samples, q.sess.graph, opts...)
	}
	return nil
}

func (q *sequencerMode) initialized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sched != nil && q.sess.ready()
}

func (q *sequencerMode) start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sched.Start()
}

// stop ends scheduling. Rows already handed to the graph play out.
func (q *sequencerMode) stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sched != nil {
		q.sched.Stop()
	}
	return nil
}

func (q *sequencerMode) playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sched != nil && q.sched.Running()
}

func (q *sequencerMode) setVolume(v float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.vol = v
	if !q.sess.ready() {
		return nil
	}
	return q.sess.graph.SetMasterGain(v, volumeRamp)
}

func (q *sequencerMode) volume() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.vol
}

func (q *sequencerMode) setPitch(p float64) error { return nil }

func (q *sequencerMode) pitch() float64 { return 1 }

func (q *sequencerMode) setTempo(bpm int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tempo = bpm
	if q.sched != nil {
		q.sched.SetTempo(bpm)
	}
}

func (q *sequencerMode) metrics() *Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := &Metrics{
		BPM:        q.tempo,
		SampleList: q.sess.m.samples.Names(),
	}
	if q.sched != nil {
		out.BPM = q.sched.Tempo()
		out.IsPlaying = q.sched.Running()
		if st, ok := q.sched.Playing(); ok {
			out.CurrentRow = st.Row
		}
	}
	q.sess.fill(out)
	return out
}

func (q *sequencerMode) cleanup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sched != nil {
		q.sched.Stop()
	}
	return q.sess.close(ctx)
}
