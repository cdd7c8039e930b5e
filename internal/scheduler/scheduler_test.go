package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/tracker-go/internal/audio"
	"github.com/cbegin/tracker-go/internal/graph"
	"github.com/cbegin/tracker-go/internal/lfo"
	"github.com/cbegin/tracker-go/internal/pattern"
	"github.com/cbegin/tracker-go/internal/samples"
)

const testRate = 48000

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t float64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type firing struct {
	at, now, gain float64
	params        graph.VoiceParams
}

// recorder forwards to a real graph and remembers every fire.
type recorder struct {
	*graph.Graph
	clock Clock

	mu     sync.Mutex
	made   int
	params map[*graph.Voice]graph.VoiceParams
	fired  []firing
}

func (r *recorder) MakeVoice(kind graph.Kind, p graph.VoiceParams) (*graph.Voice, error) {
	v, err := r.Graph.MakeVoice(kind, p)
	if err == nil {
		r.mu.Lock()
		r.made++
		r.params[v] = p
		r.mu.Unlock()
	}
	return v, err
}

func (r *recorder) Fire(v *graph.Voice, at float64, gain float64) error {
	if err := r.Graph.Fire(v, at, gain); err != nil {
		return err
	}
	r.mu.Lock()
	r.fired = append(r.fired, firing{at: at, now: r.clock.Now(), gain: gain, params: r.params[v]})
	r.mu.Unlock()
	return nil
}

func (r *recorder) firings() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.fired...)
}

func (r *recorder) voicesMade() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.made
}

type stepLog struct {
	mu    sync.Mutex
	steps []Step
}

func (l *stepLog) add(st Step) {
	l.mu.Lock()
	l.steps = append(l.steps, st)
	l.mu.Unlock()
}

func (l *stepLog) all() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Step(nil), l.steps...)
}

type rig struct {
	clock    *fakeClock
	patterns *pattern.Store
	samples  *samples.Store
	voices   *recorder
	dev      *audio.OfflineDevice
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dev := audio.NewOfflineDevice(testRate)
	g := graph.New(dev, graph.WithFadeOut(0))
	require.NoError(t, g.Setup(context.Background()))
	clock := &fakeClock{}
	smp := samples.NewStore()
	require.True(t, smp.Put("kick", []float32{1, 0.5, 0.25}, testRate, samples.Options{}))
	return &rig{
		clock:    clock,
		patterns: pattern.NewStore(),
		samples:  smp,
		voices:   &recorder{Graph: g, clock: clock, params: map[*graph.Voice]graph.VoiceParams{}},
		dev:      dev,
	}
}

// filled creates a pattern with a kick on channel 0 of every row.
func (r *rig) filled(t *testing.T, rows int) int {
	t.Helper()
	id := r.patterns.CreatePattern(rows, 2)
	for row := 0; row < rows; row++ {
		require.True(t, r.patterns.SetCell(id, row, 0, pattern.NoteCell("C4", "kick")))
	}
	return id
}

func (r *rig) scheduler(opts ...Option) *Scheduler {
	return New(r.clock, r.patterns, r.samples, r.voices, opts...)
}

func TestStepDuration(t *testing.T) {
	assert.Equal(t, 0.125, StepDuration(120))
	assert.Equal(t, 0.25, StepDuration(60))
	assert.InDelta(t, 0.075, StepDuration(200), 1e-12)
}

func TestClampTempo(t *testing.T) {
	assert.Equal(t, 60, ClampTempo(10))
	assert.Equal(t, 200, ClampTempo(999))
	assert.Equal(t, 133, ClampTempo(133))
}

func TestStartRequiresDestinationAndPattern(t *testing.T) {
	r := newRig(t)
	s := r.scheduler()
	assert.ErrorIs(t, s.Start(), ErrNoPattern)

	r.filled(t, 4)
	unready := graph.New(audio.NewOfflineDevice(testRate))
	s = New(r.clock, r.patterns, r.samples, unready)
	assert.ErrorIs(t, s.Start(), ErrNoDestination)
	assert.Equal(t, StateStopped, s.State())
}

func TestWrapAroundAcrossSequence(t *testing.T) {
	r := newRig(t)
	a := r.filled(t, 4)
	b := r.filled(t, 8)
	require.True(t, r.patterns.SetSequence([]int{a, b}))

	s := r.scheduler()
	require.NoError(t, s.Start())
	defer s.Stop()

	// rows at 0, .125, .25, .375 fall inside a horizon ending at .5
	r.clock.Set(0.4)
	s.Poll()
	c := s.Cursor()
	assert.Equal(t, 1, c.PatternIndex)
	assert.Equal(t, b, c.PatternID)
	assert.Equal(t, 0, c.Row)

	r.clock.Set(1.4)
	s.Poll()
	c = s.Cursor()
	assert.Equal(t, 0, c.PatternIndex)
	assert.Equal(t, 0, c.Row)
	assert.Len(t, r.voices.firings(), 12)
}

func TestSixteenStepsAreTwoSecondsAt120(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 64)}))
	s := r.scheduler(WithTempo(120))
	require.NoError(t, s.Start())
	defer s.Stop()

	// irregular poll spacing must not change musical time
	for _, now := range []float64{0.03, 0.031, 0.5, 0.77, 1.2, 1.9} {
		r.clock.Set(now)
		s.Poll()
	}
	fired := r.voices.firings()
	require.Len(t, fired, 16)
	assert.Equal(t, 2.0, s.Cursor().NextFireTime)
	for i, f := range fired {
		assert.InDelta(t, float64(i)*0.125, f.at, 1e-12)
	}
}

func TestLookAheadBound(t *testing.T) {
	const horizon = 100 * time.Millisecond
	const poll = 25 * time.Millisecond
	for _, tempo := range []int{60, 97, 120, 151, 200} {
		r := newRig(t)
		require.True(t, r.patterns.SetSequence([]int{r.filled(t, 16)}))
		s := r.scheduler(WithTempo(tempo), WithHorizon(horizon), WithPollInterval(poll))
		require.NoError(t, s.Start())

		for now := 0.0; now < 5; now += poll.Seconds() {
			r.clock.Set(now)
			s.Poll()
		}
		s.Stop()

		fired := r.voices.firings()
		require.NotEmpty(t, fired)
		for i, f := range fired {
			assert.Less(t, f.at, f.now+horizon.Seconds(), "tempo %d row %d beyond horizon", tempo, i)
			assert.GreaterOrEqual(t, f.at, f.now, "tempo %d row %d scheduled in the past", tempo, i)
			if i > 0 {
				assert.InDelta(t, StepDuration(tempo), f.at-fired[i-1].at, 1e-9)
			}
		}
	}
}

func TestRestsNeverCreateVoices(t *testing.T) {
	r := newRig(t)
	id := r.patterns.CreatePattern(4, 3)
	rest := pattern.Cell{Sample: "kick", Volume: 64, Effect: pattern.EffectSetVolume, EffectParam: 10}
	for row := 0; row < 4; row++ {
		for ch := 0; ch < 3; ch++ {
			require.True(t, r.patterns.SetCell(id, row, ch, rest))
		}
	}
	require.True(t, r.patterns.SetSequence([]int{id}))

	log := &stepLog{}
	s := r.scheduler(WithOnStep(log.add))
	require.NoError(t, s.Start())
	r.clock.Set(1)
	s.Poll()
	s.Stop()

	assert.Zero(t, r.voices.voicesMade())
	steps := log.all()
	assert.NotEmpty(t, steps)
	for _, st := range steps {
		assert.Zero(t, st.Voices)
	}
}

func TestMissingSampleSkipsOnlyThatNote(t *testing.T) {
	r := newRig(t)
	id := r.patterns.CreatePattern(4, 2)
	require.True(t, r.patterns.SetCell(id, 0, 0, pattern.NoteCell("C4", "ghost")))
	require.True(t, r.patterns.SetCell(id, 0, 1, pattern.NoteCell("C4", "kick")))
	require.True(t, r.patterns.SetSequence([]int{id}))

	log := &stepLog{}
	s := r.scheduler(WithOnStep(log.add))
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.True(t, s.Running())
	steps := log.all()
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Voices)
	assert.Len(t, r.voices.firings(), 1)
}

func TestPitchAndGainFromCell(t *testing.T) {
	r := newRig(t)
	require.True(t, r.samples.Put("bass", []float32{1, 1}, 24000, samples.Options{BaseNote: 48}))
	id := r.patterns.CreatePattern(4, 3)
	loud := pattern.NoteCell("C4", "bass")
	half := pattern.NoteCell("C3", "bass")
	half.Volume = 32
	forced := pattern.NoteCell("C3", "bass")
	forced.Volume = 64
	forced.Effect = pattern.EffectSetVolume
	forced.EffectParam = 16
	require.True(t, r.patterns.SetCell(id, 0, 0, loud))
	require.True(t, r.patterns.SetCell(id, 0, 1, half))
	require.True(t, r.patterns.SetCell(id, 0, 2, forced))
	require.True(t, r.patterns.SetSequence([]int{id}))

	s := r.scheduler()
	require.NoError(t, s.Start())
	defer s.Stop()

	fired := r.voices.firings()
	require.Len(t, fired, 3)
	byGain := map[float64]firing{}
	for _, f := range fired {
		byGain[f.gain] = f
	}
	require.Contains(t, byGain, 1.0)
	require.Contains(t, byGain, 0.5)
	require.Contains(t, byGain, 0.25)
	assert.InDelta(t, 2, byGain[1.0].params.Rate, 1e-12, "an octave above the base note")
	assert.InDelta(t, 1, byGain[0.5].params.Rate, 1e-12)
	assert.Equal(t, 24000, byGain[0.5].params.BufferRate)
}

func TestDoubleStartDoesNotRearm(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 8)}))
	s := r.scheduler()
	require.NoError(t, s.Start())
	r.clock.Set(0.2)
	s.Poll()
	before := s.Cursor()

	require.NoError(t, s.Start())
	assert.Equal(t, before, s.Cursor(), "second start must not reset the cursor")
	assert.Len(t, r.voices.firings(), 3)
	s.Stop()
	assert.False(t, s.task.Running())
}

func TestStopRewindsAndRestartUsesCurrentTime(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 8)}))
	s := r.scheduler()
	require.NoError(t, s.Start())
	r.clock.Set(0.3)
	s.Poll()
	s.Stop()
	assert.Equal(t, 0, s.Cursor().Row)
	assert.Equal(t, StateStopped, s.State())

	n := len(r.voices.firings())
	s.Poll()
	assert.Len(t, r.voices.firings(), n, "a stopped scheduler schedules nothing")

	r.clock.Set(10)
	require.NoError(t, s.Start())
	defer s.Stop()
	fired := r.voices.firings()
	assert.Equal(t, 10.0, fired[len(fired)-1].at)
}

func TestTempoChangeIsNotRetroactive(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 16)}))
	s := r.scheduler()
	require.NoError(t, s.Start())
	defer s.Stop()
	r.clock.Set(0.02)
	s.Poll()
	require.Equal(t, 0.125, s.Cursor().NextFireTime)

	assert.Equal(t, 60, s.SetTempo(30))
	assert.Equal(t, 70, s.AdjustTempo(10))
	assert.Equal(t, 0.125, s.Cursor().NextFireTime, "the next row keeps its time")

	r.clock.Set(0.3)
	s.Poll()
	fired := r.voices.firings()
	require.Len(t, fired, 3)
	assert.InDelta(t, 0.125, fired[1].at, 1e-12)
	assert.InDelta(t, 0.125+StepDuration(70), fired[2].at, 1e-12)
}

func TestPatternBreakAndTempoEffects(t *testing.T) {
	r := newRig(t)
	a := r.filled(t, 4)
	b := r.filled(t, 4)
	brk := pattern.NoteCell("C4", "kick")
	brk.Effect = pattern.EffectBreak
	brk.EffectParam = 0
	require.True(t, r.patterns.SetCell(a, 1, 0, brk))
	speed := pattern.Blank()
	speed.Effect = pattern.EffectSetSpeed
	speed.EffectParam = 60
	require.True(t, r.patterns.SetCell(b, 0, 1, speed))
	require.True(t, r.patterns.SetSequence([]int{a, b}))

	log := &stepLog{}
	s := r.scheduler(WithOnStep(log.add))
	require.NoError(t, s.Start())
	defer s.Stop()
	r.clock.Set(0.6)
	s.Poll()

	steps := log.all()
	require.GreaterOrEqual(t, len(steps), 4)
	assert.Equal(t, a, steps[1].PatternID)
	assert.Equal(t, 1, steps[1].Row)
	assert.Equal(t, b, steps[2].PatternID)
	assert.Equal(t, 0, steps[2].Row)
	assert.Equal(t, 60, s.Tempo())
	assert.InDelta(t, steps[2].Time+0.25, steps[3].Time, 1e-12)
}

func TestSequenceChangeRewindsCursor(t *testing.T) {
	r := newRig(t)
	a := r.filled(t, 8)
	b := r.filled(t, 8)
	require.True(t, r.patterns.SetSequence([]int{a}))
	s := r.scheduler()
	require.NoError(t, s.Start())
	defer s.Stop()
	r.clock.Set(0.3)
	s.Poll()
	require.NotZero(t, s.Cursor().Row)

	require.True(t, r.patterns.SetSequence([]int{b, a}))
	r.clock.Set(0.31)
	s.Poll()
	c := s.Cursor()
	assert.Equal(t, 0, c.PatternIndex)
	assert.Equal(t, b, c.PatternID)
	assert.Equal(t, 1, c.Row)
}

func TestPlayingTracksTheAudibleRow(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 8)}))
	s := r.scheduler()
	require.NoError(t, s.Start())
	defer s.Stop()

	st, ok := s.Playing()
	require.True(t, ok)
	assert.Equal(t, 0, st.Row)

	r.clock.Set(0.3)
	s.Poll()
	st, ok = s.Playing()
	require.True(t, ok)
	assert.Equal(t, 2, st.Row)
	assert.Equal(t, 4, s.Cursor().Row, "row 3 is scheduled but not yet heard")
}

type brokenPatterns struct {
	*pattern.Store
	mu     sync.Mutex
	broken bool
}

func (p *brokenPatterns) Row(id, row int) (pattern.Row, bool) {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken {
		panic("corrupted row")
	}
	return p.Store.Row(id, row)
}

func TestPollFaultStopsScheduler(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 8)}))
	patterns := &brokenPatterns{Store: r.patterns}

	faults := make(chan error, 1)
	s := New(r.clock, patterns, r.samples, r.voices, WithOnFault(func(err error) { faults <- err }))
	require.NoError(t, s.Start())

	patterns.mu.Lock()
	patterns.broken = true
	patterns.mu.Unlock()
	r.clock.Set(0.5)
	s.Poll()

	select {
	case err := <-faults:
		assert.Contains(t, err.Error(), "corrupted row")
	case <-time.After(time.Second):
		t.Fatal("fault callback not called")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.task.Running())
}

func TestScheduledRowsReachTheOutput(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 4)}))
	s := New(r.voices.Clock(), r.patterns, r.samples, r.voices)
	require.NoError(t, s.Start())
	defer s.Stop()

	out := r.dev.Render(testRate / 20)
	peak := float32(0)
	for _, v := range out {
		if v > peak {
			peak = v
		}
	}
	assert.Greater(t, peak, float32(0.1))
}

func TestTaskRunsUntilStopped(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	task := NewTask(time.Millisecond, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	require.True(t, task.Start())
	assert.False(t, task.Start(), "already armed")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, time.Second, time.Millisecond)
	task.Stop()
	mu.Lock()
	after := runs
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, runs, after+1)
	mu.Unlock()
}

func TestVibratoEffectAndWaveform(t *testing.T) {
	r := newRig(t)
	id := r.patterns.CreatePattern(4, 2)
	wobble := pattern.NoteCell("C4", "kick")
	wobble.Effect = pattern.EffectVibrato
	wobble.EffectParam = 0x52
	square := pattern.Blank()
	square.Effect = pattern.EffectExtended
	square.EffectParam = 0x42
	deep := pattern.NoteCell("C4", "kick")
	deep.Effect = pattern.EffectVibrato
	deep.EffectParam = 0x38
	require.True(t, r.patterns.SetCell(id, 0, 0, wobble))
	require.True(t, r.patterns.SetCell(id, 0, 1, square))
	require.True(t, r.patterns.SetCell(id, 1, 0, pattern.NoteCell("C4", "kick")))
	require.True(t, r.patterns.SetCell(id, 1, 1, deep))
	require.True(t, r.patterns.SetSequence([]int{id}))

	s := r.scheduler(WithManualPoll())
	require.NoError(t, s.Start())
	defer s.Stop()
	r.clock.Set(0.05)
	s.Poll()

	fired := r.voices.firings()
	require.Len(t, fired, 3)
	assert.Equal(t, 5.0, fired[0].params.VibratoRate)
	assert.Equal(t, 0.25, fired[0].params.VibratoDepth)
	assert.Equal(t, lfo.ShapeSine, fired[0].params.VibratoShape)

	assert.Zero(t, fired[1].params.VibratoDepth, "vibrato lasts one cell")

	assert.Equal(t, 3.0, fired[2].params.VibratoRate)
	assert.Equal(t, 1.0, fired[2].params.VibratoDepth)
	assert.Equal(t, lfo.ShapeSquare, fired[2].params.VibratoShape, "E42 on the channel picks square")
}

func TestManualPollLeavesTaskUnarmed(t *testing.T) {
	r := newRig(t)
	require.True(t, r.patterns.SetSequence([]int{r.filled(t, 16)}))
	s := r.scheduler(WithManualPoll(), WithPollInterval(time.Millisecond))
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.False(t, s.task.Running())
	first := len(r.voices.firings())
	require.NotZero(t, first)

	r.clock.Set(1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.voices.firings(), first, "nothing polls in the background")

	s.Poll()
	assert.Greater(t, len(r.voices.firings()), first)
}
