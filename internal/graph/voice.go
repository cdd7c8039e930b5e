package graph

import (
	"math"

	"github.com/cbegin/tracker-go/internal/lfo"
)

const twoPi = math.Pi * 2

type Kind int

const (
	KindTone Kind = iota
	KindSample
)

func (k Kind) String() string {
	switch k {
	case KindTone:
		return "tone"
	case KindSample:
		return "sample"
	default:
		return "unknown"
	}
}

type Waveform int

const (
	WaveSine Waveform = iota
	WaveSquare
	WaveSawtooth
	WaveTriangle
)

// VoiceParams describes the generator of a voice. Tone voices use the
// oscillator fields, sample voices the buffer fields. Vibrato applies to both.
type VoiceParams struct {
	Frequency    float64
	Waveform     Waveform
	VibratoDepth float64 // semitones
	VibratoRate  float64 // Hz
	VibratoShape lfo.Shape

	Buffer     []float32 // mono
	BufferRate int       // sample rate of Buffer
	Rate       float64   // playback rate, 1 = original pitch
	LoopStart  float64   // seconds; looping needs an explicit stop time
	LoopEnd    float64
}

// PlaybackRate returns the rate that shifts a sample by semitones.
func PlaybackRate(semitones float64) float64 {
	return math.Pow(2, semitones/12)
}

type voiceState int

const (
	voiceIdle voiceState = iota
	voiceScheduled
	voiceDone
)

// Voice is a one-shot generator plus its gain stage. Once fired it can never
// be fired again; make a new voice for the next sound. All fields are guarded
// by the owning graph's mutex.
type Voice struct {
	g    *Graph
	id   uint64
	kind Kind

	freq    float64
	wave    Waveform
	phase   float64
	vibrato lfo.LFO

	buf       []float32
	step      float64
	pos       float64
	loopStart float64
	loopEnd   float64

	gain      automation
	start     int64
	stop      int64
	state     voiceState
	connected bool
}

func (v *Voice) ID() uint64 { return v.id }

func (v *Voice) Kind() Kind { return v.kind }

// Started reports whether the voice has been fired.
func (v *Voice) Started() bool {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	return v.state != voiceIdle
}

// Done reports whether the generator has finished and left the graph.
func (v *Voice) Done() bool {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	return v.state == voiceDone || !v.connected
}

// StartTime returns the absolute clock time the voice was fired at.
func (v *Voice) StartTime() float64 {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	return float64(v.start) / float64(v.g.sampleRate())
}

// StopTime returns the scheduled stop time, if any.
func (v *Voice) StopTime() (float64, bool) {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	if v.stop < 0 {
		return 0, false
	}
	return float64(v.stop) / float64(v.g.sampleRate()), true
}

// GainAt returns the voice gain at clock time t.
func (v *Voice) GainAt(t float64) float64 {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	return v.gain.at(v.g.clock.FrameAt(t))
}

// SetGain jumps to gain at clock time at.
func (v *Voice) SetGain(gain, at float64) error {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	if !v.connected || v.state == voiceDone {
		return ErrDisconnected
	}
	v.gain.set(gain, v.g.clock.FrameAt(at))
	return nil
}

// RampGain moves the gain linearly to target between at and at+dur.
func (v *Voice) RampGain(target, at, dur float64) error {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	if !v.connected || v.state == voiceDone {
		return ErrDisconnected
	}
	c := v.g.clock
	v.gain.rampTo(target, c.FrameAt(at), c.FrameAt(at+dur))
	return nil
}

// SetFrequency retunes a tone voice immediately.
func (v *Voice) SetFrequency(hz float64) error {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	if v.kind != KindTone {
		return ErrWrongKind
	}
	v.freq = hz
	return nil
}

// Stop schedules the generator to stop at clock time at. A voice can be
// stopped once, and only after it has been fired.
func (v *Voice) Stop(at float64) error {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	switch {
	case v.state == voiceIdle:
		return ErrNotStarted
	case v.state == voiceDone || v.stop >= 0:
		return ErrVoiceSpent
	}
	v.stop = v.g.clock.FrameAt(at)
	if v.stop < v.start {
		v.stop = v.start
	}
	return nil
}

// Vibrato returns the pitch modulation depth in semitones and rate in Hz.
func (v *Voice) Vibrato() (depth, rateHz float64) {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	return v.vibrato.Depth(), v.vibrato.Rate()
}

// Disconnect removes the voice from the graph without playing it further.
func (v *Voice) Disconnect() {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	v.connected = false
	v.state = voiceDone
}

// render mixes the voice into dst, which starts at absolute frame start.
func (v *Voice) render(dst []float32, start int64, sr float64) {
	frames := len(dst) / 2
	for i := 0; i < frames; i++ {
		f := start + int64(i)
		if f < v.start {
			continue
		}
		if v.stop >= 0 && f >= v.stop {
			v.state = voiceDone
			break
		}
		s, ok := v.next(sr)
		if !ok {
			v.state = voiceDone
			break
		}
		s *= float32(v.gain.at(f))
		dst[i*2] += s
		dst[i*2+1] += s
	}
	v.gain.advance(start + int64(frames))
}

func (v *Voice) next(sr float64) (float32, bool) {
	bend := 1.0
	if v.vibrato.Active() {
		bend = math.Pow(2, v.vibrato.Next(sr)/12)
	}
	if v.kind == KindSample {
		return v.nextSample(bend)
	}
	freq := v.freq * bend
	var s float64
	switch v.wave {
	case WaveSquare:
		s = 1
		if v.phase >= 0.5 {
			s = -1
		}
	case WaveSawtooth:
		s = 2*v.phase - 1
	case WaveTriangle:
		if v.phase < 0.5 {
			s = 4*v.phase - 1
		} else {
			s = 3 - 4*v.phase
		}
	default:
		s = math.Sin(twoPi * v.phase)
	}
	v.phase += freq / sr
	v.phase -= math.Floor(v.phase)
	return float32(s), true
}

func (v *Voice) nextSample(bend float64) (float32, bool) {
	if v.stop >= 0 && v.loopEnd > v.loopStart && v.pos >= v.loopEnd {
		v.pos -= v.loopEnd - v.loopStart
	}
	idx := int(v.pos)
	if idx >= len(v.buf) {
		return 0, false
	}
	s := v.buf[idx]
	if idx+1 < len(v.buf) {
		frac := float32(v.pos - float64(idx))
		s += (v.buf[idx+1] - s) * frac
	}
	v.pos += v.step * bend
	return s, true
}
