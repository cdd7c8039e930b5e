package lfo

import "math"

// Shape selects the modulation waveform.
type Shape int

// The order follows the tracker vibrato waveform command (E4x).
const (
	ShapeSine Shape = iota
	ShapeSaw
	ShapeSquare
	ShapeRandom
)

// LFO produces per-frame modulation for a single voice. The output is in the
// units of depth (the graph uses semitones for vibrato).
type LFO struct {
	depth  float64
	rateHz float64
	shape  Shape
	phase  float64 // [0, 1)
	held   float64 // sample-and-hold value for ShapeRandom
	seed   uint32
}

// Set configures the LFO. Unknown shapes fall back to sine.
func (l *LFO) Set(depth, rateHz float64, shape Shape) {
	l.depth = depth
	l.rateHz = rateHz
	if shape < ShapeSine || shape > ShapeRandom {
		shape = ShapeSine
	}
	l.shape = shape
}

// Next returns the value for the current frame and advances by one frame.
// It returns 0 while depth or rate is zero.
func (l *LFO) Next(sampleRate float64) float64 {
	if !l.Active() || sampleRate <= 0 {
		return 0
	}

	var v float64
	switch l.shape {
	case ShapeSquare:
		v = 1.0
		if l.phase >= 0.5 {
			v = -1.0
		}
	case ShapeSaw:
		v = 1.0 - 2.0*l.phase
	case ShapeRandom:
		v = l.held
	default:
		v = math.Sin(2 * math.Pi * l.phase)
	}

	prev := l.phase
	l.phase += l.rateHz / sampleRate
	l.phase -= math.Floor(l.phase)
	if l.shape == ShapeRandom && l.phase < prev {
		l.held = l.nextRandom()
	}
	return v * l.depth
}

// nextRandom is a xorshift32 step mapped to [-1, 1).
func (l *LFO) nextRandom() float64 {
	if l.seed == 0 {
		l.seed = 0x9e3779b9
	}
	l.seed ^= l.seed << 13
	l.seed ^= l.seed >> 17
	l.seed ^= l.seed << 5
	return float64(l.seed)/float64(1<<31) - 1.0
}

func (l *LFO) Depth() float64 { return l.depth }

func (l *LFO) Rate() float64 { return l.rateHz }

func (l *LFO) Shape() Shape { return l.shape }

func (l *LFO) Active() bool {
	return l.depth != 0 && l.rateHz != 0
}

func (l *LFO) Reset() {
	l.phase = 0
	l.held = 0
	l.seed = 0
}
