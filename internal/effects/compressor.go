package effects

import "math"

// Compressor implements stereo-linked dynamic range compression. Both
// channels share one envelope so the stereo image does not wander.
type Compressor struct {
	threshold float32
	ratio     float32
	attack    float32 // coefficient
	release   float32 // coefficient
	makeup    float32
	env       float32
	gain      float32
}

// NewCompressor creates a compressor effect.
// thresholdDB: threshold in dB (e.g., -24)
// ratio: compression ratio (e.g., 12 for 12:1)
// attackMs: attack time in ms
// releaseMs: release time in ms
// makeupDB: makeup gain in dB
func NewCompressor(sampleRate int, thresholdDB, ratio, attackMs, releaseMs, makeupDB float32) *Compressor {
	if ratio < 1 {
		ratio = 1
	}
	return &Compressor{
		threshold: dbToLinear(thresholdDB),
		ratio:     ratio,
		attack:    timeCoefficient(sampleRate, attackMs),
		release:   timeCoefficient(sampleRate, releaseMs),
		makeup:    dbToLinear(makeupDB),
		gain:      1,
	}
}

// NewMasterCompressor returns the master bus compressor settings used by the
// audio graph.
func NewMasterCompressor(sampleRate int) *Compressor {
	return NewCompressor(sampleRate, -24, 12, 3, 250, 0)
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	c.gain = c.computeGain(c.env)
	g := c.gain * c.makeup
	return l * g, r * g
}

func (c *Compressor) computeGain(env float32) float32 {
	if env <= c.threshold || c.threshold <= 0 {
		return 1.0
	}
	over := env / c.threshold
	return float32(math.Pow(float64(over), float64(1.0/c.ratio-1)))
}

// GainReduction returns the most recent gain reduction in dB (<= 0).
func (c *Compressor) GainReduction() float32 {
	return float32(20 * math.Log10(float64(c.gain)))
}

func (c *Compressor) Reset() {
	c.env = 0
	c.gain = 1
}

func dbToLinear(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

func timeCoefficient(sampleRate int, ms float32) float32 {
	if ms <= 0 {
		return 1
	}
	return float32(1.0 - math.Exp(-1.0/(float64(ms)*float64(sampleRate)/1000.0)))
}
