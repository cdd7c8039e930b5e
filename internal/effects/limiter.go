package effects

import "math"

// Limiter is a peak limiter with instant attack. Its output never exceeds the
// ceiling.
type Limiter struct {
	ceiling float32
	release float32
	gain    float32
}

func NewLimiter(sampleRate int, ceilingDB, releaseMs float32) *Limiter {
	return &Limiter{
		ceiling: dbToLinear(ceilingDB),
		release: timeCoefficient(sampleRate, releaseMs),
		gain:    1,
	}
}

// NewMasterLimiter returns the limiter that terminates the master bus.
func NewMasterLimiter(sampleRate int) *Limiter {
	return NewLimiter(sampleRate, -1, 50)
}

func (lm *Limiter) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	target := float32(1)
	if peak*lm.gain > lm.ceiling {
		target = lm.ceiling / peak
	}
	if target < lm.gain {
		lm.gain = target
	} else {
		lm.gain += lm.release * (target - lm.gain)
		if peak*lm.gain > lm.ceiling {
			lm.gain = lm.ceiling / peak
		}
	}
	return l * lm.gain, r * lm.gain
}

func (lm *Limiter) Reset() {
	lm.gain = 1
}
