package analysis

import (
	"math"
	"math/cmplx"
	"sync"
)

const (
	FFTSize        = 2048
	WaveformLength = 128

	ringLen = 16384
)

// Band edges in Hz.
const (
	bassLow  = 20
	bassHigh = 250
	midHigh  = 4000
	highHigh = 16000
)

// Bands holds normalized band energies in [0,1].
type Bands struct {
	Bass float64
	Mid  float64
	High float64
}

// Analyzer keeps the most recent output in a mono ring and derives band
// intensities and a waveform from it.
type Analyzer struct {
	mu         sync.Mutex
	sampleRate int
	ring       []float32
	writePos   int
	tapped     int64

	smooth Bands
	window []float64
}

func New(sampleRate int) *Analyzer {
	w := make([]float64, FFTSize)
	for i := range w {
		w[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(FFTSize-1)))
	}
	return &Analyzer{
		sampleRate: sampleRate,
		ring:       make([]float32, ringLen),
		window:     w,
	}
}

// Tap receives interleaved stereo from the audio thread. Keep it minimal:
// just copy into the ring.
func (a *Analyzer) Tap(samples []float32) {
	a.mu.Lock()
	for i := 0; i+1 < len(samples); i += 2 {
		a.ring[a.writePos] = (samples[i] + samples[i+1]) * 0.5
		a.writePos = (a.writePos + 1) % ringLen
		a.tapped++
	}
	a.mu.Unlock()
}

// Reset clears the ring and the smoothed bands.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	a.writePos = 0
	a.tapped = 0
	a.smooth = Bands{}
	a.mu.Unlock()
}

// Tapped returns how many frames have been tapped since the last reset.
func (a *Analyzer) Tapped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tapped
}

// snapshot copies the newest n samples. must hold a.mu
func (a *Analyzer) snapshot(n int) []float32 {
	out := make([]float32, n)
	start := (a.writePos - n + ringLen) % ringLen
	for i := 0; i < n; i++ {
		out[i] = a.ring[(start+i)%ringLen]
	}
	return out
}

// Bands returns the smoothed bass, mid and high intensities of the newest
// FFTSize samples.
func (a *Analyzer) Bands() Bands {
	a.mu.Lock()
	defer a.mu.Unlock()
	samples := a.snapshot(FFTSize)

	buf := make([]complex128, FFTSize)
	for i, s := range samples {
		buf[i] = complex(float64(s)*a.window[i], 0)
	}
	fft(buf)

	raw := Bands{
		Bass: a.bandLevel(buf, bassLow, bassHigh),
		Mid:  a.bandLevel(buf, bassHigh, midHigh),
		High: a.bandLevel(buf, midHigh, highHigh),
	}
	a.smooth.Bass = smoothLevel(a.smooth.Bass, raw.Bass)
	a.smooth.Mid = smoothLevel(a.smooth.Mid, raw.Mid)
	a.smooth.High = smoothLevel(a.smooth.High, raw.High)
	return a.smooth
}

// bandLevel averages bin magnitudes between lo and hi Hz and maps the
// result from -80..0 dB onto 0..1.
func (a *Analyzer) bandLevel(spec []complex128, lo, hi float64) float64 {
	half := FFTSize / 2
	binHz := float64(a.sampleRate) / FFTSize
	start := int(lo / binHz)
	end := int(hi / binHz)
	if start < 1 {
		start = 1 // skip DC
	}
	if end > half {
		end = half
	}
	if end <= start {
		return 0
	}
	sum := 0.0
	for b := start; b < end; b++ {
		sum += cmplx.Abs(spec[b])
	}
	avg := sum / float64(end-start)
	// a full-scale sine under the Hann window peaks near FFTSize/4
	db := 20.0 * math.Log10(avg/(FFTSize/4)+1e-10)
	return clamp01((db + 80.0) / 80.0)
}

// fast attack, slower decay
func smoothLevel(prev, next float64) float64 {
	if next > prev {
		return prev*0.3 + next*0.7
	}
	return prev*0.85 + next*0.15
}

// Waveform returns WaveformLength samples in [-1,1], starting at a rising
// zero crossing when one exists so repeated calls look stable.
func (a *Analyzer) Waveform() []float64 {
	a.mu.Lock()
	samples := a.snapshot(WaveformLength * 2)
	a.mu.Unlock()

	offset := findZeroCrossing(samples, WaveformLength)
	out := make([]float64, WaveformLength)
	for i := range out {
		out[i] = clampUnit(float64(samples[offset+i]))
	}
	return out
}

func findZeroCrossing(samples []float32, searchLen int) int {
	if searchLen > len(samples)-2 {
		searchLen = len(samples) - 2
	}
	for i := 1; i < searchLen; i++ {
		if samples[i-1] <= 0 && samples[i] > 0 {
			return i
		}
	}
	return 0
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

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// fft computes a radix-2 FFT in place.
func fft(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}
	bits := 0
	for m := n; m > 1; m >>= 1 {
		bits++
	}
	for i := 0; i < n; i++ {
		j := 0
		for b := 0; b < bits; b++ {
			if i&(1<<b) != 0 {
				j |= 1 << (bits - 1 - b)
			}
		}
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		wn := -2.0 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				t := cmplx.Rect(1, wn*float64(k)) * x[start+k+half]
				x[start+k+half] = x[start+k] - t
				x[start+k] = x[start+k] + t
			}
		}
	}
}
