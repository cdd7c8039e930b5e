package tracker

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"

	intaudio "github.com/cbegin/tracker-go/internal/audio"
	intgraph "github.com/cbegin/tracker-go/internal/graph"
	intpat "github.com/cbegin/tracker-go/internal/pattern"
	intsmp "github.com/cbegin/tracker-go/internal/samples"
	intsched "github.com/cbegin/tracker-go/internal/scheduler"
)

// renderBlock is the offline poll interval in frames. It must stay well
// below the scheduler horizon so every row is fired before it is rendered.
const renderBlock = 1024

// RenderPattern plays the store's sequence on an offline device for the
// given duration and returns interleaved stereo frames. The scheduler is
// polled by hand before every block and never by a timer, so the result does
// not depend on wall time.
func RenderPattern(ctx context.Context, patterns *intpat.Store, smp *intsmp.Store, sampleRate int, seconds float64, tempo int) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errors.New("tracker: sampleRate must be positive")
	}
	if seconds <= 0 {
		return nil, errors.New("tracker: seconds must be positive")
	}
	dev := intaudio.NewOfflineDevice(sampleRate)
	g := intgraph.New(dev, intgraph.WithFadeOut(0))
	if err := g.Setup(ctx); err != nil {
		return nil, errors.Wrap(err, "tracker: offline setup")
	}
	defer g.Teardown(context.Background(), true)

	sched := intsched.New(g.Clock(), patterns, smp, g,
		intsched.WithTempo(tempo),
		intsched.WithHorizon(time.Second),
		intsched.WithManualPoll(),
	)
	if err := sched.Start(); err != nil {
		return nil, errors.Wrap(err, "tracker: offline start")
	}
	defer sched.Stop()

	total := int(seconds * float64(sampleRate))
	out := make([]float32, 0, total*2)
	for done := 0; done < total; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := renderBlock
		if total-done < n {
			n = total - done
		}
		sched.Poll()
		out = append(out, dev.Render(n)...)
		done += n
	}
	return out, nil
}

// EncodeWAVFloat32LE encodes interleaved samples as a 32-bit float WAV file.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}

// WriteWAVPCM16 writes interleaved samples as a 16-bit PCM WAV file.
func WriteWAVPCM16(w io.WriteSeeker, samples []float32, sampleRate int, channels int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}
	if err := enc.Write(buf); err != nil {
		return errors.Wrap(err, "tracker: write wav")
	}
	return errors.Wrap(enc.Close(), "tracker: close wav")
}
