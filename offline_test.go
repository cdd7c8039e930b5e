package tracker

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intpat "github.com/cbegin/tracker-go/internal/pattern"
	intsmp "github.com/cbegin/tracker-go/internal/samples"
)

func renderFixture(t *testing.T) (*intpat.Store, *intsmp.Store) {
	t.Helper()
	patterns := intpat.NewStore()
	id := patterns.CreatePattern(16, 4)
	require.True(t, patterns.SetSequence([]int{id}))
	require.True(t, patterns.SetCell(id, 0, 0, intpat.NoteCell("C4", "kick")))
	require.True(t, patterns.SetCell(id, 8, 0, intpat.NoteCell("C4", "kick")))

	smp := intsmp.NewStore()
	require.True(t, smp.Put("kick", burst(testRate/20), testRate, intsmp.Options{}))
	return patterns, smp
}

func rms(frames []float32) float64 {
	if len(frames) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frames {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frames)))
}

func TestRenderPatternPlacesRows(t *testing.T) {
	patterns, smp := renderFixture(t)
	out, err := RenderPattern(context.Background(), patterns, smp, testRate, 1.5, 120)
	require.NoError(t, err)
	require.Len(t, out, int(1.5*testRate)*2)

	// 120 BPM: rows every 0.125s, so hits at 0s and 1.0s
	at := func(sec float64) []float32 {
		i := int(sec*testRate) * 2
		return out[i : i+2*testRate/50]
	}
	assert.Greater(t, rms(at(0)), 0.01)
	assert.Less(t, rms(at(0.5)), 1e-4)
	assert.Greater(t, rms(at(1.0)), 0.01)
}

func TestRenderPatternIsDeterministic(t *testing.T) {
	patterns, smp := renderFixture(t)
	a, err := RenderPattern(context.Background(), patterns, smp, testRate, 0.5, 150)
	require.NoError(t, err)
	b, err := RenderPattern(context.Background(), patterns, smp, testRate, 0.5, 150)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderPatternErrors(t *testing.T) {
	patterns, smp := renderFixture(t)
	_, err := RenderPattern(context.Background(), patterns, smp, 0, 1, 120)
	assert.Error(t, err)
	_, err = RenderPattern(context.Background(), patterns, smp, testRate, 0, 120)
	assert.Error(t, err)

	empty := intpat.NewStore()
	_, err = RenderPattern(context.Background(), empty, smp, testRate, 1, 120)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RenderPattern(ctx, patterns, smp, testRate, 1, 120)
	assert.Error(t, err)
}

func TestEncodeWAVFloat32LEHeader(t *testing.T) {
	data := EncodeWAVFloat32LE([]float32{0.5, -0.5, 1, -1}, testRate, 2)
	require.Len(t, data, 44+16)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(data[20:]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[22:]))
	assert.Equal(t, uint32(testRate), binary.LittleEndian.Uint32(data[24:]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(data[40:]))
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(data[48:])))
}

func TestWriteWAVPCM16RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteWAVPCM16(f, []float32{0, 0.5, -0.5, 2}, testRate, 2))
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, testRate, buf.Format.SampleRate)
	assert.Equal(t, []int{0, 16383, -16383, 32767}, buf.Data)
}
