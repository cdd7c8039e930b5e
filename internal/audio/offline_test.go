package audio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constSource struct {
	value float32
	calls int
}

func (s *constSource) Process(dst []float32) {
	s.calls++
	for i := range dst {
		dst[i] = s.value
	}
}

func TestOfflineClockAdvancesOnlyWhileRunning(t *testing.T) {
	dev := NewOfflineDevice(48000)
	src := &constSource{value: 0.5}
	require.NoError(t, dev.Connect(src))

	out := dev.Render(480)
	assert.Equal(t, int64(0), dev.Clock().Frame(), "suspended clock must not move")
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, StateSuspended, dev.Clock().State())

	require.NoError(t, dev.Resume(context.Background()))
	out = dev.Render(480)
	assert.Equal(t, float32(0.5), out[0])
	assert.Len(t, out, 960)
	assert.InDelta(t, 0.01, dev.Clock().Now(), 1e-12)
}

func TestOfflineResumeRequiresGesture(t *testing.T) {
	dev := NewOfflineDevice(44100, WithGestureRequired())
	require.NoError(t, dev.Connect(&constSource{}))

	err := dev.Resume(context.Background())
	assert.ErrorIs(t, err, ErrGestureRequired)
	assert.Equal(t, StateSuspended, dev.Clock().State())

	dev.Gesture()
	require.NoError(t, dev.Resume(context.Background()))
	assert.Equal(t, StateRunning, dev.Clock().State())
	assert.Equal(t, 2, dev.Resumes())
}

func TestOfflineResumeWithoutSource(t *testing.T) {
	dev := NewOfflineDevice(44100)
	assert.ErrorIs(t, dev.Resume(context.Background()), ErrNoSource)
}

func TestClosedDeviceRejectsResume(t *testing.T) {
	dev := NewOfflineDevice(44100)
	require.NoError(t, dev.Connect(&constSource{}))
	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.Resume(context.Background()), ErrClosed)
	assert.ErrorIs(t, dev.Connect(&constSource{}), ErrClosed)
	assert.Equal(t, "closed", dev.Clock().State().String())
}

func TestClockFrameAt(t *testing.T) {
	c := NewClock(48000)
	assert.Equal(t, int64(0), c.FrameAt(-1))
	assert.Equal(t, int64(6000), c.FrameAt(0.125))
}

func TestStreamReaderAdvancesClock(t *testing.T) {
	c := NewClock(48000)
	r := NewStreamReader(&constSource{value: 1}, c)
	buf := make([]byte, 8*64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, int64(64), c.Frame())
}
