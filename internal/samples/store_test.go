package samples

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV writes a 16-bit file whose channels hold the given sample values.
func writeWAV(t *testing.T, dir, name string, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func wavBytes(t *testing.T) []byte {
	t.Helper()
	path := writeWAV(t, t.TempDir(), "tone.wav", 22050, 1, []int{0, 16384, -16384, 32767})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestLoadDecodesMonoWAV(t *testing.T) {
	path := writeWAV(t, t.TempDir(), "kick.wav", 22050, 1, []int{0, 16384, -16384, 32767})
	s := NewStore()
	require.True(t, s.Load(context.Background(), "kick", path, Options{BaseNote: 48, LoopStart: 0, LoopEnd: 0}))

	smp, ok := s.Get("kick")
	require.True(t, ok)
	assert.Equal(t, 22050, smp.SampleRate)
	assert.Equal(t, 48, smp.BaseNote)
	require.Equal(t, 4, smp.Length())
	assert.InDelta(t, 0, smp.Data[0], 1e-6)
	assert.InDelta(t, 0.5, smp.Data[1], 1e-4)
	assert.InDelta(t, -0.5, smp.Data[2], 1e-4)
	assert.False(t, smp.Loops())
}

func TestLoadMixesStereoToMono(t *testing.T) {
	path := writeWAV(t, t.TempDir(), "pad.wav", 44100, 2, []int{16384, 0, 16384, 16384})
	s := NewStore()
	require.True(t, s.Load(context.Background(), "pad", path, Options{}))
	smp, _ := s.Get("pad")
	require.Equal(t, 2, smp.Length())
	assert.InDelta(t, 0.25, smp.Data[0], 1e-4)
	assert.InDelta(t, 0.5, smp.Data[1], 1e-4)
	assert.Equal(t, DefaultBaseNote, smp.BaseNote)
}

func TestLoadRejectsMissingArguments(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Load(context.Background(), "", "kick.wav", Options{}))
	assert.False(t, s.Load(context.Background(), "kick", "", Options{}))
	assert.Empty(t, s.List())
}

func TestLoadRecoversFromFailures(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Load(context.Background(), "gone", filepath.Join(t.TempDir(), "missing.wav"), Options{}))

	garbage := filepath.Join(t.TempDir(), "noise.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not audio"), 0o644))
	assert.False(t, s.Load(context.Background(), "noise", garbage, Options{}))

	_, ok := s.Get("gone")
	assert.False(t, ok)
	assert.Empty(t, s.List())
}

func TestConcurrentLoadsOfOneNameFetchOnce(t *testing.T) {
	payload := wavBytes(t)
	var fetches atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetcher := FetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		fetches.Add(1)
		once.Do(func() { close(entered) })
		<-release
		return payload, nil
	})
	s := NewStore(WithFetcher(fetcher))

	results := make(chan bool, 2)
	go func() { results <- s.Load(context.Background(), "kick", "kick.wav", Options{}) }()
	<-entered
	go func() { results <- s.Load(context.Background(), "kick", "kick.wav", Options{}) }()
	close(release)

	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Len(t, s.List(), 1)
}

func TestSharedLoadSurvivesFirstCallerCancel(t *testing.T) {
	payload := wavBytes(t)
	var fetches atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	fetchErr := make(chan error, 1)
	fetcher := FetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		if fetches.Add(1) == 1 {
			close(entered)
		}
		<-release
		fetchErr <- ctx.Err()
		return payload, nil
	})
	s := NewStore(WithFetcher(fetcher))

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan bool, 1)
	go func() { firstDone <- s.Load(first, "kick", "kick.wav", Options{}) }()
	<-entered
	secondDone := make(chan bool, 1)
	go func() { secondDone <- s.Load(context.Background(), "kick", "kick.wav", Options{}) }()

	cancel()
	assert.False(t, <-firstDone, "a canceled caller stops waiting")
	close(release)
	assert.True(t, <-secondDone)
	assert.NoError(t, <-fetchErr, "the shared fetch must not see the first caller's cancel")
	assert.Equal(t, int32(1), fetches.Load())
	_, ok := s.Get("kick")
	assert.True(t, ok)
}

func TestLoadAllRunsDifferentNamesInParallel(t *testing.T) {
	payload := wavBytes(t)
	var inflight, peak atomic.Int32
	gate := make(chan struct{})
	arrived := make(chan struct{}, 3)
	fetcher := FetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		arrived <- struct{}{}
		<-gate
		inflight.Add(-1)
		if location == "bad" {
			return nil, errors.New("boom")
		}
		return payload, nil
	})
	s := NewStore(WithFetcher(fetcher), WithParallelism(3))

	done := make(chan []string)
	go func() {
		done <- s.LoadAll(context.Background(), []Spec{
			{Name: "kick", URL: "kick"},
			{Name: "snare", URL: "snare"},
			{Name: "hat", URL: "bad"},
		})
	}()
	for i := 0; i < 3; i++ {
		<-arrived
	}
	close(gate)

	assert.Equal(t, []string{"hat"}, <-done)
	assert.Equal(t, int32(3), peak.Load())
	assert.Equal(t, []string{"kick", "snare"}, s.Names())
}

func TestLoadOverHTTP(t *testing.T) {
	payload := wavBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kick.wav" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	s := NewStore()
	assert.True(t, s.Load(context.Background(), "kick", srv.URL+"/kick.wav", Options{}))
	assert.False(t, s.Load(context.Background(), "snare", srv.URL+"/snare.wav", Options{}))
}

func TestHTTPFetchFailsOverSizeLimit(t *testing.T) {
	payload := wavBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	data, err := HTTPFetcher{MaxSize: int64(len(payload))}.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "a body of exactly the limit is kept whole")

	_, err = HTTPFetcher{MaxSize: int64(len(payload) - 1)}.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)

	s := NewStore(WithFetcher(HTTPFetcher{MaxSize: 8}))
	assert.False(t, s.Load(context.Background(), "kick", srv.URL, Options{}), "a truncated body is never decoded")
}

func TestListAndPut(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put("zeta", []float32{0, 1}, 8000, Options{BaseNote: 72, LoopStart: 0.1, LoopEnd: 0.2}))
	require.True(t, s.Put("alpha", []float32{0}, 8000, Options{}))
	assert.False(t, s.Put("empty", nil, 8000, Options{}))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, Info{Name: "zeta", BaseNote: 72, Length: 2, LoopStart: 0.1, LoopEnd: 0.2}, list[1])

	smp, _ := s.Get("zeta")
	assert.True(t, smp.Loops())
	assert.InDelta(t, 0.00025, smp.Duration(), 1e-9)

	assert.True(t, s.Remove("alpha"))
	assert.False(t, s.Remove("alpha"))
	_, ok := s.Get("alpha")
	assert.False(t, ok)
}

func TestDecodeUnknownFormat(t *testing.T) {
	_, _, err := Decode([]byte("OggS...."))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
