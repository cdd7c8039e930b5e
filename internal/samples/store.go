package samples

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseNote is the MIDI note a sample plays at its original pitch
// when no base note is given (C4).
const DefaultBaseNote = 60

// Options carries per-sample playback metadata. Loop bounds are in seconds;
// LoopEnd <= LoopStart means the sample does not loop.
type Options struct {
	BaseNote  int
	LoopStart float64
	LoopEnd   float64
}

// Sample is a decoded mono buffer ready for playback. Data must not be
// modified once stored.
type Sample struct {
	Name       string
	Data       []float32
	SampleRate int
	BaseNote   int
	LoopStart  float64
	LoopEnd    float64
}

// Length returns the number of frames in the sample.
func (s *Sample) Length() int { return len(s.Data) }

// Duration returns the playback length at the original rate, in seconds.
func (s *Sample) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Data)) / float64(s.SampleRate)
}

// Loops reports whether the sample carries loop bounds.
func (s *Sample) Loops() bool { return s.LoopEnd > s.LoopStart }

// Info is the read-only metadata List reports.
type Info struct {
	Name      string
	BaseNote  int
	Length    int
	LoopStart float64
	LoopEnd   float64
}

// Spec names one asset for LoadAll.
type Spec struct {
	Name string
	URL  string
	Options
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithFetcher(f Fetcher) Option {
	return func(s *Store) {
		if f != nil {
			s.fetcher = f
		}
	}
}

// WithParallelism bounds how many assets LoadAll fetches at once.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithFetchTimeout bounds a single shared fetch. It replaces the caller's
// deadline, since the fetch outlives any one caller.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// Store caches decoded samples by name. Loads of the same name collapse into
// a single fetch; different names load in parallel.
type Store struct {
	mu          sync.RWMutex
	samples     map[string]*Sample
	inflight    singleflight.Group
	fetcher     Fetcher
	logger       *slog.Logger
	parallelism  int
	fetchTimeout time.Duration
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		samples:      make(map[string]*Sample),
		fetcher:      AutoFetcher{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		parallelism:  4,
		fetchTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches and decodes the asset at url and stores it as name. It
// reports success; fetch and decode failures are logged and return false.
// A name that is already loaded is not fetched again. Concurrent loads of
// one name share a fetch that no single caller can cancel; a caller whose
// ctx ends stops waiting and reports false.
func (s *Store) Load(ctx context.Context, name, url string, opts Options) bool {
	if name == "" || url == "" {
		s.logger.Warn("sample load needs a name and url", "name", name, "url", url)
		return false
	}
	ch := s.inflight.DoChan(name, func() (interface{}, error) {
		if _, ok := s.Get(name); ok {
			return true, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		data, err := s.fetcher.Fetch(fctx, url)
		if err != nil {
			return false, err
		}
		pcm, rate, err := Decode(data)
		if err != nil {
			return false, errors.Wrapf(err, "samples: %s", name)
		}
		s.store(name, pcm, rate, opts)
		s.logger.Debug("sample loaded", "name", name, "frames", len(pcm), "rate", rate)
		return true, nil
	})
	select {
	case <-ctx.Done():
		s.logger.Warn("sample load abandoned", "name", name, "url", url, "err", ctx.Err())
		return false
	case res := <-ch:
		if res.Err != nil {
			s.logger.Warn("sample load failed", "name", name, "url", url, "shared", res.Shared, "err", res.Err)
			return false
		}
		return res.Val.(bool)
	}
}

// LoadAll loads every spec concurrently and returns the names that failed.
func (s *Store) LoadAll(ctx context.Context, specs []Spec) []string {
	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if !s.Load(gctx, spec.Name, spec.URL, spec.Options) {
				mu.Lock()
				failed = append(failed, spec.Name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return failed
}

// Put stores an already decoded buffer under name, replacing any previous
// sample of that name.
func (s *Store) Put(name string, data []float32, sampleRate int, opts Options) bool {
	if name == "" || len(data) == 0 || sampleRate <= 0 {
		return false
	}
	s.store(name, append([]float32(nil), data...), sampleRate, opts)
	return true
}

func (s *Store) store(name string, data []float32, rate int, opts Options) {
	base := opts.BaseNote
	if base == 0 {
		base = DefaultBaseNote
	}
	smp := &Sample{
		Name:       name,
		Data:       data,
		SampleRate: rate,
		BaseNote:   base,
		LoopStart:  opts.LoopStart,
		LoopEnd:    opts.LoopEnd,
	}
	s.mu.Lock()
	s.samples[name] = smp
	s.mu.Unlock()
}

// Get returns the sample stored under name.
func (s *Store) Get(name string) (*Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	smp, ok := s.samples[name]
	return smp, ok
}

// Remove drops name from the cache.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[name]; !ok {
		return false
	}
	delete(s.samples, name)
	return true
}

// List returns metadata for every loaded sample, sorted by name.
func (s *Store) List() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.samples))
	for _, smp := range s.samples {
		out = append(out, Info{
			Name:      smp.Name,
			BaseNote:  smp.BaseNote,
			Length:    smp.Length(),
			LoopStart: smp.LoopStart,
			LoopEnd:   smp.LoopEnd,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the loaded sample names, sorted.
func (s *Store) Names() []string {
	infos := s.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}
