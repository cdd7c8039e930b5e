package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	tracker "github.com/cbegin/tracker-go"
	"github.com/cbegin/tracker-go/internal/pattern"
)

func main() {
	var (
		sampleRate  = flag.Int("sample-rate", 48000, "output sample rate")
		modeName    = flag.String("mode", "sequencer", "audio mode: tone|sequencer")
		patternPath = flag.String("pattern", "", "path to a JSON pattern document")
		sampleList  = flag.String("samples", "", "comma separated name=path-or-url sample list")
		tempo       = flag.Int("tempo", 120, "tempo in BPM (60..200)")
		volume      = flag.Float64("volume", 0.8, "output volume (0..1)")
		vibDepth    = flag.Float64("vibrato-depth", 0, "tone vibrato depth in semitones")
		vibRate     = flag.Float64("vibrato-rate", 5, "tone vibrato rate in Hz")
		outPath     = flag.String("out", "", "render the sequence to this WAV file instead of playing")
		seconds     = flag.Float64("seconds", 8, "length of the -out render")
		pcm16       = flag.Bool("pcm16", false, "write -out as 16-bit PCM instead of 32-bit float")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mode, err := parseMode(*modeName)
	if err != nil {
		log.Fatal(err)
	}
	specs, err := parseSampleSpecs(*sampleList)
	if err != nil {
		log.Fatal(err)
	}

	m := tracker.New(
		tracker.WithSampleRate(*sampleRate),
		tracker.WithLogger(logger),
		tracker.WithTempo(*tempo),
		tracker.WithSamples(specs),
		tracker.WithToneVibrato(*vibDepth, *vibRate),
	)
	if *patternPath != "" {
		if err := importPatterns(m.Patterns(), *patternPath); err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *outPath != "" {
		if err := render(ctx, m, specs, *outPath, *sampleRate, *seconds, *tempo, *pcm16); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", *outPath)
		return
	}

	if err := m.SwitchMode(ctx, mode); err != nil && !errors.Is(err, tracker.ErrPending) {
		log.Fatal(err)
	}
	if err := m.SetVolume(*volume); err != nil {
		log.Fatal(err)
	}
	if err := startWithRetry(ctx, m, 3, time.Second); err != nil {
		if !errors.Is(err, tracker.ErrPending) {
			log.Fatal(err)
		}
		// space retries from the key loop
		logger.Warn("audio output not started yet", "err", err)
	}
	run(ctx, m)
	if err := m.Close(context.Background()); err != nil {
		logger.Warn("close", "err", err)
	}
}

// startWithRetry starts playback, retrying while the output is pending.
// Any other error is returned at once.
func startWithRetry(ctx context.Context, m *tracker.Manager, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Start(ctx); err == nil || !errors.Is(err, tracker.ErrPending) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func parseMode(name string) (tracker.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tone":
		return tracker.ModeTone, nil
	case "sequencer", "seq":
		return tracker.ModeSequencer, nil
	default:
		return tracker.ModeNone, fmt.Errorf("invalid -mode %q (expected tone|sequencer)", name)
	}
}

// parseSampleSpecs reads "kick=kick.wav,snare=https://host/snare.mp3".
func parseSampleSpecs(list string) ([]tracker.SampleSpec, error) {
	var specs []tracker.SampleSpec
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, loc, ok := strings.Cut(item, "=")
		name, loc = strings.TrimSpace(name), strings.TrimSpace(loc)
		if !ok || name == "" || loc == "" {
			return nil, fmt.Errorf("invalid sample %q (expected name=location)", item)
		}
		specs = append(specs, tracker.SampleSpec{Name: name, URL: loc})
	}
	return specs, nil
}

func importPatterns(store *pattern.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := pattern.Decode(f)
	if err != nil {
		return err
	}
	ids, ok := store.Import(doc)
	if !ok {
		return fmt.Errorf("%s: pattern document rejected", path)
	}
	if len(doc.Sequence) == 0 {
		store.SetSequence(ids)
	}
	return nil
}

func render(ctx context.Context, m *tracker.Manager, specs []tracker.SampleSpec, path string, sampleRate int, seconds float64, tempo int, pcm16 bool) error {
	if failed := m.LoadSamples(ctx, specs); len(failed) > 0 {
		return fmt.Errorf("samples failed to load: %s", strings.Join(failed, ", "))
	}
	frames, err := tracker.RenderPattern(ctx, m.Patterns(), m.Samples(), sampleRate, seconds, tempo)
	if err != nil {
		return err
	}
	if !pcm16 {
		return os.WriteFile(path, tracker.EncodeWAVFloat32LE(frames, sampleRate, 2), 0o644)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tracker.WriteWAVPCM16(f, frames, sampleRate, 2); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// run handles keys and prints metrics until the context ends or q is
// pressed.
func run(ctx context.Context, m *tracker.Manager) {
	keys, restore := readKeys()
	defer restore()
	events := m.Watch()

	fmt.Print("space start/stop  +/- tempo  [/] volume  ,/. pitch  t tone  s sequencer  q quit\r\n")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\n")
			return
		case ev := <-events:
			if ev.Kind == tracker.EventReset {
				fmt.Printf("\r\naudio reset: %v\r\n", ev.Err)
			}
		case k, ok := <-keys:
			if !ok || k == 'q' || k == 3 {
				fmt.Print("\r\n")
				return
			}
			if err := handleKey(ctx, m, k); err != nil {
				fmt.Printf("\r\n%v\r\n", err)
			}
		case <-ticker.C:
			printMetrics(m)
		}
	}
}

func handleKey(ctx context.Context, m *tracker.Manager, k byte) error {
	switch k {
	case ' ':
		if m.Playing() {
			return m.Stop(ctx)
		}
		return m.Start(ctx)
	case '+', '=':
		_, err := m.AdjustTempo(5)
		return err
	case '-', '_':
		_, err := m.AdjustTempo(-5)
		return err
	case ']':
		return m.SetVolume(m.CurrentVolume() + 0.05)
	case '[':
		return m.SetVolume(m.CurrentVolume() - 0.05)
	case '.':
		return m.SetPitch(m.CurrentPitch() * 1.059463)
	case ',':
		return m.SetPitch(m.CurrentPitch() / 1.059463)
	case 't':
		return m.SwitchMode(ctx, tracker.ModeTone)
	case 's':
		return m.SwitchMode(ctx, tracker.ModeSequencer)
	}
	return nil
}

func printMetrics(m *tracker.Manager) {
	mt := m.Metrics()
	if mt == nil {
		fmt.Printf("\r%-78s", "("+string(m.Mode())+" idle)")
		return
	}
	state := "stopped"
	if mt.IsPlaying {
		state = "playing"
	}
	fmt.Printf("\r%-7s %3d bpm row %2d  bass %s mid %s high %s  %s",
		state, mt.BPM, mt.CurrentRow, mt.BassIntensity, mt.MidIntensity, mt.HighIntensity, scope(mt.Waveform, 16))
}

// scope draws the waveform as a short strip of block characters.
func scope(wave []float64, width int) string {
	const ramp = " ▁▂▃▄▅▆▇█"
	levels := []rune(ramp)
	if len(wave) == 0 || width <= 0 {
		return ""
	}
	var b strings.Builder
	step := len(wave) / width
	if step < 1 {
		step = 1
	}
	for i, n := 0, 0; i < len(wave) && n < width; i, n = i+step, n+1 {
		v := (wave[i] + 1) / 2
		idx := int(v * float64(len(levels)-1))
		if idx < 0 {
			idx = 0
		} else if idx >= len(levels) {
			idx = len(levels) - 1
		}
		b.WriteRune(levels[idx])
	}
	return b.String()
}
