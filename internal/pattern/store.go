package pattern

import (
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// Pattern is a rows x channels grid stored row-major.
type Pattern struct {
	id       int
	rows     int
	channels int
	cells    []Cell
}

func newPattern(id, rows, channels int) *Pattern {
	p := &Pattern{id: id, rows: rows, channels: channels, cells: make([]Cell, rows*channels)}
	p.clear()
	return p
}

func (p *Pattern) clear() {
	for i := range p.cells {
		p.cells[i] = Blank()
	}
}

func (p *Pattern) inRange(row, channel int) bool {
	return row >= 0 && row < p.rows && channel >= 0 && channel < p.channels
}

func (p *Pattern) at(row, channel int) *Cell {
	return &p.cells[row*p.channels+channel]
}

// Info describes a pattern's dimensions.
type Info struct {
	ID       int
	Rows     int
	Channels int
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store owns every pattern and the playback sequence. All mutation is
// validated; public methods report failure with a boolean instead of an
// error.
type Store struct {
	mu         sync.RWMutex
	logger     *slog.Logger
	patterns   map[int]*Pattern
	nextID     int
	sequence   []int
	position   int
	generation uint64
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		patterns: make(map[int]*Pattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePattern adds a silent pattern and returns its id. Dimensions outside
// [1,256] rows and [1,16] channels are clamped rather than rejected.
func (s *Store) CreatePattern(rows, channels int) int {
	rows = clampInt(rows, MinRows, MaxRows)
	channels = clampInt(channels, MinChannels, MaxChannels)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.patterns[id] = newPattern(id, rows, channels)
	return id
}

// Pattern returns the dimensions of pattern id.
func (s *Store) Pattern(id int) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return Info{}, false
	}
	return Info{ID: p.id, Rows: p.rows, Channels: p.channels}, true
}

// Patterns lists every pattern ordered by id.
func (s *Store) Patterns() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, Info{ID: p.id, Rows: p.rows, Channels: p.channels})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rows returns the row count of pattern id, or 0 if it does not exist.
func (s *Store) Rows(id int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patterns[id]; ok {
		return p.rows
	}
	return 0
}

// SetCell writes a whole cell. Out-of-range coordinates and invalid fields
// reject the write entirely.
func (s *Store) SetCell(id, row, channel int, c Cell) bool {
	if !c.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok || !p.inRange(row, channel) {
		return false
	}
	*p.at(row, channel) = c
	return true
}

// Cell returns a copy of the cell, or false if out of range.
func (s *Store) Cell(id, row, channel int) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok || !p.inRange(row, channel) {
		return Cell{}, false
	}
	return *p.at(row, channel), true
}

// Row returns a copy of every channel in row.
func (s *Store) Row(id, row int) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok || row < 0 || row >= p.rows {
		return nil, false
	}
	out := make(Row, p.channels)
	copy(out, p.cells[row*p.channels:(row+1)*p.channels])
	return out, true
}

// ClearPattern silences every cell of pattern id.
func (s *Store) ClearPattern(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return false
	}
	p.clear()
	return true
}

// DeletePattern removes pattern id unless the sequence still refers to it.
func (s *Store) DeletePattern(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return false
	}
	for _, ref := range s.sequence {
		if ref == id {
			return false
		}
	}
	delete(s.patterns, id)
	return true
}

// SetSequence replaces the playback order. Every id must already exist; on
// failure the previous sequence is kept. On success the position returns to
// the start.
func (s *Store) SetSequence(ids []int) bool {
	if len(ids) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.patterns[id]; !ok {
			return false
		}
	}
	s.sequence = append([]int(nil), ids...)
	s.position = 0
	s.generation++
	return true
}

// Sequence returns a copy of the playback order.
func (s *Store) Sequence() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.sequence...)
}

// Position is the sequence index playback starts from.
func (s *Store) Position() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// SetPosition moves the start index within the sequence.
func (s *Store) SetPosition(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.sequence) {
		return false
	}
	s.position = index
	s.generation++
	return true
}

// Generation changes whenever the sequence or position is replaced, so a
// running cursor can tell it must restart.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// CopyRowRange copies rows start..end inclusive.
func (s *Store) CopyRowRange(id, start, end int) ([]Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok || start < 0 || end >= p.rows || start > end {
		return nil, false
	}
	out := make([]Row, 0, end-start+1)
	for r := start; r <= end; r++ {
		row := make(Row, p.channels)
		copy(row, p.cells[r*p.channels:(r+1)*p.channels])
		out = append(out, row)
	}
	return out, true
}

// PasteRowRange writes rows starting at row at and returns how many were
// written. A row is written whole or not at all: rows that are wider than
// the pattern or contain an invalid cell are skipped, as are rows that fall
// past the end of the pattern. Shorter rows leave the remaining channels
// untouched.
func (s *Store) PasteRowRange(id, at int, rows []Row) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok || at < 0 {
		return 0
	}
	written := 0
	for i, row := range rows {
		r := at + i
		if r >= p.rows {
			break
		}
		if !validRow(row, p.channels) {
			s.logger.Debug("skipping malformed pasted row", "pattern", id, "row", r)
			continue
		}
		copy(p.cells[r*p.channels:], row)
		written++
	}
	return written
}

func validRow(row Row, channels int) bool {
	if len(row) > channels {
		return false
	}
	for _, c := range row {
		if !c.Valid() {
			return false
		}
	}
	return true
}

// Interpolate fills the volumes between startRow and endRow on channel with a
// linear ramp between the endpoint volumes. When both endpoints carry a
// volume slide, the slide parameter is ramped too. Both endpoints need a
// note; otherwise nothing changes.
func (s *Store) Interpolate(id, startRow, endRow, channel int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok || startRow >= endRow || !p.inRange(startRow, channel) || !p.inRange(endRow, channel) {
		return false
	}
	first, last := p.at(startRow, channel), p.at(endRow, channel)
	if first.IsRest() || last.IsRest() {
		return false
	}
	v0, v1 := volumeOrFull(first.Volume), volumeOrFull(last.Volume)
	slide := first.Effect == EffectVolumeSlide && last.Effect == EffectVolumeSlide &&
		first.EffectParam != Unset && last.EffectParam != Unset
	span := float64(endRow - startRow)
	for r := startRow + 1; r < endRow; r++ {
		t := float64(r-startRow) / span
		c := p.at(r, channel)
		c.Volume = lerpInt(v0, v1, t)
		if slide {
			c.Effect = EffectVolumeSlide
			c.EffectParam = lerpInt(first.EffectParam, last.EffectParam, t)
		}
	}
	return true
}

func volumeOrFull(v int) int {
	if v == Unset {
		return MaxVolume
	}
	return v
}

func lerpInt(a, b int, t float64) int {
	return int(math.Round(float64(a) + float64(b-a)*t))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
