package pattern

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Document is the declarative form external generators hand to the store.
// Sequence entries index into Patterns.
type Document struct {
	Patterns []PatternDoc `json:"patterns"`
	Sequence []int        `json:"sequence"`
}

type PatternDoc struct {
	Rows     int       `json:"rows"`
	Channels int       `json:"channels"`
	Cells    []CellDoc `json:"cells"`
}

type CellDoc struct {
	Row         int    `json:"row"`
	Channel     int    `json:"channel"`
	Note        string `json:"note,omitempty"`
	Sample      string `json:"sample,omitempty"`
	Volume      *int   `json:"volume,omitempty"`
	Effect      *int   `json:"effect,omitempty"`
	EffectParam *int   `json:"effectParam,omitempty"`
}

func (d CellDoc) cell() Cell {
	c := Blank()
	c.Note = d.Note
	c.Sample = d.Sample
	if d.Volume != nil {
		c.Volume = *d.Volume
	}
	if d.Effect != nil {
		c.Effect = *d.Effect
	}
	if d.EffectParam != nil {
		c.EffectParam = *d.EffectParam
	}
	return c
}

// valid reports whether the cell fits its pattern. Absence is spelled by
// omitting a field, so an explicit negative value is out of range.
func (d CellDoc) valid(rows, channels int) bool {
	if d.Row < 0 || d.Row >= rows || d.Channel < 0 || d.Channel >= channels {
		return false
	}
	for _, p := range []*int{d.Volume, d.Effect, d.EffectParam} {
		if p != nil && *p < 0 {
			return false
		}
	}
	return d.cell().Valid()
}

// Decode reads a JSON document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "pattern: decode document")
	}
	if len(doc.Patterns) == 0 {
		return nil, errors.New("pattern: document has no patterns")
	}
	return &doc, nil
}

// Import creates every pattern in doc and, when the document has one,
// installs its sequence. Nothing is created unless the whole document is
// valid. It returns the store ids in document order.
func (s *Store) Import(doc *Document) ([]int, bool) {
	if doc == nil || len(doc.Patterns) == 0 {
		return nil, false
	}
	for _, pd := range doc.Patterns {
		rows := clampInt(pd.Rows, MinRows, MaxRows)
		channels := clampInt(pd.Channels, MinChannels, MaxChannels)
		for _, cd := range pd.Cells {
			if !cd.valid(rows, channels) {
				return nil, false
			}
		}
	}
	for _, idx := range doc.Sequence {
		if idx < 0 || idx >= len(doc.Patterns) {
			return nil, false
		}
	}

	ids := make([]int, len(doc.Patterns))
	for i, pd := range doc.Patterns {
		ids[i] = s.CreatePattern(pd.Rows, pd.Channels)
		for _, cd := range pd.Cells {
			s.SetCell(ids[i], cd.Row, cd.Channel, cd.cell())
		}
	}
	if len(doc.Sequence) > 0 {
		seq := make([]int, len(doc.Sequence))
		for i, idx := range doc.Sequence {
			seq[i] = ids[idx]
		}
		s.SetSequence(seq)
	}
	s.logger.Debug("imported pattern document", "patterns", len(ids), "sequence", len(doc.Sequence))
	return ids, true
}

// Snapshot exports every pattern and the sequence as a Document. Pattern
// indexes in the result follow id order; only non-blank cells are listed.
func (s *Store) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.patterns))
	for id := range s.patterns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	index := make(map[int]int, len(ids))
	doc := &Document{Patterns: make([]PatternDoc, 0, len(ids))}
	for i, id := range ids {
		index[id] = i
		p := s.patterns[id]
		pd := PatternDoc{Rows: p.rows, Channels: p.channels, Cells: []CellDoc{}}
		for r := 0; r < p.rows; r++ {
			for ch := 0; ch < p.channels; ch++ {
				c := *p.at(r, ch)
				if c == Blank() {
					continue
				}
				pd.Cells = append(pd.Cells, cellDoc(r, ch, c))
			}
		}
		doc.Patterns = append(doc.Patterns, pd)
	}
	for _, id := range s.sequence {
		doc.Sequence = append(doc.Sequence, index[id])
	}
	return doc
}

func cellDoc(row, channel int, c Cell) CellDoc {
	d := CellDoc{Row: row, Channel: channel, Note: c.Note, Sample: c.Sample}
	if c.Volume != Unset {
		v := c.Volume
		d.Volume = &v
	}
	if c.Effect != Unset {
		v := c.Effect
		d.Effect = &v
	}
	if c.EffectParam != Unset {
		v := c.EffectParam
		d.EffectParam = &v
	}
	return d
}
