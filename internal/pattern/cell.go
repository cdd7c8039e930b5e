package pattern

const (
	// Unset marks an optional numeric cell field as absent.
	Unset = -1

	MaxVolume      = 64
	MaxEffect      = 15
	MaxEffectParam = 255

	MinRows     = 1
	MaxRows     = 256
	MinChannels = 1
	MaxChannels = 16
)

// Tracker effect commands.
const (
	EffectArpeggio    = 0x0
	EffectPortaUp     = 0x1
	EffectPortaDown   = 0x2
	EffectTonePorta   = 0x3
	EffectVibrato     = 0x4
	EffectSampleStart = 0x9
	EffectVolumeSlide = 0xA
	EffectJump        = 0xB
	EffectSetVolume   = 0xC
	EffectBreak       = 0xD
	EffectExtended    = 0xE // high nibble of the param selects the command
	EffectSetSpeed    = 0xF
)

// Cell is one note slot. A cell without a note is a rest and never sounds,
// whatever its other fields hold.
type Cell struct {
	Note        string // "" for a rest
	Sample      string
	Volume      int // 0-64 or Unset (inherit)
	Effect      int // 0-15 or Unset
	EffectParam int // 0-255 or Unset
}

// Blank returns a silent cell with every optional field unset.
func Blank() Cell {
	return Cell{Volume: Unset, Effect: Unset, EffectParam: Unset}
}

// NoteCell returns a cell playing note with sample at the default volume.
func NoteCell(note, sample string) Cell {
	c := Blank()
	c.Note = note
	c.Sample = sample
	return c
}

// IsRest reports whether the cell carries no note.
func (c Cell) IsRest() bool { return c.Note == "" }

// Gain maps the cell volume to a linear gain; an unset volume is full scale.
func (c Cell) Gain() float64 {
	if c.Volume == Unset {
		return 1
	}
	return float64(c.Volume) / MaxVolume
}

// Valid reports whether every field is within range.
func (c Cell) Valid() bool {
	if c.Note != "" && !ValidNote(c.Note) {
		return false
	}
	return optionalInRange(c.Volume, MaxVolume) &&
		optionalInRange(c.Effect, MaxEffect) &&
		optionalInRange(c.EffectParam, MaxEffectParam)
}

func optionalInRange(v, max int) bool {
	return v == Unset || (v >= 0 && v <= max)
}

// Row is one row of cells across every channel.
type Row []Cell
