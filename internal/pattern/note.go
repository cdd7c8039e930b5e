package pattern

import (
	"math"
	"regexp"

	"github.com/pkg/errors"
)

var notePattern = regexp.MustCompile(`^[A-G](#|b)?[0-9]$`)

var pitchClass = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// Note is a parsed note name such as "C#4" or "Eb2".
type Note struct {
	Letter     byte
	Accidental int // -1 flat, 0 natural, +1 sharp
	Octave     int
}

// ParseNote parses names matching [A-G](#|b)?[0-9].
func ParseNote(s string) (Note, error) {
	if !notePattern.MatchString(s) {
		return Note{}, errors.Errorf("pattern: invalid note %q", s)
	}
	n := Note{Letter: s[0], Octave: int(s[len(s)-1] - '0')}
	if len(s) == 3 {
		if s[1] == '#' {
			n.Accidental = 1
		} else {
			n.Accidental = -1
		}
	}
	return n, nil
}

// ValidNote reports whether s is a well-formed note name.
func ValidNote(s string) bool {
	return notePattern.MatchString(s)
}

// MIDI returns the MIDI note number; C4 is 60.
func (n Note) MIDI() int {
	return (n.Octave+1)*12 + pitchClass[n.Letter] + n.Accidental
}

// Frequency returns the equal-tempered frequency with A4 at 440 Hz.
func (n Note) Frequency() float64 {
	return 440 * math.Pow(2, float64(n.MIDI()-69)/12)
}

func (n Note) String() string {
	s := string(n.Letter)
	switch n.Accidental {
	case 1:
		s += "#"
	case -1:
		s += "b"
	}
	return s + string(rune('0'+n.Octave))
}

// Semitones returns the distance from base to n.
func (n Note) Semitones(base Note) int {
	return n.MIDI() - base.MIDI()
}
