// Package charset defines the plate alphabet and the mapping between
// plate strings and class index sequences used by the recognizer.
//
// Index 0 is reserved for the CTC blank. Letters A-Z map to 1-26,
// digits 1-9 map to 27-35 and 0 maps to 36, matching the corpus the
// dataset was labeled with.
package charset

import "fmt"

// Chars lists every recognizable plate character. The class index of
// Chars[i] is i+1; index 0 is the blank.
const Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

const (
	// Blank is the CTC blank class.
	Blank = 0

	// NumClasses is the size of the output distribution, blank included.
	NumClasses = len(Chars) + 1
)

var indexOf = buildIndex()

func buildIndex() map[rune]int {
	m := make(map[rune]int, len(Chars))
	for i, r := range Chars {
		m[r] = i + 1
	}
	return m
}

// Index returns the class index of r, or -1 if r is not a plate character.
func Index(r rune) int {
	idx, ok := indexOf[r]
	if !ok {
		return -1
	}
	return idx
}

// Char returns the character for a non-blank class index.
func Char(class int) (rune, error) {
	if class <= Blank || class >= NumClasses {
		return 0, fmt.Errorf("class %d out of range [1, %d]", class, NumClasses-1)
	}
	return rune(Chars[class-1]), nil
}

// Encode converts a plate string to its class index sequence.
func Encode(label string) ([]int, error) {
	if label == "" {
		return nil, fmt.Errorf("empty label")
	}
	classes := make([]int, 0, len(label))
	for _, r := range label {
		idx := Index(r)
		if idx < 0 {
			return nil, fmt.Errorf("character %q not in plate alphabet", r)
		}
		classes = append(classes, idx)
	}
	return classes, nil
}

// Decode converts a class index sequence back to a string, skipping blanks.
func Decode(classes []int) string {
	out := make([]byte, 0, len(classes))
	for _, c := range classes {
		if c == Blank {
			continue
		}
		if c > Blank && c < NumClasses {
			out = append(out, Chars[c-1])
		}
	}
	return string(out)
}

// Validate reports whether label is a non-empty string over the plate alphabet.
func Validate(label string) error {
	_, err := Encode(label)
	return err
}
