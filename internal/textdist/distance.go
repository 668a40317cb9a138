// Package textdist provides punctuation-aware fuzzy similarity between strings.
//
// Overlapping emissions of the same speech differ mostly in punctuation and
// casing, so edits that only touch punctuation are weighted far below edits
// that change actual words.
package textdist

import (
	"strings"
	"unicode"
)

// Weights control the cost of individual edit operations.
type Weights struct {
	PunctPunct  float64 // substituting one punctuation mark for another
	PunctLetter float64 // substituting punctuation for a letter (either direction)
	Other       float64 // any other substitution, insertion, or deletion
}

// DefaultWeights returns the standard edit costs.
func DefaultWeights() Weights {
	return Weights{
		PunctPunct:  0.1,
		PunctLetter: 0.5,
		Other:       1.0,
	}
}

func (w Weights) withDefaults() Weights {
	if w.PunctPunct <= 0 {
		w.PunctPunct = 0.1
	}
	if w.PunctLetter <= 0 {
		w.PunctLetter = 0.5
	}
	if w.Other <= 0 {
		w.Other = 1.0
	}
	return w
}

// isPunct reports whether r is punctuation for weighting purposes.
// Whitespace counts: "Hello," vs "Hello ," is still the same speech.
func isPunct(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

// substitutionCost returns the cost of replacing a with b.
func (w Weights) substitutionCost(a, b rune) float64 {
	if a == b {
		return 0
	}
	ap, bp := isPunct(a), isPunct(b)
	switch {
	case ap && bp:
		return w.PunctPunct
	case ap || bp:
		return w.PunctLetter
	default:
		return w.Other
	}
}

// indelCost returns the cost of inserting or deleting r. Punctuation-only
// edits are as cheap as punctuation substitutions.
func (w Weights) indelCost(r rune) float64 {
	if isPunct(r) {
		return w.PunctPunct
	}
	return w.Other
}

// Distance computes the weighted edit distance between a and b.
func Distance(a, b string, w Weights) float64 {
	w = w.withDefaults()
	ra, rb := []rune(a), []rune(b)

	if len(ra) == 0 {
		return indelSum(rb, w)
	}
	if len(rb) == 0 {
		return indelSum(ra, w)
	}

	// Two-row dynamic program over rune pairs.
	prev := make([]float64, len(rb)+1)
	curr := make([]float64, len(rb)+1)
	for j := 1; j <= len(rb); j++ {
		prev[j] = prev[j-1] + w.indelCost(rb[j-1])
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = prev[0] + w.indelCost(ra[i-1])
		for j := 1; j <= len(rb); j++ {
			sub := prev[j-1] + w.substitutionCost(ra[i-1], rb[j-1])
			del := prev[j] + w.indelCost(ra[i-1])
			ins := curr[j-1] + w.indelCost(rb[j-1])
			curr[j] = min3(sub, del, ins)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns 1 - distance/max(len(a), len(b)) in [0, 1].
// Two empty strings are identical.
func Similarity(a, b string, w Weights) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1.0
	}
	sim := 1.0 - Distance(a, b, w)/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}

// Normalize produces the comparison form of text: lowercase, punctuation
// stripped, whitespace collapsed to single spaces. Output is only ever
// compared, never shown.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func indelSum(rs []rune, w Weights) float64 {
	var sum float64
	for _, r := range rs {
		sum += w.indelCost(r)
	}
	return sum
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
