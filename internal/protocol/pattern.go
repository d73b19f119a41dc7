package protocol

import "strings"

// Root is the pattern that contains every other pattern.
const Root Pattern = "/"

// Pattern is a namespace path such as "/a/b". It is compared byte for byte.
type Pattern string

// NewPattern wraps text verbatim. No normalization is applied.
func NewPattern(text string) Pattern {
	return Pattern(text)
}

func (p Pattern) String() string {
	return string(p)
}

// Len returns the byte length of the namespace.
func (p Pattern) Len() int {
	return len(p)
}

// Contains reports whether p is equal to other or is a segment-aligned
// prefix of it. The more generic pattern is the containing one.
func (p Pattern) Contains(other Pattern) bool {
	if p == other {
		return true
	}
	if !strings.HasPrefix(string(other), string(p)) {
		return false
	}
	// /a contains /a/b but not /ab
	return p == Root || other[len(p)] == '/'
}

// Overlaps reports whether either pattern contains the other.
func (p Pattern) Overlaps(other Pattern) bool {
	return p.Contains(other) || other.Contains(p)
}
