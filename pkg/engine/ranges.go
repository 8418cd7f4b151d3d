package engine

import (
	"strconv"
	"strings"
)

// Range is a resolved "[min:max]" attribute such as a cardinality or a
// resource range. An omitted bound is empty.
type Range struct {
	Min string
	Max string
}

// ParseRange splits a "[min:max]" value. It reports false for anything
// else.
func ParseRange(s string) (Range, bool) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return Range{}, false
	}
	lo, hi, ok := strings.Cut(s[1:len(s)-1], ":")
	if !ok {
		return Range{}, false
	}
	return Range{Min: lo, Max: hi}, true
}

// Replicas returns the replica count adapters start an instance with: the
// lower bound of its cardinality, or 1 when there is none.
func Replicas(cardinality string) int {
	r, ok := ParseRange(cardinality)
	if !ok || r.Min == "" {
		return 1
	}
	n, err := strconv.Atoi(r.Min)
	if err != nil {
		return 1
	}
	return n
}
