package capability

// MatchResource reports whether a resource URI is covered by a scope
// pattern. Matching is literal or glob: `*` matches any run of characters
// including separators. Regular expressions are deliberately unsupported.
func MatchResource(pattern, resource string) bool {
	// Iterative wildcard match with backtracking to the last star.
	p, r := 0, 0
	star, mark := -1, 0
	for r < len(resource) {
		switch {
		case p < len(pattern) && (pattern[p] == resource[r]):
			p++
			r++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = r
			p++
		case star >= 0:
			p = star + 1
			mark++
			r = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// ScopeClass weighs a resource for flow-budget pricing.
type ScopeClass uint8

const (
	// ScopeContent addresses one concrete item.
	ScopeContent ScopeClass = iota
	// ScopeNamespace addresses a subtree via a trailing glob.
	ScopeNamespace
	// ScopeGlobal addresses everything under an authority or scheme.
	ScopeGlobal
	// ScopeGC is collection work billed above namespace rate.
	ScopeGC
)

// Multiplier returns the cost multiplier for the class.
func (c ScopeClass) Multiplier() uint64 {
	switch c {
	case ScopeNamespace:
		return 2
	case ScopeGlobal:
		return 5
	case ScopeGC:
		return 4
	default:
		return 1
	}
}

// ClassifyResource derives the pricing class from a resource URI.
func ClassifyResource(resource string) ScopeClass {
	if len(resource) == 0 {
		return ScopeGlobal
	}
	stars := 0
	for i := 0; i < len(resource); i++ {
		if resource[i] == '*' {
			stars++
		}
	}
	switch {
	case stars == 0:
		return ScopeContent
	case len(resource) >= 2 && resource[len(resource)-2:] == "/*" && stars == 1:
		return ScopeNamespace
	default:
		return ScopeGlobal
	}
}
