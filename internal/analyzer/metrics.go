package analyzer

// Loop kinds.
const (
	LoopFor     = "for"
	LoopWhile   = "while"
	LoopDoWhile = "do-while"
)

// Metrics holds the structural counters extracted in a single walk.
// Complexity starts at 1 and increments per function, class and loop — a
// simplified cyclomatic proxy, not exact McCabe complexity.
type Metrics struct {
	LinesOfCode int        `json:"lines_of_code"`
	Complexity  int        `json:"complexity"`
	Functions   int        `json:"functions"`
	Classes     int        `json:"classes"`
	Imports     int        `json:"imports"`
	Loops       []LoopInfo `json:"loops,omitempty"`
	Calls       []CallInfo `json:"calls,omitempty"`
}

// LoopInfo describes one loop statement. IsInfinite is true only when the
// loop's test is a literal truth value (or the for-clauses are completely
// empty) and no break is lexically present in the body.
type LoopInfo struct {
	Kind       string `json:"kind"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	HasBreak   bool   `json:"has_break"`
	IsInfinite bool   `json:"is_infinite"`
}

// CallInfo describes one call site.
type CallInfo struct {
	Name     string `json:"name"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	ArgCount int    `json:"arg_count"`
}

// ComplexityScore reduces Metrics to a 0..10 score: the complexity term is
// capped at 5, the loop and function terms at 2 each, and the LOC term at 1.
// Pure function of its input.
func ComplexityScore(m Metrics) int {
	score := capInt(m.Complexity/2, 5)
	score += capInt(len(m.Loops), 2)
	score += capInt(m.Functions/2, 2)
	score += capInt(m.LinesOfCode/100, 1)
	if score > 10 {
		score = 10
	}
	return score
}

func capInt(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
