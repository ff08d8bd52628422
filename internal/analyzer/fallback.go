package analyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// Fallback line scanner. Used when the grammar cannot produce a usable tree;
// populates the same Metrics shape from statement-prefix heuristics so
// downstream consumers are oblivious to which path ran.

var (
	pyDefRe      = regexp.MustCompile(`^\s*(?:async\s+)?def\s+\w+`)
	pyClassRe    = regexp.MustCompile(`^\s*class\s+\w+`)
	pyImportRe   = regexp.MustCompile(`^\s*(?:import|from)\s+\w`)
	pyForRe      = regexp.MustCompile(`^\s*(?:async\s+)?for\s+.+:\s*(?:#.*)?$`)
	pyWhileRe    = regexp.MustCompile(`^\s*while\s+(.+?):`)
	pyTrueCondRe = regexp.MustCompile(`^\s*(?:True|1)\s*$`)

	jsFuncRe    = regexp.MustCompile(`\bfunction\b|=>`)
	jsClassRe   = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?class\s+\w+`)
	jsImportRe  = regexp.MustCompile(`^\s*import[\s{"']|\brequire\s*\(`)
	jsForRe     = regexp.MustCompile(`\bfor\s*\((.*?)\)`)
	jsWhileRe   = regexp.MustCompile(`\bwhile\s*\(\s*(.+?)\s*\)`)
	jsDoRe      = regexp.MustCompile(`^\s*do\b`)
	jsTrueRe    = regexp.MustCompile(`^(?:true|[1-9][0-9]*)$`)
	callSiteRe  = regexp.MustCompile(`([A-Za-z_][\w.]*)\s*\(`)
	breakWordRe = regexp.MustCompile(`\bbreak\b`)
)

// reserved words that callSiteRe would otherwise count as calls.
var notCalls = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "def": true, "elif": true, "with": true,
}

// scanFallback extracts metrics heuristically. Returned strings are terminal
// syntax errors (unbalanced delimiters); an empty slice means the scan
// produced usable metrics.
func scanFallback(code string, lang Language, m *Metrics) []string {
	if errs := checkBalance(code); len(errs) > 0 {
		return errs
	}

	lines := strings.Split(code, "\n")
	py := lang == LangPython

	for i, raw := range lines {
		line := stripLineComment(raw, py)
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case py && pyDefRe.MatchString(line),
			!py && jsFuncRe.MatchString(line):
			m.Functions++
			m.Complexity++
		}
		switch {
		case py && pyClassRe.MatchString(line),
			!py && jsClassRe.MatchString(line):
			m.Classes++
			m.Complexity++
		}
		switch {
		case py && pyImportRe.MatchString(line),
			!py && jsImportRe.MatchString(line):
			m.Imports++
		}

		if loop, ok := scanLoop(lines, i, line, py); ok {
			m.Loops = append(m.Loops, loop)
			m.Complexity++
		}

		// Declaration headers would read as call sites to the regex below.
		if (py && (pyDefRe.MatchString(line) || pyClassRe.MatchString(line))) ||
			(!py && (strings.Contains(line, "function") || jsClassRe.MatchString(line))) {
			continue
		}

		for _, match := range callSiteRe.FindAllStringSubmatchIndex(line, -1) {
			name := line[match[2]:match[3]]
			if notCalls[name] {
				continue
			}
			m.Calls = append(m.Calls, CallInfo{
				Name:     name,
				Line:     i + 1,
				Column:   match[2],
				ArgCount: countArgs(line[match[1]:]),
			})
		}
	}
	return nil
}

func scanLoop(lines []string, idx int, line string, py bool) (LoopInfo, bool) {
	info := LoopInfo{Line: idx + 1}

	var cond string
	switch {
	case py && pyWhileRe.MatchString(line):
		info.Kind = LoopWhile
		cond = pyWhileRe.FindStringSubmatch(line)[1]
		info.IsInfinite = pyTrueCondRe.MatchString(cond)
	case py && pyForRe.MatchString(line):
		info.Kind = LoopFor
	case !py && jsWhileRe.MatchString(line):
		info.Kind = LoopWhile
		cond = jsWhileRe.FindStringSubmatch(line)[1]
		info.IsInfinite = jsTrueRe.MatchString(cond)
	case !py && jsDoRe.MatchString(line):
		info.Kind = LoopDoWhile
	case !py && jsForRe.MatchString(line):
		info.Kind = LoopFor
		clauses := jsForRe.FindStringSubmatch(line)[1]
		info.IsInfinite = strings.TrimSpace(strings.ReplaceAll(clauses, ";", "")) == "" &&
			strings.Count(clauses, ";") == 2
	default:
		return info, false
	}

	info.HasBreak = blockHasBreak(lines, idx, py)
	if info.HasBreak {
		info.IsInfinite = false
	}
	return info, true
}

// blockHasBreak scans forward from the loop line for a break statement:
// until dedent for python, until brace balance closes for the others.
func blockHasBreak(lines []string, idx int, py bool) bool {
	if py {
		loopIndent := indentOf(lines[idx])
		for _, line := range lines[idx+1:] {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if indentOf(line) <= loopIndent {
				return false
			}
			if breakWordRe.MatchString(stripLineComment(line, true)) {
				return true
			}
		}
		return false
	}

	depth := 0
	opened := false
	for _, line := range lines[idx:] {
		clean := stripLineComment(line, false)
		if breakWordRe.MatchString(clean) && opened {
			return true
		}
		depth += strings.Count(clean, "{") - strings.Count(clean, "}")
		if strings.Contains(clean, "{") {
			opened = true
		}
		if opened && depth <= 0 {
			return false
		}
	}
	return false
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

func stripLineComment(line string, py bool) string {
	marker := "//"
	if py {
		marker = "#"
	}
	if i := strings.Index(line, marker); i >= 0 {
		return line[:i]
	}
	return line
}

// countArgs counts top-level commas in the argument list when the closing
// paren is on the same line; 0 otherwise. Reduced fidelity is acceptable on
// this path.
func countArgs(rest string) int {
	depth := 1
	args := 0
	seen := false
	for _, r := range rest {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if seen {
					return args + 1
				}
				return 0
			}
		case ',':
			if depth == 1 {
				args++
			}
		default:
			if !isSpace(r) {
				seen = true
			}
		}
	}
	return 0
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

// checkBalance reports unbalanced bracket pairs, ignoring string literal
// contents as best it can without a real lexer.
func checkBalance(code string) []string {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var inString rune
	escaped := false

	for _, r := range code {
		if inString != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == inString:
				inString = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			inString = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return []string{fmt.Sprintf("unbalanced %q", r)}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return []string{fmt.Sprintf("unclosed %q", stack[len(stack)-1])}
	}
	return nil
}
