// Package security evaluates a static catalog of per-language rules against
// analyzed source code, producing violations, warnings, a 0-100 risk score
// and educational remediation text.
package security

import (
	"regexp"

	"secure-code-sandbox/internal/analyzer"
)

// Severity of a rule. Critical findings are Violations, warnings are
// Warnings; both carry the same Finding shape.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Category groups rules for reporting and feedback.
type Category string

const (
	CategoryCodeInjection Category = "code-injection"
	CategoryFileSystem    Category = "file-system"
	CategoryProcess       Category = "process"
	CategoryNetwork       Category = "network"
	CategoryInfiniteLoop  Category = "infinite-loop"
	CategoryDataExfil     Category = "data-exfil"
)

// Rule is one entry of the static catalog. Pattern matches raw text
// per-line; CallNames match call sites from the AST walk. A rule may carry
// both: findings are de-duplicated per (rule, location) so a construct the
// parser and the text scan both see fires once.
//
// The catalog is versioned with the binary and never mutated at runtime, so
// it is safely shared across concurrent validations.
type Rule struct {
	ID          string
	Category    Category
	Severity    Severity
	Languages   []analyzer.Language
	Description string
	Pattern     *regexp.Regexp
	CallNames   []string
}

// AppliesTo reports whether the rule covers the given language.
func (r Rule) AppliesTo(lang analyzer.Language) bool {
	for _, l := range r.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

var (
	ecma = []analyzer.Language{analyzer.LangJavaScript, analyzer.LangTypeScript}
	py   = []analyzer.Language{analyzer.LangPython}
	all  = analyzer.Languages()
)

// catalog is the versioned rule set. Ordering is stable so validation of
// identical input yields an identical finding sequence.
var catalog = []Rule{
	{
		ID:          "js-eval",
		Category:    CategoryCodeInjection,
		Severity:    SeverityCritical,
		Languages:   ecma,
		Description: "eval() executes arbitrary strings as code",
		Pattern:     regexp.MustCompile(`\beval\s*\(`),
		CallNames:   []string{"eval"},
	},
	{
		ID:          "js-function-constructor",
		Category:    CategoryCodeInjection,
		Severity:    SeverityCritical,
		Languages:   ecma,
		Description: "the Function constructor compiles strings into code",
		Pattern:     regexp.MustCompile(`\bnew\s+Function\s*\(`),
		CallNames:   []string{"new Function", "Function"},
	},
	{
		ID:          "js-timer-string",
		Category:    CategoryCodeInjection,
		Severity:    SeverityWarning,
		Languages:   ecma,
		Description: "setTimeout/setInterval with a string argument is implicit eval",
		Pattern:     regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*["'` + "`" + `]`),
	},
	{
		ID:          "js-child-process",
		Category:    CategoryProcess,
		Severity:    SeverityCritical,
		Languages:   ecma,
		Description: "child_process spawns host processes",
		Pattern:     regexp.MustCompile(`['"]child_process['"]`),
	},
	{
		ID:          "js-fs-access",
		Category:    CategoryFileSystem,
		Severity:    SeverityCritical,
		Languages:   ecma,
		Description: "the fs module reaches the host filesystem",
		Pattern:     regexp.MustCompile(`require\s*\(\s*['"]fs['"]|from\s+['"](?:node:)?fs['"]`),
	},
	{
		ID:          "js-process-access",
		Category:    CategoryProcess,
		Severity:    SeverityWarning,
		Languages:   ecma,
		Description: "process exposes environment and host control",
		Pattern:     regexp.MustCompile(`\bprocess\.(?:env|exit|kill|binding)\b`),
	},
	{
		ID:          "js-network-access",
		Category:    CategoryNetwork,
		Severity:    SeverityCritical,
		Languages:   ecma,
		Description: "network access is not permitted in the sandbox",
		Pattern:     regexp.MustCompile(`\b(?:fetch|XMLHttpRequest|WebSocket)\s*\(|new\s+(?:XMLHttpRequest|WebSocket)\b|['"](?:node:)?(?:net|http|https|dgram|dns|tls)['"]`),
		CallNames:   []string{"fetch"},
	},
	{
		ID:          "js-document-cookie",
		Category:    CategoryDataExfil,
		Severity:    SeverityWarning,
		Languages:   ecma,
		Description: "reading document.cookie can leak session data",
		Pattern:     regexp.MustCompile(`\bdocument\.cookie\b`),
	},
	{
		ID:          "py-eval",
		Category:    CategoryCodeInjection,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "eval() executes arbitrary strings as code",
		Pattern:     regexp.MustCompile(`\beval\s*\(`),
		CallNames:   []string{"eval"},
	},
	{
		ID:          "py-exec",
		Category:    CategoryCodeInjection,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "exec() executes arbitrary strings as code",
		Pattern:     regexp.MustCompile(`\bexec\s*\(`),
		CallNames:   []string{"exec"},
	},
	{
		ID:          "py-compile",
		Category:    CategoryCodeInjection,
		Severity:    SeverityWarning,
		Languages:   py,
		Description: "compile() builds code objects for later execution",
		CallNames:   []string{"compile"},
	},
	{
		ID:          "py-dynamic-import",
		Category:    CategoryCodeInjection,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "__import__ loads modules from computed names",
		Pattern:     regexp.MustCompile(`\b__import__\s*\(`),
		CallNames:   []string{"__import__"},
	},
	{
		ID:          "py-os-system",
		Category:    CategoryProcess,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "os.system runs shell commands on the host",
		Pattern:     regexp.MustCompile(`\bos\.(?:system|popen|exec\w*|spawn\w*)\s*\(`),
		CallNames:   []string{"os.system", "os.popen"},
	},
	{
		ID:          "py-subprocess",
		Category:    CategoryProcess,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "subprocess spawns host processes",
		Pattern:     regexp.MustCompile(`\bsubprocess\.\w+\s*\(|^\s*(?:import|from)\s+subprocess\b`),
	},
	{
		ID:          "py-file-open",
		Category:    CategoryFileSystem,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "open() reaches the host filesystem",
		Pattern:     regexp.MustCompile(`(?:^|[^\w.])open\s*\(`),
		CallNames:   []string{"open"},
	},
	{
		ID:          "py-os-import",
		Category:    CategoryFileSystem,
		Severity:    SeverityWarning,
		Languages:   py,
		Description: "the os module exposes host files and processes",
		Pattern:     regexp.MustCompile(`^\s*(?:import\s+os\b|from\s+os\b)`),
	},
	{
		ID:          "py-socket",
		Category:    CategoryNetwork,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "network access is not permitted in the sandbox",
		Pattern:     regexp.MustCompile(`^\s*(?:import|from)\s+(?:socket|http|urllib|requests)\b|\bsocket\.socket\s*\(`),
	},
	{
		ID:          "py-pickle",
		Category:    CategoryDataExfil,
		Severity:    SeverityWarning,
		Languages:   py,
		Description: "unpickling untrusted data executes arbitrary code",
		Pattern:     regexp.MustCompile(`\bpickle\.loads?\s*\(`),
	},
	{
		ID:          "py-ctypes",
		Category:    CategoryProcess,
		Severity:    SeverityCritical,
		Languages:   py,
		Description: "ctypes calls native code outside the interpreter",
		Pattern:     regexp.MustCompile(`\bctypes\.\w+|^\s*(?:import|from)\s+ctypes\b`),
	},
	{
		ID:          "infinite-loop",
		Category:    CategoryInfiniteLoop,
		Severity:    SeverityWarning,
		Languages:   all,
		Description: "loop has a literal-true condition and no reachable break",
		// Fired from loop metrics, not from text.
	},
}

// Catalog returns the full rule set. Callers must not mutate it.
func Catalog() []Rule { return catalog }

// CriticalRules returns the critical subset that carries a text pattern,
// used by the quick validation path.
func CriticalRules() []Rule {
	out := make([]Rule, 0, len(catalog))
	for _, r := range catalog {
		if r.Severity == SeverityCritical && r.Pattern != nil {
			out = append(out, r)
		}
	}
	return out
}

func ruleByID(id string) (Rule, bool) {
	for _, r := range catalog {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
