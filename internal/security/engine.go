package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/analyzer"
)

// Finding is one rule match at one location. Duplicate occurrences of the
// same construct each produce a separate finding at their own location.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
}

// Performance carries observational timing for a validation call. The
// target is never enforced; callers assert against it.
type Performance struct {
	TotalTimeMs int64 `json:"total_time_ms"`
	TargetMs    int64 `json:"target_ms"`
}

// ValidationResult is the full outcome of a Validate call.
type ValidationResult struct {
	IsValid             bool             `json:"is_valid"`
	RiskScore           int              `json:"risk_score"`
	Violations          []Finding        `json:"violations,omitempty"`
	Warnings            []Finding        `json:"warnings,omitempty"`
	EducationalFeedback []Feedback       `json:"educational_feedback,omitempty"`
	Analysis            *analyzer.Result `json:"analysis,omitempty"`
	Performance         Performance      `json:"performance"`
}

// ViolatedRuleIDs returns the distinct rule IDs of all violations, in
// finding order.
func (v *ValidationResult) ViolatedRuleIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range v.Violations {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	return ids
}

// QuickResult is the reduced outcome of QuickValidate.
type QuickResult struct {
	IsValid        bool     `json:"is_valid"`
	RiskScore      int      `json:"risk_score"`
	CriticalIssues []string `json:"critical_issues,omitempty"`
}

// Options tunes a single Validate call.
type Options struct {
	EducationalMode   bool
	PerformanceTarget time.Duration
}

// DefaultOptions enables educational feedback with a 100ms observational
// target.
func DefaultOptions() Options {
	return Options{EducationalMode: true, PerformanceTarget: 100 * time.Millisecond}
}

// Policy holds the tunable scoring constants. The 30-point threshold and
// the severity weights are policy parameters, not laws; a zero Policy gets
// the defaults.
type Policy struct {
	RiskThreshold  int
	CriticalWeight int
	WarningWeight  int
}

// DefaultPolicy returns the shipped constants.
func DefaultPolicy() Policy {
	return Policy{RiskThreshold: 30, CriticalWeight: 25, WarningWeight: 10}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RiskThreshold <= 0 {
		p.RiskThreshold = d.RiskThreshold
	}
	if p.CriticalWeight <= 0 {
		p.CriticalWeight = d.CriticalWeight
	}
	if p.WarningWeight <= 0 {
		p.WarningWeight = d.WarningWeight
	}
	return p
}

// Engine evaluates the rule catalog. Safe for concurrent use: the catalog
// is read-only and per-call state stays on the stack.
type Engine struct {
	analyzer *analyzer.Analyzer
	policy   Policy
}

// NewEngine creates an Engine with the given policy (zero value = defaults).
func NewEngine(policy Policy) *Engine {
	return &Engine{
		analyzer: analyzer.New(),
		policy:   policy.withDefaults(),
	}
}

// Validate analyzes code and evaluates every applicable rule over both the
// AST call sites and the raw text. An unsupported language is the only
// error; everything else is reported in the result.
func (e *Engine) Validate(ctx context.Context, code string, lang analyzer.Language, opts Options) (*ValidationResult, error) {
	start := time.Now()
	if opts.PerformanceTarget == 0 {
		opts = Options{EducationalMode: opts.EducationalMode, PerformanceTarget: DefaultOptions().PerformanceTarget}
	}

	analysis, err := e.analyzer.Analyze(ctx, code, lang)
	if err != nil {
		return nil, err
	}

	findings := e.evaluate(code, lang, analysis)

	res := &ValidationResult{Analysis: analysis}
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			res.Violations = append(res.Violations, f)
		} else {
			res.Warnings = append(res.Warnings, f)
		}
	}

	res.RiskScore = e.score(findings)
	res.IsValid = len(res.Violations) == 0 && res.RiskScore < e.policy.RiskThreshold

	if opts.EducationalMode {
		res.EducationalFeedback = feedbackFor(findings)
	}

	elapsed := time.Since(start)
	res.Performance = Performance{
		TotalTimeMs: elapsed.Milliseconds(),
		TargetMs:    opts.PerformanceTarget.Milliseconds(),
	}
	if elapsed > opts.PerformanceTarget {
		log.Debug().
			Dur("elapsed", elapsed).
			Dur("target", opts.PerformanceTarget).
			Str("language", string(lang)).
			Msg("validation exceeded performance target")
	}

	log.Info().
		Str("language", string(lang)).
		Int("risk_score", res.RiskScore).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Bool("is_valid", res.IsValid).
		Msg("validation completed")

	return res, nil
}

// QuickValidate runs only critical text rules and skips the analyzer walk
// and feedback generation. Intended for low-latency gating.
func (e *Engine) QuickValidate(code string, lang analyzer.Language) (*QuickResult, error) {
	if _, err := analyzer.ParseLanguage(string(lang)); err != nil {
		return nil, err
	}

	res := &QuickResult{IsValid: true}
	seen := make(map[string]bool)
	for _, rule := range CriticalRules() {
		if !rule.AppliesTo(lang) {
			continue
		}
		n := len(rule.Pattern.FindAllStringIndex(code, -1))
		if n == 0 {
			continue
		}
		res.RiskScore += n * e.policy.CriticalWeight
		if !seen[rule.ID] {
			seen[rule.ID] = true
			res.CriticalIssues = append(res.CriticalIssues, rule.ID+": "+rule.Description)
		}
	}
	if res.RiskScore > 100 {
		res.RiskScore = 100
	}
	res.IsValid = len(res.CriticalIssues) == 0 && res.RiskScore < e.policy.RiskThreshold
	return res, nil
}

// evaluate produces all findings in a stable order: by line, column, then
// rule ID. At most one finding per (rule, location).
func (e *Engine) evaluate(code string, lang analyzer.Language, analysis *analyzer.Result) []Finding {
	type key struct {
		rule string
		line int
		col  int
	}
	fired := make(map[key]bool)
	var findings []Finding

	add := func(rule Rule, line, col int) {
		k := key{rule.ID, line, col}
		if fired[k] {
			return
		}
		// The text scan and the AST walk can see the same construct with a
		// slightly different column; one finding per rule per line is the
		// invariant that matters for dedup.
		lineKey := key{rule.ID, line, -1}
		if fired[lineKey] {
			return
		}
		fired[k] = true
		fired[lineKey] = true
		findings = append(findings, Finding{
			RuleID:   rule.ID,
			Category: rule.Category,
			Severity: rule.Severity,
			Message:  rule.Description,
			Line:     line,
			Column:   col,
		})
	}

	lines := strings.Split(code, "\n")
	for _, rule := range catalog {
		if !rule.AppliesTo(lang) {
			continue
		}

		if rule.Pattern != nil {
			for i, line := range lines {
				for _, loc := range rule.Pattern.FindAllStringIndex(line, -1) {
					add(rule, i+1, loc[0])
				}
			}
		}

		if len(rule.CallNames) > 0 && analysis != nil {
			for _, call := range analysis.Metrics.Calls {
				if matchesCallName(rule.CallNames, call.Name) {
					add(rule, call.Line, call.Column)
				}
			}
		}
	}

	if analysis != nil {
		if rule, ok := ruleByID("infinite-loop"); ok {
			for _, loop := range analysis.Metrics.Loops {
				if loop.IsInfinite {
					add(rule, loop.Line, loop.Column)
				}
			}
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		if findings[i].Column != findings[j].Column {
			return findings[i].Column < findings[j].Column
		}
		return findings[i].RuleID < findings[j].RuleID
	})
	return findings
}

func matchesCallName(names []string, callName string) bool {
	for _, n := range names {
		if callName == n {
			return true
		}
	}
	return false
}

// score sums per-finding severity weights, clamped to [0,100].
func (e *Engine) score(findings []Finding) int {
	total := 0
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			total += e.policy.CriticalWeight
		} else {
			total += e.policy.WarningWeight
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

// BlockMessage renders the error string for a blocked execution, naming the
// triggered rules.
func BlockMessage(v *ValidationResult) string {
	ids := v.ViolatedRuleIDs()
	if len(ids) == 0 {
		return fmt.Sprintf("blocked by security policy: risk score %d exceeds threshold", v.RiskScore)
	}
	return "blocked by security rules: " + strings.Join(ids, ", ")
}
