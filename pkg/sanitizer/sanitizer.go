package sanitizer

import "strings"

// Violation is a single static-analysis finding.
type Violation struct {
	Rule    string
	Message string
	Line    int
	Col     int
}

// Result is returned by Sanitizer.Sanitize.
type Result struct {
	Safe        bool
	Violations  []Violation
	SyntaxError bool
	Error       string
}

func (r *Result) addViolation(rule, message string, line, col int) {
	r.Violations = append(r.Violations, Violation{Rule: rule, Message: message, Line: line, Col: col})
	r.Safe = false
}

// Sanitizer parses and walks source text looking for constructs that
// violate the kernel's safety invariants. The blacklist of forbidden
// functions may only be extended, never narrowed, at construction time.
type Sanitizer struct {
	extraFunctions map[string]bool
}

// Option configures a Sanitizer at construction time.
type Option func(*Sanitizer)

// WithExtraBlacklistedFunctions adds names to the blacklisted-call check
// on top of the built-in set. It can only add restrictions.
func WithExtraBlacklistedFunctions(names ...string) Option {
	return func(s *Sanitizer) {
		for _, n := range names {
			s.extraFunctions[n] = true
		}
	}
}

// New creates a Sanitizer.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{extraFunctions: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sanitize parses code and reports every recognized violation. An empty
// or whitespace-only input is safe. A parse failure yields
// {Safe:false, SyntaxError:true}.
func (s *Sanitizer) Sanitize(code string) *Result {
	result := &Result{Safe: true}

	if strings.TrimSpace(code) == "" {
		return result
	}

	stmts, line, col, err := parse(code)
	if err != nil {
		result.Safe = false
		result.SyntaxError = true
		result.Error = err.Error()
		result.Violations = append(result.Violations, Violation{
			Rule:    "syntax_error",
			Message: err.Error(),
			Line:    line,
			Col:     col,
		})
		return result
	}

	w := &walker{result: result, extraFunctions: s.extraFunctions}
	w.walkStmts(stmts)

	return result
}

// IsSafe is a convenience wrapper returning true only when Sanitize finds
// no violations.
func (s *Sanitizer) IsSafe(code string) bool {
	return s.Sanitize(code).Safe
}

// Sanitize is a package-level helper for one-shot sanitization with the
// default blacklist.
func Sanitize(code string) *Result {
	return New().Sanitize(code)
}
