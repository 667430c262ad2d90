// Package validate rejects unsafe or malformed submissions before they
// reach a worker. It is a cheap first filter; the sandbox limits remain
// the real isolation boundary.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/michaelbrown/labrun/internal/languages"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonSyntaxError         Reason = "SyntaxError"
	ReasonForbiddenConstruct  Reason = "ForbiddenConstruct"
	ReasonTooLarge            Reason = "SourceTooLarge"
	ReasonUnsupportedLanguage Reason = "UnsupportedLanguage"
)

// DefaultMaxSourceBytes bounds parse cost when no limit is configured.
const DefaultMaxSourceBytes = 64 << 10

// Verdict is the outcome of validating one submission.
type Verdict struct {
	OK      bool   `json:"ok"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Line    int    `json:"line,omitempty"`
}

func reject(reason Reason, line int, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Line: line, Message: fmt.Sprintf(format, args...)}
}

// Validator checks submissions against per-dialect rules. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	registry       *languages.Registry
	maxSourceBytes int
	rules          map[string]*compiledRules
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	maxSourceBytes int
	extra          map[string]RuleSet
}

// WithMaxSourceBytes sets the largest accepted submission.
func WithMaxSourceBytes(n int) Option {
	return func(o *options) { o.maxSourceBytes = n }
}

// WithRules extends the built-in rule set of each named dialect.
func WithRules(sets map[string]RuleSet) Option {
	return func(o *options) { o.extra = sets }
}

// New builds a Validator for the languages in registry.
func New(registry *languages.Registry, opts ...Option) (*Validator, error) {
	o := options{maxSourceBytes: DefaultMaxSourceBytes}
	for _, opt := range opts {
		opt(&o)
	}
	if registry == nil {
		registry = languages.Default()
	}

	sets := map[string]RuleSet{"python": DefaultPythonRules()}
	for dialect, extra := range o.extra {
		sets[dialect] = sets[dialect].Merge(extra)
	}

	v := &Validator{
		registry:       registry,
		maxSourceBytes: o.maxSourceBytes,
		rules:          make(map[string]*compiledRules, len(sets)),
	}
	for dialect, set := range sets {
		c, err := compileRules(set)
		if err != nil {
			return nil, fmt.Errorf("dialect %s: %w", dialect, err)
		}
		v.rules[dialect] = c
	}
	return v, nil
}

// Validate checks source written in language. It never executes anything.
func (v *Validator) Validate(source, language string) Verdict {
	lang, ok := v.registry.Lookup(language)
	if !ok {
		return reject(ReasonUnsupportedLanguage, 0, "unsupported language %q", language)
	}
	if v.maxSourceBytes > 0 && len(source) > v.maxSourceBytes {
		return reject(ReasonTooLarge, 0, "source is %d bytes, limit is %d", len(source), v.maxSourceBytes)
	}

	code := source
	if lang.Syntax == "python" {
		stripped, synErr := scanPython(source)
		if synErr != nil {
			return reject(ReasonSyntaxError, synErr.Line, "%s", synErr.Msg)
		}
		code = stripped
	}

	rules, ok := v.rules[lang.Syntax]
	if !ok {
		return Verdict{OK: true}
	}
	if lang.Syntax == "python" {
		if verdict, bad := rules.checkImports(code); bad {
			return verdict
		}
	}
	for _, cat := range rules.patterns {
		target := code
		if cat.Raw {
			target = source
		}
		for _, re := range cat.res {
			if loc := re.FindStringIndex(target); loc != nil {
				snippet := strings.TrimSpace(target[loc[0]:loc[1]])
				return reject(ReasonForbiddenConstruct, lineAt(target, loc[0]),
					"%s is not allowed: %s", cat.Description, snippet)
			}
		}
	}
	return Verdict{OK: true}
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
)

// checkImports inspects import statements in code, which must already
// have strings and comments blanked out.
func (c *compiledRules) checkImports(code string) (Verdict, bool) {
	for n, line := range strings.Split(code, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			for _, mod := range importedModules(stmt) {
				top, _, _ := strings.Cut(mod, ".")
				if c.denied[top] {
					return reject(ReasonForbiddenConstruct, n+1, "import of module %q is not allowed", mod), true
				}
				if len(c.allowed) > 0 && !c.allowed[top] {
					return reject(ReasonForbiddenConstruct, n+1, "module %q is not on the allowlist", mod), true
				}
			}
		}
	}
	return Verdict{}, false
}

func importedModules(stmt string) []string {
	if m := fromImportRe.FindStringSubmatch(stmt); m != nil {
		if strings.HasPrefix(m[1], ".") {
			return nil
		}
		return []string{m[1]}
	}
	m := importRe.FindStringSubmatch(stmt)
	if m == nil {
		return nil
	}
	var mods []string
	for _, part := range strings.Split(m[1], ",") {
		fields := strings.Fields(strings.Trim(part, " \t()\\"))
		if len(fields) > 0 {
			mods = append(mods, fields[0])
		}
	}
	return mods
}

func lineAt(s string, offset int) int {
	return strings.Count(s[:offset], "\n") + 1
}
