package validate

import (
	"fmt"
	"os"
	"regexp"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// PatternCategory groups regular expressions that reject a submission
// when any of them matches.
type PatternCategory struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
	// Raw categories match the original source instead of the code with
	// strings and comments blanked out.
	Raw bool `yaml:"raw"`
}

// RuleSet is the import and construct policy for one syntax dialect.
type RuleSet struct {
	DeniedImports  []string          `yaml:"denied_imports"`
	AllowedImports []string          `yaml:"allowed_imports"`
	Categories     []PatternCategory `yaml:"categories"`
}

// DefaultPythonRules blocks process spawning, raw sockets, dynamic code
// loading and filesystem access outside the scratch directory.
func DefaultPythonRules() RuleSet {
	return RuleSet{
		DeniedImports: []string{
			"os", "posix", "nt", "sys", "subprocess", "pty", "signal", "resource",
			"socket", "socketserver", "ssl", "select", "selectors", "asyncio",
			"http", "urllib", "ftplib", "smtplib", "telnetlib", "xmlrpc", "requests",
			"shutil", "ctypes", "cffi", "mmap", "multiprocessing", "threading", "_thread",
			"concurrent", "importlib", "builtins", "code", "codeop", "pickle", "marshal",
			"gc", "inspect",
		},
		Categories: []PatternCategory{
			{
				Name:        "dynamicCode",
				Description: "dynamic code execution",
				Patterns: []string{
					`\b__import__\s*\(`,
					`(?:^|[^\w.\n])(?:eval|exec|compile)\s*\(`,
					`(?:^|[^\w.\n])(?:globals|locals)\s*\(\s*\)`,
				},
			},
			{
				Name:        "introspection",
				Description: "interpreter internals",
				Patterns: []string{
					`__(?:subclasses|globals|builtins|code|bases|mro|loader|spec)__`,
					`\bgetattr\s*\([^)]*['"]__`,
				},
			},
			{
				Name:        "processControl",
				Description: "process spawning",
				Patterns: []string{
					`\bos\s*\.\s*(?:system|popen|fork|forkpty|kill|killpg|setsid|exec\w*|spawn\w*)\s*\(`,
				},
			},
			{
				Name:        "osReexport",
				Description: "os module reached through another module",
				Patterns: []string{
					`\.\s*_?os\b`,
					`^\s*from\s+[\w.]+\s+import\b.*\b_?os\b`,
				},
			},
			{
				Name:        "attributeByName",
				Description: "process or os access by attribute name",
				Raw:         true,
				Patterns: []string{
					`\bgetattr\s*\([^)]*['"](?:_?os|posix|system|popen|fork|forkpty|kill|killpg|setsid|exec\w*|spawn\w*|remove|unlink|rmdir|chmod|chdir)['"]`,
				},
			},
			{
				Name:        "fileAccess",
				Description: "filesystem access outside the scratch directory",
				Raw:         true,
				Patterns: []string{
					`\bopen\s*\(\s*[rbuRBU]*['"](?:/|~|[^'"]*\.\.)`,
					`\bPath\s*\(\s*[rbuRBU]*['"](?:/|~|[^'"]*\.\.)`,
				},
			},
		},
	}
}

// LoadRules reads dialect rule sets from a YAML file keyed by dialect name.
func LoadRules(path string) (map[string]RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var sets map[string]RuleSet
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	return sets, nil
}

// Merge extends r with extra. Denied imports and categories accumulate;
// a non-empty allowlist in extra replaces the current one.
func (r RuleSet) Merge(extra RuleSet) RuleSet {
	out := RuleSet{
		DeniedImports:  lo.Uniq(append(append([]string(nil), r.DeniedImports...), extra.DeniedImports...)),
		AllowedImports: r.AllowedImports,
		Categories:     append(append([]PatternCategory(nil), r.Categories...), extra.Categories...),
	}
	if len(extra.AllowedImports) > 0 {
		out.AllowedImports = extra.AllowedImports
	}
	return out
}

type compiledCategory struct {
	PatternCategory
	res []*regexp.Regexp
}

type compiledRules struct {
	denied   map[string]bool
	allowed  map[string]bool
	patterns []compiledCategory
}

func compileRules(r RuleSet) (*compiledRules, error) {
	c := &compiledRules{
		denied:  lo.SliceToMap(r.DeniedImports, func(m string) (string, bool) { return m, true }),
		allowed: lo.SliceToMap(r.AllowedImports, func(m string) (string, bool) { return m, true }),
	}
	for _, cat := range r.Categories {
		cc := compiledCategory{PatternCategory: cat}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile("(?m)" + p)
			if err != nil {
				return nil, fmt.Errorf("category %s: compiling %q: %w", cat.Name, p, err)
			}
			cc.res = append(cc.res, re)
		}
		c.patterns = append(c.patterns, cc)
	}
	return c, nil
}
