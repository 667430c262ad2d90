package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/labrun/internal/languages"
)

func testValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(languages.Default(), opts...)
	require.NoError(t, err)
	return v
}

func TestValidateAccepts(t *testing.T) {
	v := testValidator(t)
	sources := []string{
		"print(1+1)",
		"",
		"import math\nimport numpy as np, statistics\nfrom scipy import optimize\n\nprint(math.pi)\n",
		"def f(x):\n    # comment: import os\n    return x * 2\n\n\nprint(f(2))\n",
		"s = '''\nimport os\n'''\nprint(len(s))\n",
		"import re\npat = re.compile(r'\\d+')\n",
		"data = {\n    'a': 1,\n    'b': [1, 2,\n          3],\n}\nif data:\n\tpass\n",
		"x = 1 + \\\n    2\nprint(x)\n",
		"with open('out.png', 'wb') as f:\n    f.write(b'\\x89PNG')\n",
		"class A:\n    def m(self):\n        if True:\n            return 1\n        return 2\n\nprint(A().m())",
		"import numpy as np\nprint(np.cos(0), np.cosh(0))\n",
		"pos = 3\nprint(pos)\n",
		"name = getattr(obj, 'label', None)\n",
	}
	for _, src := range sources {
		verdict := v.Validate(src, "python-like")
		assert.True(t, verdict.OK, "source %q rejected: %+v", src, verdict)
	}
}

func TestValidateSyntaxErrors(t *testing.T) {
	v := testValidator(t)
	tests := []struct {
		src  string
		line int
		msg  string
	}{
		{"print((1+2)\n", 1, "was never closed"},
		{"x = [1, 2)\n", 1, "does not match"},
		{"x = 1)\n", 1, "unmatched"},
		{"s = 'abc\nprint(s)\n", 1, "unterminated string"},
		{"s = \"\"\"abc\n", 1, "unterminated triple-quoted"},
		{"x = 1\n    y = 2\n", 2, "unexpected indent"},
		{"def f():\nreturn 1\n", 2, "expected an indented block"},
		{"if True:\n", 1, "expected an indented block"},
		{"if True:\n        a = 1\n    b = 2\n", 3, "unindent does not match"},
		{"if True:\n \ta = 1\n", 2, "inconsistent use of tabs"},
	}
	for _, tt := range tests {
		verdict := v.Validate(tt.src, "python")
		assert.False(t, verdict.OK, "source %q accepted", tt.src)
		assert.Equal(t, ReasonSyntaxError, verdict.Reason, "source %q", tt.src)
		assert.Equal(t, tt.line, verdict.Line, "source %q", tt.src)
		assert.Contains(t, verdict.Message, tt.msg, "source %q", tt.src)
	}
}

func TestValidateForbidden(t *testing.T) {
	v := testValidator(t)
	tests := []struct {
		src  string
		line int
	}{
		{"import os\n", 1},
		{"import math, subprocess\n", 1},
		{"x = 1; import socket\n", 1},
		{"print(1)\nfrom os.path import join\n", 2},
		{"import multiprocessing.pool as mp\n", 1},
		{"m = __import__('os')\n", 1},
		{"eval('1+1')\n", 1},
		{"x = 2\nexec(\"print(1)\")\n", 2},
		{"print(().__class__.__bases__)\n", 1},
		{"f = open('/etc/passwd')\n", 1},
		{"f = open('../secret.txt')\n", 1},
		{"import pathlib\no = pathlib.os\n", 2},
		{"import tempfile\ntempfile._os.getcwd()\n", 2},
		{"import pathlib\nsh = pathlib . os . system\n", 2},
		{"from pathlib import Path, os\n", 1},
		{"import pathlib\ngetattr(pathlib.Path, 'fork')()\n", 2},
		{"import tempfile\nm = getattr(tempfile, \"_os\")\n", 2},
	}
	for _, tt := range tests {
		verdict := v.Validate(tt.src, "python")
		assert.False(t, verdict.OK, "source %q accepted", tt.src)
		assert.Equal(t, ReasonForbiddenConstruct, verdict.Reason, "source %q", tt.src)
		assert.Equal(t, tt.line, verdict.Line, "source %q", tt.src)
	}
}

func TestValidateSizeAndLanguage(t *testing.T) {
	v := testValidator(t, WithMaxSourceBytes(16))

	verdict := v.Validate(strings.Repeat("x", 17), "python")
	assert.Equal(t, ReasonTooLarge, verdict.Reason)

	verdict = v.Validate("print(1)", "brainfuck")
	assert.Equal(t, ReasonUnsupportedLanguage, verdict.Reason)
}

func TestValidateAllowlistFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	yamlRules := `python:
  allowed_imports: [math, numpy]
  denied_imports: [numpy.random]
  categories:
    - name: loops
      description: unbounded loop
      patterns: ['while\s+True\s*:']
`
	require.NoError(t, os.WriteFile(path, []byte(yamlRules), 0o644))

	sets, err := LoadRules(path)
	require.NoError(t, err)
	v := testValidator(t, WithRules(sets))

	assert.True(t, v.Validate("import math\nimport numpy\n", "python").OK)

	verdict := v.Validate("import statistics\n", "python")
	assert.Equal(t, ReasonForbiddenConstruct, verdict.Reason)
	assert.Contains(t, verdict.Message, "allowlist")

	verdict = v.Validate("while True:\n    pass\n", "python")
	assert.Equal(t, ReasonForbiddenConstruct, verdict.Reason)
	assert.Contains(t, verdict.Message, "unbounded loop")
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(nil, WithRules(map[string]RuleSet{
		"python": {Categories: []PatternCategory{{Name: "bad", Patterns: []string{"("}}}},
	}))
	assert.Error(t, err)
}
