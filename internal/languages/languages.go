// Package languages maps submission language tags to run commands.
package languages

import (
	"fmt"
	"sort"
	"strings"
)

// Language describes how to run one kind of submission.
type Language struct {
	Name     string   `mapstructure:"name" yaml:"name" json:"name"`
	Aliases  []string `mapstructure:"aliases" yaml:"aliases" json:"aliases,omitempty"`
	Filename string   `mapstructure:"filename" yaml:"filename" json:"filename"`
	Command  []string `mapstructure:"command" yaml:"command" json:"command"`
	// Syntax selects the validator dialect for this language.
	Syntax string `mapstructure:"syntax" yaml:"syntax" json:"syntax"`
}

// Python is the built-in python-like interpreter entry.
var Python = Language{
	Name:     "python",
	Aliases:  []string{"python-like", "python3", "py"},
	Filename: "main.py",
	Command:  []string{"python3", "-I", "-B", "{file}"},
	Syntax:   "python",
}

// Registry resolves language tags case-insensitively.
type Registry struct {
	byTag map[string]Language
	names []string
}

// NewRegistry builds a registry. Later entries override earlier ones with
// the same tag.
func NewRegistry(langs ...Language) (*Registry, error) {
	r := &Registry{byTag: make(map[string]Language)}
	for _, l := range langs {
		if l.Name == "" {
			return nil, fmt.Errorf("language without a name")
		}
		if l.Filename == "" || len(l.Command) == 0 {
			return nil, fmt.Errorf("language %s: filename and command are required", l.Name)
		}
		if _, seen := r.byTag[normalize(l.Name)]; !seen {
			r.names = append(r.names, l.Name)
		}
		r.byTag[normalize(l.Name)] = l
		for _, a := range l.Aliases {
			r.byTag[normalize(a)] = l
		}
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns a registry that only knows Python.
func Default() *Registry {
	r, _ := NewRegistry(Python)
	return r
}

// Lookup returns the language for a tag.
func (r *Registry) Lookup(tag string) (Language, bool) {
	l, ok := r.byTag[normalize(tag)]
	return l, ok
}

// Names lists the canonical language names.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
