// Package result turns raw process output into structured metrics and
// artifact listings. Parsing is best-effort and never fails a run.
package result

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/sandbox"
)

// Metric is a named numeric value extracted from stdout.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Artifact is a file a submission produced in its scratch directory.
type Artifact struct {
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"sizeBytes"`
	ContentRef string `json:"contentRef"`
}

const number = `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`

// DefaultPatterns are tried in order on every stdout line. Each must
// define the named groups label and value; unit is optional.
var DefaultPatterns = []*regexp.Regexp{
	// Loss (m/s): 1.5
	regexp.MustCompile(`^\s*(?P<label>[A-Za-z][\w .%/-]*?)\s*\((?P<unit>[^()]+)\)\s*[:=]\s*(?P<value>` + number + `)\s*$`),
	// RMS error: 1.23e-4 m
	regexp.MustCompile(`^\s*(?P<label>[A-Za-z][\w .()%/-]*?)\s*:\s*(?P<value>` + number + `)\s*(?P<unit>[^\s\d.,;:=+-][^\s,;]*)?\s*$`),
	// iterations = 42
	regexp.MustCompile(`^\s*(?P<label>[A-Za-z][\w .()%/-]*?)\s*=\s*(?P<value>` + number + `)\s*(?P<unit>[^\s\d.,;:=+-][^\s,;]*)?\s*$`),
}

// Parser extracts metrics with an ordered list of line patterns.
type Parser struct {
	patterns []*regexp.Regexp
	log      *logrus.Entry
}

// New creates a parser. With no patterns it uses DefaultPatterns.
func New(log *logrus.Entry, patterns ...*regexp.Regexp) *Parser {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if log == nil {
		log = logrus.WithField("component", "result")
	}
	return &Parser{patterns: patterns, log: log}
}

// Parse returns the metrics found in stdout and the files created between
// the before and after snapshots. stderr is kept verbatim by the caller
// and contributes no metrics.
func (p *Parser) Parse(stdout, stderr string, before, after []sandbox.FileEntry) ([]Metric, []Artifact) {
	return p.safeMetrics(stdout), DiffArtifacts(before, after)
}

// safeMetrics degrades a parser panic to an empty metric list.
func (p *Parser) safeMetrics(stdout string) (metrics []Metric) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", fmt.Sprint(r)).Error("result parser panicked")
			metrics = []Metric{}
		}
	}()
	return p.Metrics(stdout)
}

// Metrics scans stdout line by line. A label seen more than once keeps the
// value of its last occurrence and the position of its first.
func (p *Parser) Metrics(stdout string) []Metric {
	metrics := []Metric{}
	index := map[string]int{}
	for _, line := range strings.Split(stdout, "\n") {
		m, ok := p.match(strings.TrimRight(line, "\r"))
		if !ok {
			continue
		}
		if i, seen := index[m.Name]; seen {
			metrics[i] = m
			continue
		}
		index[m.Name] = len(metrics)
		metrics = append(metrics, m)
	}
	return metrics
}

func (p *Parser) match(line string) (Metric, bool) {
	if strings.TrimSpace(line) == "" {
		return Metric{}, false
	}
	for _, re := range p.patterns {
		groups := re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		var label, value, unit string
		for i, name := range re.SubexpNames() {
			switch name {
			case "label":
				label = groups[i]
			case "value":
				value = groups[i]
			case "unit":
				unit = groups[i]
			}
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		label = strings.Join(strings.Fields(label), " ")
		if label == "" {
			continue
		}
		return Metric{Name: label, Value: v, Unit: strings.TrimSpace(unit)}, true
	}
	return Metric{}, false
}

// DiffArtifacts lists files present in after but not in before, in
// snapshot order.
func DiffArtifacts(before, after []sandbox.FileEntry) []Artifact {
	existed := lo.SliceToMap(before, func(e sandbox.FileEntry) (string, bool) { return e.Name, true })
	created := lo.Filter(after, func(e sandbox.FileEntry, _ int) bool { return !existed[e.Name] })
	return lo.Map(created, func(e sandbox.FileEntry, _ int) Artifact {
		return Artifact{Filename: e.Name, SizeBytes: e.Size}
	})
}
