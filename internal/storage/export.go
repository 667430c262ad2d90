package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a session and its executions as a markdown document.
func ExportMarkdown(sess *Session, executions []Execution) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Session %s\n\n", sess.ID))
	if sess.UserID != "" {
		b.WriteString(fmt.Sprintf("- **User:** %s\n", sess.UserID))
	}
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", sess.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Last active:** %s\n", sess.LastActiveAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Executions:** %d\n", len(executions)))
	b.WriteString("\n---\n\n")

	for _, e := range executions {
		b.WriteString(fmt.Sprintf("## #%d %s (%s)\n\n", e.Seq, e.SubmissionID, e.Status))
		b.WriteString(fmt.Sprintf("- **Language:** %s\n", e.Language))
		b.WriteString(fmt.Sprintf("- **Duration:** %dms\n", e.DurationMs))
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", e.ExitCode))
		if e.Message != "" {
			b.WriteString(fmt.Sprintf("- **Message:** %s\n", e.Message))
		}
		b.WriteString(fmt.Sprintf("\n```%s\n%s\n```\n\n", e.Language, strings.TrimRight(e.SourceCode, "\n")))

		if e.Stdout != "" {
			b.WriteString(fmt.Sprintf("**stdout**\n```\n%s\n```\n\n", strings.TrimRight(e.Stdout, "\n")))
		}
		if e.Stderr != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>stderr</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(e.Stderr, "\n")))
		}
		if len(e.Metrics) > 0 {
			b.WriteString("| Metric | Value | Unit |\n|---|---|---|\n")
			for _, m := range e.Metrics {
				b.WriteString(fmt.Sprintf("| %s | %g | %s |\n", m.Name, m.Value, m.Unit))
			}
			b.WriteString("\n")
		}
		for _, a := range e.Artifacts {
			b.WriteString(fmt.Sprintf("- artifact `%s` (%d bytes) %s\n", a.Filename, a.SizeBytes, a.ContentRef))
		}
		if len(e.Artifacts) > 0 {
			b.WriteString("\n")
		}
	}

	return b.String()
}

// ExportJSON renders a session and its executions as formatted JSON.
func ExportJSON(sess *Session, executions []Execution) ([]byte, error) {
	export := struct {
		Session    *Session    `json:"session"`
		Executions []Execution `json:"executions"`
	}{
		Session:    sess,
		Executions: executions,
	}
	return json.MarshalIndent(export, "", "  ")
}
