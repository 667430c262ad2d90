package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/labrun/internal/app"
	"github.com/michaelbrown/labrun/internal/config"
	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/sandbox"
	"github.com/michaelbrown/labrun/internal/storage"
)

const maxToolOutput = 4000

func main() {
	sandbox.Init()
	cfg, err := config.Load(os.Getenv("LABRUN_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	log, err := app.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("starting labrun")
	}
	defer a.Close(context.Background())

	registry, err := cfg.Registry()
	if err != nil {
		log.WithError(err).Fatal("building language registry")
	}

	s := server.NewMCPServer("labrun-code-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Execute code in a labrun sandbox. Supported languages: %s. "+
			"Pass the same sessionId to keep a history; resending a submissionId returns the recorded result.",
			strings.Join(registry.Names(), ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"sessionId": map[string]any{
					"type":        "string",
					"description": "Session to record the run in (optional)",
				},
				"submissionId": map[string]any{
					"type":        "string",
					"description": "Idempotency key of this run (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, codeRunHandler(a.Coordinator))

	if err := server.ServeStdio(s); err != nil {
		log.WithError(err).Error("server error")
	}
}

func codeRunHandler(exec *execution.Coordinator) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		sessionID, _ := args["sessionId"].(string)
		submissionID, _ := args["submissionId"].(string)

		if language == "" || code == "" {
			return errResult("error: 'language' and 'code' are required"), nil
		}
		if sessionID == "" {
			sessionID = "mcp-" + uuid.NewString()
		}
		if submissionID == "" {
			submissionID = uuid.NewString()
		}

		res, err := exec.Submit(ctx, execution.Request{
			SessionID:    sessionID,
			SubmissionID: submissionID,
			Language:     language,
			SourceCode:   code,
		})
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatResult(res)}},
			IsError: res.Status != storage.StatusSuccess,
		}, nil
	}
}

func formatResult(res *storage.Execution) string {
	var output strings.Builder
	if res.Stdout != "" {
		output.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.Message != "" {
		output.WriteString("\n" + res.Message)
	}
	for _, m := range res.Metrics {
		output.WriteString(fmt.Sprintf("\nmetric %s = %g %s", m.Name, m.Value, m.Unit))
	}
	for _, art := range res.Artifacts {
		output.WriteString(fmt.Sprintf("\nartifact %s (%d bytes)", art.Filename, art.SizeBytes))
	}
	output.WriteString(fmt.Sprintf("\nstatus: %s", res.Status))
	if res.Status == storage.StatusRuntimeError {
		output.WriteString(fmt.Sprintf(" (exit code %d)", res.ExitCode))
	}

	text := output.String()
	if len(text) > maxToolOutput {
		text = text[:maxToolOutput] + "\n... (output truncated)"
	}
	return text
}
