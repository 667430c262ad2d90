package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/labrun/internal/app"
	"github.com/michaelbrown/labrun/internal/execution"
)

var (
	replLanguage string
	resumeID     string
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run snippets interactively in one session",
	Long: `Start an interactive session. Type a snippet and finish it with an
empty line to run it. Every run is recorded in the session history.

Examples:
  labrun repl
  labrun repl --language python
  labrun repl --resume 3f2a`,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().StringVarP(&replLanguage, "language", "l", "python", "Language of the snippets")
	replCmd.Flags().StringVar(&resumeID, "resume", "", "Session ID (or prefix) to continue")
	rootCmd.AddCommand(replCmd)
}

type replState struct {
	app       *app.App
	sessionID string
	language  string
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		return fmt.Errorf("starting labrun: %w", err)
	}
	defer a.Close(context.Background())

	st := &replState{app: a, sessionID: uuid.NewString(), language: replLanguage}
	if resumeID != "" {
		sess, err := a.Store.GetSession(context.Background(), resumeID)
		if err != nil {
			return fmt.Errorf("resuming session: %w", err)
		}
		st.sessionID = sess.ID
		fmt.Printf("Resumed session %s (%d executions)\n", shortID(sess.ID), len(sess.History))
	}

	fmt.Printf("labrun - interactive session %s\n", shortID(st.sessionID))
	fmt.Printf("Language: %s | finish a snippet with an empty line | /help for commands\n\n", st.language)

	histDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>>>\033[0m ",
		HistoryFile:     filepath.Join(histDir, ".labrun", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C while a snippet runs cancels that run only.
	var runCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if runCancel != nil {
				runCancel()
			}
		}
	}()

	var snippet []string
	for {
		if len(snippet) == 0 {
			rl.SetPrompt("\033[36m>>>\033[0m ")
		} else {
			rl.SetPrompt("\033[36m...\033[0m ")
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(snippet) > 0 {
					snippet = nil
					continue
				}
				fmt.Println("\nGoodbye!")
				return nil
			}
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if len(snippet) == 0 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if st.handleCommand(strings.TrimSpace(line)) {
				return nil
			}
			continue
		}

		if strings.TrimSpace(line) != "" {
			snippet = append(snippet, line)
			continue
		}
		if len(snippet) == 0 {
			continue
		}

		source := strings.Join(snippet, "\n") + "\n"
		snippet = nil

		runCtx, cancel := context.WithCancel(context.Background())
		runCancel = cancel
		res, err := a.Coordinator.Submit(runCtx, execution.Request{
			SessionID:    st.sessionID,
			SubmissionID: uuid.NewString(),
			Language:     st.language,
			SourceCode:   source,
			Stdout:       os.Stdout,
			Stderr:       os.Stderr,
		})
		cancel()
		runCancel = nil

		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		printSummary(os.Stdout, res)
		fmt.Println()
	}
}

// handleCommand runs a slash command and reports whether the REPL should exit.
func (st *replState) handleCommand(input string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/lang":
		if len(fields) < 2 {
			fmt.Printf("Language: %s\n\n", st.language)
			return false
		}
		st.language = fields[1]
		fmt.Printf("Language set to %s\n\n", st.language)
	case "/history":
		executions, err := st.app.Store.ListExecutions(context.Background(), st.sessionID)
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		for _, e := range executions {
			fmt.Printf("  #%-3d %-20s %-10s %s\n", e.Seq, e.Status, e.Language, truncate(e.SourceCode, 50))
		}
		fmt.Println()
	case "/stats":
		s := st.app.Coordinator.Stats()
		fmt.Printf("Workers: %d available, %d in use, %d of %d\n", s.Available, s.InUse, s.Total, s.Max)
		for _, w := range st.app.Pool.Workers() {
			fmt.Printf("  %-24s %-10s uses=%d\n", w.ID, w.State, w.UseCount)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help          - Show this help")
		fmt.Println("  /lang [name]   - Show or switch the snippet language")
		fmt.Println("  /history       - List the executions of this session")
		fmt.Println("  /stats         - Show worker pool occupancy and workers")
		fmt.Println("  /quit          - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
