package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/labrun/internal/app"
	"github.com/michaelbrown/labrun/internal/config"
	"github.com/michaelbrown/labrun/internal/sandbox"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "labrun",
	Short: "labrun - sandboxed code execution service",
	Long: `labrun runs untrusted snippets for many users at once.

Submissions are screened by a static validator, run inside pooled sandbox
workers and recorded per session, so retries of the same submission return
the stored result instead of running again.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./labrun.yaml or ~/.labrun/labrun.yaml)")
}

// loadConfig reads the config and builds the process logger.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	sandbox.Init()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
