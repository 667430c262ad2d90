package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/labrun/internal/pool"
)

var addrFlag string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show worker pool occupancy of a running server",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&addrFlag, "addr", "http://localhost:8080", "Base URL of the labrun server")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addrFlag, "/")+"/pool/stats", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var s pool.Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	fmt.Printf("available  %d\n", s.Available)
	fmt.Printf("in use     %d\n", s.InUse)
	fmt.Printf("total      %d / %d\n", s.Total, s.Max)
	return nil
}
