package sandbox

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ProcessFactory creates workers that run each submission as pid 1 of
// fresh user, mount and pid namespaces. The submission sees a read-only
// copy of the host's system paths and its own scratch directory at
// /workspace, and is bounded by rlimits set before exec.
type ProcessFactory struct {
	baseDir string
	policy  Policy
	log     *logrus.Entry
}

// NewProcessFactory creates a factory whose workers live under baseDir.
func NewProcessFactory(baseDir string, policy Policy, log *logrus.Entry) (*ProcessFactory, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	if log == nil {
		log = logrus.WithField("component", "sandbox")
	}
	return &ProcessFactory{baseDir: baseDir, policy: policy, log: log}, nil
}

// Check runs a trivial command in a throwaway worker. It fails on hosts
// where unprivileged user namespaces are disabled.
func (f *ProcessFactory) Check(ctx context.Context) error {
	w, err := f.New(ctx)
	if err != nil {
		return fmt.Errorf("process sandbox unavailable: %w", err)
	}
	defer w.Close(context.Background())

	out, err := w.Run(ctx, RunSpec{
		Filename: "check.sh",
		Source:   "exit 0\n",
		Command:  []string{"/bin/sh", FilePlaceholder},
		Policy:   f.policy,
	})
	if err != nil {
		return fmt.Errorf("process sandbox unavailable: %w", err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("process sandbox unavailable: check exited %d: %s", out.ExitCode, out.Stderr)
	}
	return nil
}

// Close is a no-op; workers clean up after themselves.
func (f *ProcessFactory) Close() error {
	return nil
}
