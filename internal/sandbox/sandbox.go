package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrWorkerClosed is returned by a worker that has already been destroyed.
var ErrWorkerClosed = errors.New("worker closed")

// FilePlaceholder is replaced in a run command with the path of the source file.
const FilePlaceholder = "{file}"

// Limit names the resource limit that terminated a run, if any.
type Limit string

const (
	LimitNone     Limit = ""
	LimitCPU      Limit = "cpu"
	LimitFileSize Limit = "file_size"
	LimitMemory   Limit = "memory"
)

// FileEntry is one regular file in a worker's scratch directory.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// RunSpec describes one submission run inside a worker.
type RunSpec struct {
	Filename string   // source file name relative to the scratch directory
	Source   string   // source text written to Filename before the run
	Command  []string // argv; FilePlaceholder is expanded by the worker
	Policy   Policy

	// Optional live copies of the output streams. They see exactly the
	// bytes that are kept in RawOutput.
	Stdout io.Writer
	Stderr io.Writer
}

// RawOutput is the unstructured result of a run.
type RawOutput struct {
	Stdout        string
	Stderr        string
	Truncated     bool
	ExitCode      int
	Signal        string // terminating signal name, empty if the process exited
	LimitExceeded Limit
	Duration      time.Duration

	// Scratch directory contents before the source was executed and after
	// the process finished.
	Before []FileEntry
	After  []FileEntry
}

// Crashed reports whether the process was terminated by a signal.
func (o *RawOutput) Crashed() bool {
	return o.Signal != ""
}

// Worker is one isolated, reusable execution context. A worker runs at
// most one submission at a time; the pool guarantees exclusive use.
type Worker interface {
	ID() string

	// Run executes spec and blocks until the process exits or ctx is done.
	// When ctx ends first the process is killed, the partial output is
	// returned together with ctx.Err().
	Run(ctx context.Context, spec RunSpec) (*RawOutput, error)

	// Open reads a file from the scratch directory.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Reset empties the scratch directory so the worker can be reused.
	Reset(ctx context.Context) error

	// Close destroys the worker and everything it holds.
	Close(ctx context.Context) error
}

// Factory creates workers for a pool.
type Factory interface {
	New(ctx context.Context) (Worker, error)
	Close() error
}

func expandCommand(command []string, path string) []string {
	argv := make([]string, len(command))
	for i, arg := range command {
		argv[i] = strings.ReplaceAll(arg, FilePlaceholder, path)
	}
	return argv
}
