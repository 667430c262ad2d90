package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/labrun/internal/result"
)

var (
	// ErrNotFound is returned when a session or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same key already exists.
	ErrDuplicate = errors.New("already exists")
)

// Status is the terminal outcome of one execution.
type Status string

const (
	StatusSuccess            Status = "Success"
	StatusRuntimeError       Status = "RuntimeError"
	StatusValidationRejected Status = "ValidationRejected"
	StatusTimeout            Status = "Timeout"
	StatusPoolExhausted      Status = "PoolExhausted"
	StatusInternalError      Status = "InternalError"
	StatusCancelled          Status = "Cancelled"
)

// Session groups the executions of one user.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	// History lists execution ids in completion order.
	History []string `json:"history"`
}

// Execution is the immutable result of one submission.
type Execution struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId"`
	SubmissionID string            `json:"submissionId"`
	Seq          int64             `json:"seq"`
	Language     string            `json:"language"`
	SourceCode   string            `json:"sourceCode,omitempty"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Message      string            `json:"message,omitempty"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	Truncated    bool              `json:"truncated,omitempty"`
	ExitCode     int               `json:"exitCode"`
	DurationMs   int64             `json:"durationMs"`
	Metrics      []result.Metric   `json:"metrics"`
	Artifacts    []result.Artifact `json:"artifacts"`
	CreatedAt    time.Time         `json:"createdAt"`
	CompletedAt  time.Time         `json:"completedAt"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	UserID string
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions and their execution history.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// EnsureSession returns the session with id, creating it if needed.
	EnsureSession(ctx context.Context, id, userID string) (*Session, error)

	// GetSession returns a session by ID or unique ID prefix, with its history.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by last_active_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// TouchSession moves a session's last activity forward.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// DeleteSession removes a session and its executions.
	DeleteSession(ctx context.Context, id string) error

	// SaveExecution appends an execution to its session's history and
	// assigns Seq. It fails with ErrDuplicate if the submission was
	// already recorded.
	SaveExecution(ctx context.Context, e *Execution) error

	// GetExecution returns the recorded result of a submission.
	GetExecution(ctx context.Context, sessionID, submissionID string) (*Execution, error)

	// ListExecutions returns a session's executions in completion order.
	ListExecutions(ctx context.Context, sessionID string) ([]Execution, error)

	// Close releases resources.
	Close() error
}
