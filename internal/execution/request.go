package execution

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/michaelbrown/labrun/internal/sandbox"
)

// ErrInvalidRequest is returned by Submit for requests that are missing
// required fields. It is the only error Submit returns besides a caller's
// own context error.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one submission tied to a session.
type Request struct {
	SessionID    string `json:"sessionId" validate:"required,max=128,ident"`
	SubmissionID string `json:"submissionId" validate:"required,max=128,ident"`
	UserID       string `json:"userId,omitempty" validate:"max=128"`
	Language     string `json:"language" validate:"required,max=64"`
	SourceCode   string `json:"sourceCode"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty" validate:"gte=0"`

	// Optional live output for streaming callers.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Config holds the coordinator's submission policy.
type Config struct {
	AcquireTimeout   time.Duration
	Deadline         time.Duration // default wall-clock limit per run
	MaxDeadline      time.Duration // upper clamp for a requested timeoutMs
	AdmissionControl bool
	MaxArtifactFiles int
	MaxArtifactBytes int64
	Policy           sandbox.Policy
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:   5 * time.Second,
		Deadline:         10 * time.Second,
		MaxDeadline:      30 * time.Second,
		MaxArtifactFiles: 16,
		MaxArtifactBytes: 8 << 20,
		Policy:           sandbox.DefaultPolicy(),
	}
}

// identRe is the id charset. It has no path or key separators and no
// leading dot, so ids are safe as storage segments.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_@-][A-Za-z0-9._@-]*$`)

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// validID reports whether id could have been accepted by Submit.
func validID(id string) bool {
	return len(id) <= 128 && identRe.MatchString(id)
}

func checkRequest(req *Request) error {
	if err := requestValidator.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (c *Coordinator) deadlineFor(timeoutMs int64) time.Duration {
	d := c.cfg.Deadline
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	if c.cfg.MaxDeadline > 0 && d > c.cfg.MaxDeadline {
		d = c.cfg.MaxDeadline
	}
	return d
}
