// Package execution turns submissions into recorded results. It is the
// only caller of the validator, the worker pool and the ledger.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/artifact"
	"github.com/michaelbrown/labrun/internal/cache"
	"github.com/michaelbrown/labrun/internal/languages"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/result"
	"github.com/michaelbrown/labrun/internal/storage"
	"github.com/michaelbrown/labrun/internal/validate"
)

// errCancelled is the cancel cause set by Cancel.
var errCancelled = errors.New("execution cancelled")

// WorkerPool is the part of the pool the coordinator uses.
type WorkerPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Lease, error)
	Release(ctx context.Context, lease *pool.Lease, outcome pool.Outcome) error
	Stats() pool.Stats
}

// call is one in-flight submission. Duplicate submissions wait on done.
type call struct {
	done   chan struct{}
	res    *storage.Execution
	cancel context.CancelCauseFunc
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg       Config
	registry  *languages.Registry
	validator *validate.Validator
	pool      WorkerPool
	store     storage.Store
	parser    *result.Parser
	artifacts artifact.Store
	cache     cache.Cache
	log       *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*call
	sessions map[string]*sessionLock
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithArtifactStore copies produced files out of workers into s.
func WithArtifactStore(s artifact.Store) Option {
	return func(c *Coordinator) { c.artifacts = s }
}

// WithCache puts a result cache in front of the ledger.
func WithCache(rc cache.Cache) Option {
	return func(c *Coordinator) { c.cache = rc }
}

// WithParser replaces the default result parser.
func WithParser(p *result.Parser) Option {
	return func(c *Coordinator) { c.parser = p }
}

// WithLogger sets the coordinator's log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a coordinator.
func New(cfg Config, registry *languages.Registry, v *validate.Validator, p WorkerPool, store storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		registry:  registry,
		validator: v,
		pool:      p,
		store:     store,
		cache:     cache.Nop{},
		inflight:  make(map[string]*call),
		sessions:  make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.WithField("component", "execution")
	}
	if c.parser == nil {
		c.parser = result.New(c.log)
	}
	return c
}

// Submit runs a submission at most once and returns its result. Every
// outcome, including rejection and timeout, is reported as a result with
// a status. A retried submission returns the recorded result unchanged,
// and a concurrent duplicate waits for the first one to finish.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*storage.Execution, error) {
	if err := checkRequest(&req); err != nil {
		return nil, err
	}
	key := cache.Key(req.SessionID, req.SubmissionID)

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	cl := &call{done: make(chan struct{}), cancel: cancel}
	c.inflight[key] = cl
	c.mu.Unlock()

	defer func() {
		cancel(nil)
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(cl.done)
	}()

	if res, ok := c.lookup(ctx, req.SessionID, req.SubmissionID); ok {
		cl.res = res
		return res, nil
	}

	cl.res = c.execute(runCtx, req)
	return cl.res, nil
}

// Cancel stops an in-flight submission. It reports whether one was running.
func (c *Coordinator) Cancel(sessionID, submissionID string) bool {
	if !validID(sessionID) || !validID(submissionID) {
		return false
	}
	c.mu.Lock()
	cl, ok := c.inflight[cache.Key(sessionID, submissionID)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cl.cancel(errCancelled)
	return true
}

// Result returns the recorded result of a submission.
func (c *Coordinator) Result(ctx context.Context, sessionID, submissionID string) (*storage.Execution, error) {
	if !validID(sessionID) || !validID(submissionID) {
		return nil, fmt.Errorf("submission %q/%q: %w", sessionID, submissionID, storage.ErrNotFound)
	}
	if res, ok := c.lookup(ctx, sessionID, submissionID); ok {
		return res, nil
	}
	return nil, fmt.Errorf("submission %s/%s: %w", sessionID, submissionID, storage.ErrNotFound)
}

// OpenArtifact reads the stored content of one artifact of a recorded result.
func (c *Coordinator) OpenArtifact(ctx context.Context, sessionID, submissionID, filename string) (io.ReadCloser, error) {
	if c.artifacts == nil {
		return nil, artifact.ErrNotFound
	}
	res, err := c.Result(ctx, sessionID, submissionID)
	if err != nil {
		return nil, err
	}
	for _, a := range res.Artifacts {
		if a.Filename == filename && a.ContentRef != "" {
			return c.artifacts.Open(ctx, artifact.Key(sessionID, submissionID, filename))
		}
	}
	return nil, artifact.ErrNotFound
}

// Stats reports pool occupancy.
func (c *Coordinator) Stats() pool.Stats {
	return c.pool.Stats()
}

// DeleteSession removes a session with its history, cached results and
// stored artifacts. id may be a unique prefix.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	unlock := c.lockSession(sess.ID)
	defer unlock()

	executions, err := c.store.ListExecutions(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("listing executions: %w", err)
	}
	if err := c.store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}

	for _, e := range executions {
		if err := c.cache.Delete(ctx, cache.Key(e.SessionID, e.SubmissionID)); err != nil {
			c.log.WithError(err).Warn("evicting cached result")
		}
		if c.artifacts == nil {
			continue
		}
		for _, a := range e.Artifacts {
			if a.ContentRef == "" {
				continue
			}
			if err := c.artifacts.Delete(ctx, artifact.Key(e.SessionID, e.SubmissionID, a.Filename)); err != nil {
				c.log.WithError(err).WithField("artifact", a.Filename).Warn("deleting artifact")
			}
		}
	}
	return nil
}
