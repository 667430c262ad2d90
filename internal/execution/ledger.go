package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/cache"
	"github.com/michaelbrown/labrun/internal/storage"
)

// lookup finds a recorded result in the cache, then in the ledger.
func (c *Coordinator) lookup(ctx context.Context, sessionID, submissionID string) (*storage.Execution, bool) {
	key := cache.Key(sessionID, submissionID)
	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.WithError(err).Warn("reading result cache")
	} else if ok {
		var res storage.Execution
		if err := json.Unmarshal(data, &res); err == nil {
			return &res, true
		}
		c.log.WithField("key", key).Warn("discarding undecodable cache entry")
	}

	res, err := c.store.GetExecution(ctx, sessionID, submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).Warn("reading ledger")
		return nil, false
	}
	c.cacheResult(ctx, res)
	return res, true
}

// record appends res to its session's history and returns the result as
// stored. PoolExhausted results are returned without being recorded:
// nothing ran, so the submission id stays free for a retry.
func (c *Coordinator) record(ctx context.Context, log *logrus.Entry, userID string, res *storage.Execution) *storage.Execution {
	res.CompletedAt = time.Now().UTC()
	log = log.WithFields(logrus.Fields{
		"status":      res.Status,
		"duration_ms": res.DurationMs,
	})
	if res.Status == storage.StatusPoolExhausted {
		log.Warn("pool exhausted")
		return res
	}

	unlock := c.lockSession(res.SessionID)
	defer unlock()

	if _, err := c.store.EnsureSession(ctx, res.SessionID, userID); err != nil {
		log.WithError(err).Error("creating session")
		return res
	}
	if err := c.store.SaveExecution(ctx, res); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Recorded by another instance sharing the ledger.
			if existing, gerr := c.store.GetExecution(ctx, res.SessionID, res.SubmissionID); gerr == nil {
				return existing
			}
		}
		log.WithError(err).Error("recording execution")
		return res
	}
	if err := c.store.TouchSession(ctx, res.SessionID, res.CompletedAt); err != nil {
		log.WithError(err).Warn("touching session")
	}
	c.cacheResult(ctx, res)

	log.WithField("seq", res.Seq).Info("execution recorded")
	return res
}

func (c *Coordinator) cacheResult(ctx context.Context, res *storage.Execution) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cache.Key(res.SessionID, res.SubmissionID), data); err != nil {
		c.log.WithError(err).Warn("writing result cache")
	}
}

// lockSession serializes ledger appends for one session.
func (c *Coordinator) lockSession(id string) func() {
	c.mu.Lock()
	l, ok := c.sessions[id]
	if !ok {
		l = &sessionLock{}
		c.sessions[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.sessions, id)
		}
		c.mu.Unlock()
	}
}
