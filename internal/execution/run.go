package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/artifact"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/result"
	"github.com/michaelbrown/labrun/internal/sandbox"
	"github.com/michaelbrown/labrun/internal/storage"
)

const (
	// Bounds the work done after the run on behalf of a caller that may
	// already be gone: artifact copy, ledger write, worker release.
	finishTimeout = 30 * time.Second

	msgInternal      = "the submission could not be run because of an internal error; please retry"
	msgPoolExhausted = "no execution worker became available; retry shortly with the same submissionId"
	msgCancelled     = "the execution was cancelled"
)

// verdict is the classification of one finished run.
type verdict struct {
	status  storage.Status
	message string
	worker  pool.Outcome
}

func (c *Coordinator) execute(ctx context.Context, req Request) *storage.Execution {
	res := &storage.Execution{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		SubmissionID: req.SubmissionID,
		Language:     req.Language,
		SourceCode:   req.SourceCode,
		Metrics:      []result.Metric{},
		Artifacts:    []result.Artifact{},
		CreatedAt:    time.Now().UTC(),
	}
	log := c.log.WithFields(logrus.Fields{
		"session_id":    req.SessionID,
		"submission_id": req.SubmissionID,
	})
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()

	v := c.validator.Validate(req.SourceCode, req.Language)
	if !v.OK {
		res.Status = storage.StatusValidationRejected
		res.Reason = string(v.Reason)
		res.Message = v.Message
		if v.Line > 0 {
			res.Message = fmt.Sprintf("line %d: %s", v.Line, v.Message)
		}
		return c.record(finishCtx, log, req.UserID, res)
	}
	lang, _ := c.registry.Lookup(req.Language)
	res.Language = lang.Name

	if c.cfg.AdmissionControl {
		if s := c.pool.Stats(); s.Available == 0 && s.Total >= s.Max {
			res.Status = storage.StatusPoolExhausted
			res.Message = msgPoolExhausted
			return c.record(finishCtx, log, req.UserID, res)
		}
	}

	lease, err := c.pool.Acquire(ctx, c.cfg.AcquireTimeout)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			res.Status = storage.StatusPoolExhausted
			res.Message = msgPoolExhausted
		case ctx.Err() != nil:
			res.Status = storage.StatusCancelled
			res.Message = msgCancelled
		default:
			log.WithError(err).Error("acquiring worker")
			res.Status = storage.StatusInternalError
			res.Message = msgInternal
		}
		return c.record(finishCtx, log, req.UserID, res)
	}
	log = log.WithField("worker_id", lease.Worker.ID())

	deadline := c.deadlineFor(req.TimeoutMs)
	runCtx, cancelRun := context.WithTimeout(ctx, deadline)
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-lease.Revoked():
			cancelRun()
		case <-stopWatch:
		}
	}()

	raw, runErr := lease.Worker.Run(runCtx, sandbox.RunSpec{
		Filename: lang.Filename,
		Source:   req.SourceCode,
		Command:  lang.Command,
		Policy:   c.cfg.Policy,
		Stdout:   req.Stdout,
		Stderr:   req.Stderr,
	})
	close(stopWatch)
	deadlineHit := runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancelRun()

	revoked := false
	select {
	case <-lease.Revoked():
		revoked = true
	default:
	}

	vd := classify(ctx, raw, runErr, deadlineHit, revoked, deadline)
	if vd.status == storage.StatusInternalError {
		entry := log.WithField("revoked", revoked)
		if raw != nil {
			entry = entry.WithFields(logrus.Fields{"signal": raw.Signal, "limit": raw.LimitExceeded})
		}
		entry.WithError(runErr).Error("run failed")
	}
	res.Status = vd.status
	res.Message = vd.message

	if raw != nil {
		res.Stdout = raw.Stdout
		res.Stderr = raw.Stderr
		res.Truncated = raw.Truncated
		res.ExitCode = raw.ExitCode
		res.DurationMs = raw.Duration.Milliseconds()
		metrics, artifacts := c.parser.Parse(raw.Stdout, raw.Stderr, raw.Before, raw.After)
		if metrics != nil {
			res.Metrics = metrics
		}
		// Files are only read back from workers whose state is trusted.
		if vd.worker == pool.Clean && len(artifacts) > 0 {
			res.Artifacts = c.collectArtifacts(finishCtx, log, lease.Worker, req, artifacts)
		}
	}

	out := c.record(finishCtx, log, req.UserID, res)

	if err := c.pool.Release(finishCtx, lease, vd.worker); err != nil && !errors.Is(err, pool.ErrLeaseRevoked) {
		log.WithError(err).Warn("releasing worker")
	}
	return out
}

// classify maps a finished run to a status. Any abnormal end makes the
// worker dirty; a signal is never reported as a runtime error because a
// crashed interpreter and a compromised worker look the same from here.
func classify(ctx context.Context, raw *sandbox.RawOutput, runErr error, deadlineHit, revoked bool, deadline time.Duration) verdict {
	dirty := func(status storage.Status, msg string) verdict {
		return verdict{status: status, message: msg, worker: pool.Dirty}
	}
	switch {
	case revoked:
		return dirty(storage.StatusInternalError, msgInternal)
	case runErr != nil && ctx.Err() != nil:
		return dirty(storage.StatusCancelled, msgCancelled)
	case deadlineHit:
		return dirty(storage.StatusTimeout, fmt.Sprintf("execution exceeded the %s time limit", deadline))
	case runErr != nil || raw == nil:
		return dirty(storage.StatusInternalError, msgInternal)
	case raw.LimitExceeded == sandbox.LimitCPU:
		return dirty(storage.StatusTimeout, "execution exceeded its CPU time limit")
	case raw.LimitExceeded != sandbox.LimitNone:
		return dirty(storage.StatusInternalError, fmt.Sprintf("execution exceeded its %s limit", raw.LimitExceeded))
	case raw.Crashed():
		return dirty(storage.StatusInternalError, msgInternal)
	case raw.ExitCode != 0:
		return verdict{status: storage.StatusRuntimeError, message: fmt.Sprintf("exited with status %d", raw.ExitCode), worker: pool.Clean}
	default:
		return verdict{status: storage.StatusSuccess, worker: pool.Clean}
	}
}

// collectArtifacts copies produced files into the artifact store. Every
// file is listed; only files within the count and size limits get a
// content reference.
func (c *Coordinator) collectArtifacts(ctx context.Context, log *logrus.Entry, w sandbox.Worker, req Request, found []result.Artifact) []result.Artifact {
	if c.artifacts == nil {
		return found
	}
	stored := 0
	for i := range found {
		a := &found[i]
		if c.cfg.MaxArtifactFiles > 0 && stored >= c.cfg.MaxArtifactFiles {
			continue
		}
		if c.cfg.MaxArtifactBytes > 0 && a.SizeBytes > c.cfg.MaxArtifactBytes {
			continue
		}
		data, err := readArtifact(ctx, w, a.Filename, c.cfg.MaxArtifactBytes)
		if err != nil {
			log.WithError(err).WithField("artifact", a.Filename).Warn("reading artifact")
			continue
		}
		ref, err := c.artifacts.Put(ctx, artifact.Key(req.SessionID, req.SubmissionID, a.Filename), data)
		if err != nil {
			log.WithError(err).WithField("artifact", a.Filename).Warn("storing artifact")
			continue
		}
		a.ContentRef = ref
		stored++
	}
	return found
}

func readArtifact(ctx context.Context, w sandbox.Worker, name string, limit int64) ([]byte, error) {
	rc, err := w.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%s grew past %d bytes", name, limit)
	}
	return data, nil
}
