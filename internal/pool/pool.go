// Package pool owns a bounded set of sandbox workers and hands out
// exclusive, revocable leases on them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/michaelbrown/labrun/internal/sandbox"
)

const (
	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	destroyTimeout = 30 * time.Second
)

// Lease is a temporary, exclusive right to use one worker.
type Lease struct {
	ID     string
	Worker sandbox.Worker

	entry   *entry
	revoked chan struct{}
}

// WorkerID returns the pool id of the leased worker.
func (l *Lease) WorkerID() string { return l.entry.id }

// Revoked is closed when the pool reclaims the lease.
func (l *Lease) Revoked() <-chan struct{} { return l.revoked }

type entry struct {
	id          string
	worker      sandbox.Worker
	state       State
	useCount    int
	leaseExpiry time.Time
	lease       *Lease
}

// Pool is the only owner of its workers. All state transitions happen
// under mu.
type Pool struct {
	cfg     Config
	factory sandbox.Factory
	limiter *rate.Limiter
	log     *logrus.Entry

	mu      sync.Mutex
	workers map[string]*entry
	idle    []*entry
	closed  bool
	changed chan struct{}

	replenish chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a pool. No workers exist until Start or the first Acquire.
func New(cfg Config, factory sandbox.Factory, log *logrus.Entry) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinIdle > cfg.MaxWorkers {
		cfg.MinIdle = cfg.MaxWorkers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.CreateRate > 0 {
		limit = rate.Limit(cfg.CreateRate)
	}
	if cfg.CreateBurst <= 0 {
		cfg.CreateBurst = 1
	}
	if log == nil {
		log = logrus.WithField("component", "pool")
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		limiter:   rate.NewLimiter(limit, cfg.CreateBurst),
		log:       log,
		workers:   make(map[string]*entry),
		changed:   make(chan struct{}),
		replenish: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start prewarms MinIdle workers and launches the reaper and replenisher.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.prewarm(ctx); err != nil {
		return fmt.Errorf("prewarming pool: %w", err)
	}
	p.wg.Add(2)
	go p.reapLoop()
	go p.replenishLoop()
	p.log.WithFields(logrus.Fields{
		"max_workers": p.cfg.MaxWorkers,
		"min_idle":    p.cfg.MinIdle,
	}).Info("pool started")
	return nil
}

// Acquire leases an idle worker, creating one if the pool has room. When
// the pool is full it waits up to timeout for a release and then fails
// with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if e := p.popIdleLocked(); e != nil {
			lease := p.leaseLocked(e)
			p.mu.Unlock()
			return lease, nil
		}
		if len(p.workers) < p.cfg.MaxWorkers {
			e := p.reserveLocked()
			p.mu.Unlock()
			return p.createLeased(ctx, e)
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, waitErr(ctx)
		}
	}
}

// createLeased warms a reserved entry and leases it to the caller.
func (p *Pool) createLeased(ctx context.Context, e *entry) (*Lease, error) {
	defer p.wg.Done()
	if err := p.warm(ctx, e); err != nil {
		if ctx.Err() != nil {
			return nil, waitErr(ctx)
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		e.state = Draining
		p.mu.Unlock()
		p.destroy(e, "pool closed")
		return nil, ErrPoolClosed
	}
	e.state = Idle
	lease := p.leaseLocked(e)
	p.mu.Unlock()
	return lease, nil
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrPoolExhausted
	}
	return ctx.Err()
}

// Release returns a leased worker. A clean worker under its use limit is
// reset and goes back to Idle; anything else is destroyed and replaced.
func (p *Pool) Release(ctx context.Context, lease *Lease, outcome Outcome) error {
	p.mu.Lock()
	e := lease.entry
	if e.lease != lease {
		p.mu.Unlock()
		return ErrLeaseRevoked
	}
	e.lease = nil
	reuse := outcome == Clean && !p.closed && (p.cfg.MaxUses <= 0 || e.useCount < p.cfg.MaxUses)
	if !reuse {
		e.state = Draining
		p.mu.Unlock()
		reason := "dirty outcome"
		if outcome == Clean {
			reason = "use limit reached"
		}
		p.destroyAsync(e, reason)
		return nil
	}
	// The entry stays Leased with no lease while it is reset, so nobody
	// else can pick it up. Shutdown leaves it to this goroutine.
	p.wg.Add(1)
	defer p.wg.Done()
	p.mu.Unlock()

	if err := e.worker.Reset(ctx); err != nil {
		p.log.WithError(err).WithField("worker_id", e.id).Warn("reset failed, destroying worker")
		p.mu.Lock()
		e.state = Draining
		p.mu.Unlock()
		p.destroyAsync(e, "reset failed")
		return nil
	}

	p.mu.Lock()
	if p.closed {
		e.state = Draining
		p.mu.Unlock()
		p.destroyAsync(e, "pool closed")
		return nil
	}
	e.state = Idle
	p.idle = append(p.idle, e)
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := lo.Values(p.workers)
	return Stats{
		Available: len(p.idle),
		InUse:     lo.CountBy(entries, func(e *entry) bool { return e.state == Leased }),
		Total:     len(p.workers),
		Max:       p.cfg.MaxWorkers,
	}
}

// State returns the state of a worker. Unknown or destroyed workers are Dead.
func (p *Pool) State(workerID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerID]; ok {
		return e.state
	}
	return Dead
}

// Workers lists all live workers sorted by id.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	infos := lo.MapToSlice(p.workers, func(id string, e *entry) WorkerInfo {
		info := WorkerInfo{ID: id, State: e.state.String(), UseCount: e.useCount}
		if e.lease != nil {
			info.LeaseExpiry = e.leaseExpiry
		}
		return info
	})
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Shutdown revokes every lease, destroys every worker and waits for the
// background goroutines to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	var doomed []*entry
	for _, e := range p.workers {
		switch e.state {
		case Idle:
			e.state = Draining
			doomed = append(doomed, e)
		case Leased:
			if e.lease == nil {
				// being reset by Release
				continue
			}
			close(e.lease.revoked)
			e.lease = nil
			e.state = Draining
			doomed = append(doomed, e)
		}
	}
	p.idle = nil
	p.notifyLocked()
	p.mu.Unlock()

	for _, e := range doomed {
		p.destroyAsync(e, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
	if err := p.factory.Close(); err != nil {
		return fmt.Errorf("closing factory: %w", err)
	}
	p.log.Info("pool shut down")
	return nil
}

func (p *Pool) popIdleLocked() *entry {
	if len(p.idle) == 0 {
		return nil
	}
	e := p.idle[0]
	p.idle = p.idle[1:]
	return e
}

func (p *Pool) leaseLocked(e *entry) *Lease {
	e.state = Leased
	e.useCount++
	e.leaseExpiry = time.Now().Add(p.cfg.LeaseTTL)
	l := &Lease{
		ID:      fmt.Sprintf("%s/%d", e.id, e.useCount),
		Worker:  e.worker,
		entry:   e,
		revoked: make(chan struct{}),
	}
	e.lease = l
	return l
}

// reserveLocked claims a slot for a worker that does not exist yet, so
// concurrent creators cannot overshoot MaxWorkers. The creation counts
// against wg until the caller is done with the entry, so Shutdown waits
// for it. Callers must have checked closed under the same lock.
func (p *Pool) reserveLocked() *entry {
	e := &entry{
		id:    "w-" + gonanoid.MustGenerate(idAlphabet, 12),
		state: Cold,
	}
	p.workers[e.id] = e
	p.wg.Add(1)
	return e
}

// warm creates the sandbox worker for a reserved entry. On failure the
// slot is given back.
func (p *Pool) warm(ctx context.Context, e *entry) error {
	err := p.limiter.Wait(ctx)
	if err == nil {
		p.mu.Lock()
		e.state = Warming
		p.mu.Unlock()

		var w sandbox.Worker
		w, err = p.factory.New(ctx)
		if err == nil {
			p.mu.Lock()
			e.worker = w
			p.mu.Unlock()
			p.log.WithFields(logrus.Fields{"worker_id": e.id, "sandbox_id": w.ID()}).Debug("worker created")
			return nil
		}
	}

	p.mu.Lock()
	e.state = Dead
	delete(p.workers, e.id)
	p.notifyLocked()
	p.mu.Unlock()
	return fmt.Errorf("creating worker: %w", err)
}

// prewarm tops the pool up to MinIdle idle workers.
func (p *Pool) prewarm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		pending := lo.CountBy(lo.Values(p.workers), func(e *entry) bool {
			return e.state == Cold || e.state == Warming
		})
		if len(p.idle)+pending >= p.cfg.MinIdle || len(p.workers) >= p.cfg.MaxWorkers {
			p.mu.Unlock()
			return nil
		}
		e := p.reserveLocked()
		p.mu.Unlock()

		if more, err := p.createIdle(ctx, e); !more || err != nil {
			return err
		}
	}
}

// createIdle warms a reserved entry and parks it on the idle list. It
// reports false once the pool has closed.
func (p *Pool) createIdle(ctx context.Context, e *entry) (bool, error) {
	defer p.wg.Done()
	if err := p.warm(ctx, e); err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.closed {
		e.state = Draining
		p.mu.Unlock()
		p.destroy(e, "pool closed")
		return false, nil
	}
	e.state = Idle
	p.idle = append(p.idle, e)
	p.notifyLocked()
	p.mu.Unlock()
	return true, nil
}

func (p *Pool) destroyAsync(e *entry, reason string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.destroy(e, reason)
	}()
}

// destroy closes a Draining worker and frees its slot.
func (p *Pool) destroy(e *entry, reason string) {
	if e.worker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		if err := e.worker.Close(ctx); err != nil {
			p.log.WithError(err).WithField("worker_id", e.id).Warn("closing worker")
		}
		cancel()
	}

	p.mu.Lock()
	e.state = Dead
	delete(p.workers, e.id)
	p.notifyLocked()
	closed := p.closed
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"worker_id": e.id,
		"uses":      e.useCount,
		"reason":    reason,
	}).Debug("worker destroyed")

	if !closed {
		select {
		case p.replenish <- struct{}{}:
		default:
		}
	}
}

// notifyLocked wakes every goroutine waiting in Acquire.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap(time.Now())
		}
	}
}

// reap reclaims leases whose expiry has passed.
func (p *Pool) reap(now time.Time) int {
	p.mu.Lock()
	var expired []*entry
	for _, e := range p.workers {
		if e.lease != nil && now.After(e.leaseExpiry) {
			close(e.lease.revoked)
			e.lease = nil
			e.state = Draining
			expired = append(expired, e)
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.log.WithField("worker_id", e.id).Warn("lease expired, reclaiming worker")
		p.destroyAsync(e, "lease expired")
	}
	return len(expired)
}

func (p *Pool) replenishLoop() {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stop
		cancel()
	}()
	for {
		select {
		case <-p.stop:
			return
		case <-p.replenish:
			if err := p.prewarm(ctx); err != nil && ctx.Err() == nil {
				p.log.WithError(err).Warn("replenishing pool")
			}
		}
	}
}
