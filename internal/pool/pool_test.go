package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/labrun/internal/sandbox"
)

type fakeWorker struct {
	id        string
	resets    atomic.Int32
	closed    atomic.Bool
	failReset bool
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
	return &sandbox.RawOutput{}, nil
}

func (w *fakeWorker) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (w *fakeWorker) Reset(ctx context.Context) error {
	w.resets.Add(1)
	if w.failReset {
		return errors.New("reset failed")
	}
	return nil
}

func (w *fakeWorker) Close(ctx context.Context) error {
	w.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeWorker
	fail      bool
	failReset bool
	closed    bool
	gate      chan struct{}
	lateNew   bool
}

func (f *fakeFactory) New(ctx context.Context) (sandbox.Worker, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.lateNew = true
	}
	if f.fail {
		return nil, errors.New("boom")
	}
	w := &fakeWorker{id: fmt.Sprintf("fake-%d", len(f.created)), failReset: f.failReset}
	f.created = append(f.created, w)
	return w, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func testPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p := New(cfg, f, nil)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, f
}

func waitForState(t *testing.T, p *Pool, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State(id) == want },
		2*time.Second, 5*time.Millisecond, "worker %s never reached %s", id, want)
}

func TestAcquireCreatesAndReleaseRecycles(t *testing.T) {
	p, f := testPool(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Leased, p.State(lease.WorkerID()))
	assert.Equal(t, Stats{Available: 0, InUse: 1, Total: 1, Max: 2}, p.Stats())

	require.NoError(t, p.Release(ctx, lease, Clean))
	assert.Equal(t, Idle, p.State(lease.WorkerID()))
	assert.Equal(t, int32(1), f.created[0].resets.Load())

	again, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, lease.WorkerID(), again.WorkerID(), "idle worker should be reused")
	assert.Equal(t, 1, f.count())
}

func TestDirtyReleaseDestroysWorker(t *testing.T) {
	p, f := testPool(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, lease, Dirty))

	assert.NotEqual(t, Idle, p.State(lease.WorkerID()))
	waitForState(t, p, lease.WorkerID(), Dead)
	assert.True(t, f.created[0].closed.Load())
	assert.Zero(t, f.created[0].resets.Load(), "dirty worker must not be reset for reuse")

	next, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, lease.WorkerID(), next.WorkerID())
}

func TestMaxUsesRetiresWorker(t *testing.T) {
	p, _ := testPool(t, Config{MaxWorkers: 1, MaxUses: 2})
	ctx := context.Background()

	first, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, first, Clean))

	second, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.WorkerID(), second.WorkerID())
	require.NoError(t, p.Release(ctx, second, Clean))

	waitForState(t, p, first.WorkerID(), Dead)
}

func TestFailedResetDestroysWorker(t *testing.T) {
	f := &fakeFactory{failReset: true}
	p := New(Config{MaxWorkers: 1}, f, nil)
	defer p.Shutdown(context.Background())

	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), lease, Clean))
	waitForState(t, p, lease.WorkerID(), Dead)
}

func TestAcquireTimesOutWhenFull(t *testing.T) {
	p, _ := testPool(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	_, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p, _ := testPool(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(ctx, lease, Clean)
	}()

	next, err := p.Acquire(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lease.WorkerID(), next.WorkerID())
}

func TestAcquireFactoryError(t *testing.T) {
	f := &fakeFactory{fail: true}
	p := New(Config{MaxWorkers: 1}, f, nil)
	defer p.Shutdown(context.Background())

	_, err := p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.Zero(t, p.Stats().Total, "failed creation must give its slot back")
}

func TestPoolBoundUnderConcurrency(t *testing.T) {
	const maxWorkers = 3
	p, _ := testPool(t, Config{MaxWorkers: maxWorkers})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = map[string]bool{}
		overlap atomic.Bool
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.Acquire(ctx, 5*time.Second)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			if holders[lease.WorkerID()] {
				overlap.Store(true)
			}
			holders[lease.WorkerID()] = true
			mu.Unlock()

			if total := p.Stats().Total; total > maxWorkers {
				t.Errorf("total = %d, exceeds max %d", total, maxWorkers)
			}
			time.Sleep(time.Millisecond)

			mu.Lock()
			delete(holders, lease.WorkerID())
			mu.Unlock()
			outcome := Clean
			if i%5 == 0 {
				outcome = Dirty
			}
			p.Release(ctx, lease, outcome)
		}(i)
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "a worker was leased twice at once")
	assert.LessOrEqual(t, p.Stats().Total, maxWorkers)
}

func TestReaperReclaimsExpiredLease(t *testing.T) {
	p, _ := testPool(t, Config{MaxWorkers: 1, LeaseTTL: time.Minute})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	assert.Zero(t, p.reap(time.Now()))
	assert.Equal(t, 1, p.reap(time.Now().Add(2*time.Minute)))

	select {
	case <-lease.Revoked():
	default:
		t.Fatal("lease should be revoked")
	}
	waitForState(t, p, lease.WorkerID(), Dead)
	assert.ErrorIs(t, p.Release(ctx, lease, Clean), ErrLeaseRevoked)
}

func TestStartPrewarmsAndReplenishes(t *testing.T) {
	p, f := testPool(t, Config{MaxWorkers: 4, MinIdle: 2, ReapInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, 2, p.Stats().Available)

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, lease, Dirty))

	require.Eventually(t, func() bool { return p.Stats().Available == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.count())
}

func TestShutdownRevokesAndCloses(t *testing.T) {
	f := &fakeFactory{}
	p := New(Config{MaxWorkers: 2, MinIdle: 1, ReapInterval: time.Hour}, f, nil)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(ctx))

	select {
	case <-lease.Revoked():
	default:
		t.Fatal("lease should be revoked on shutdown")
	}
	for _, w := range f.created {
		assert.True(t, w.closed.Load(), "worker %s not closed", w.id)
	}
	assert.True(t, f.closed)
	assert.Zero(t, p.Stats().Total)

	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Release(ctx, lease, Clean), ErrLeaseRevoked)
}

func TestShutdownWaitsForInflightCreate(t *testing.T) {
	f := &fakeFactory{gate: make(chan struct{})}
	p := New(Config{MaxWorkers: 1, ReapInterval: time.Hour}, f, nil)
	ctx := context.Background()

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 5*time.Second)
		acquired <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Total == 1 },
		2*time.Second, 5*time.Millisecond)

	shut := make(chan error, 1)
	go func() { shut <- p.Shutdown(ctx) }()

	select {
	case <-shut:
		t.Fatal("Shutdown returned while a worker was still being created")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.gate)
	require.NoError(t, <-shut)
	assert.ErrorIs(t, <-acquired, ErrPoolClosed)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.False(t, f.lateNew, "factory was closed before New returned")
	require.Len(t, f.created, 1)
	assert.True(t, f.created[0].closed.Load(), "worker created during shutdown was leaked")
	assert.Zero(t, p.Stats().Total)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "leased", Leased.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "dirty", Dirty.String())
}
