package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/labrun/internal/artifact"
	"github.com/michaelbrown/labrun/internal/cache"
	"github.com/michaelbrown/labrun/internal/languages"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/sandbox"
	"github.com/michaelbrown/labrun/internal/storage"
	"github.com/michaelbrown/labrun/internal/storage/sqlite"
	"github.com/michaelbrown/labrun/internal/validate"
)

type mockPool struct {
	mock.Mock
}

func (m *mockPool) Acquire(ctx context.Context, timeout time.Duration) (*pool.Lease, error) {
	args := m.Called(ctx, timeout)
	lease, _ := args.Get(0).(*pool.Lease)
	return lease, args.Error(1)
}

func (m *mockPool) Release(ctx context.Context, lease *pool.Lease, outcome pool.Outcome) error {
	return m.Called(ctx, lease, outcome).Error(0)
}

func (m *mockPool) Stats() pool.Stats {
	return m.Called().Get(0).(pool.Stats)
}

type fakeWorker struct {
	run   func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error)
	files map[string]string
}

func (w *fakeWorker) ID() string { return "w-fake" }

func (w *fakeWorker) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
	return w.run(ctx, spec)
}

func (w *fakeWorker) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	data, ok := w.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (w *fakeWorker) Reset(ctx context.Context) error { return nil }
func (w *fakeWorker) Close(ctx context.Context) error { return nil }

func output(stdout string, exit int) func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
	return func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
		return &sandbox.RawOutput{Stdout: stdout, ExitCode: exit, Duration: 5 * time.Millisecond}, nil
	}
}

// blockUntilDone simulates a run that only ends when its context does.
func blockUntilDone(started chan<- struct{}) func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
	return func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return &sandbox.RawOutput{Stdout: "partial\n", Signal: "SIGKILL", ExitCode: 137}, ctx.Err()
	}
}

type fixture struct {
	coord *Coordinator
	pool  *mockPool
	store *sqlite.SQLiteStore
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v, err := validate.New(languages.Default())
	require.NoError(t, err)

	p := &mockPool{}
	return &fixture{
		coord: New(cfg, languages.Default(), v, p, store, opts...),
		pool:  p,
		store: store,
	}
}

func (f *fixture) expectLease(w sandbox.Worker, outcome pool.Outcome) *pool.Lease {
	lease := &pool.Lease{ID: "lease-1", Worker: w}
	f.pool.On("Acquire", mock.Anything, mock.Anything).Return(lease, nil)
	f.pool.On("Release", mock.Anything, lease, outcome).Return(nil)
	return lease
}

func request(submission, source string) Request {
	return Request{SessionID: "sess-1", SubmissionID: submission, Language: "python-like", SourceCode: source}
}

func TestSubmitSuccessWithMetricsAndArtifacts(t *testing.T) {
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, DefaultConfig(), WithArtifactStore(store))

	w := &fakeWorker{
		files: map[string]string{"out.png": "PNGDATA"},
		run: func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
			assert.Equal(t, "main.py", spec.Filename)
			assert.Equal(t, []string{"python3", "-I", "-B", "{file}"}, spec.Command)
			return &sandbox.RawOutput{
				Stdout: "peak value: 3.14 units\n",
				After:  []sandbox.FileEntry{{Name: "main.py", Size: 10}, {Name: "out.png", Size: 7}},
				Before: []sandbox.FileEntry{{Name: "main.py", Size: 10}},
			}, nil
		},
	}
	f.expectLease(w, pool.Clean)

	res, err := f.coord.Submit(context.Background(), request("s1", "print('peak value: 3.14 units')"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusSuccess, res.Status)
	assert.Equal(t, "python", res.Language)
	require.Len(t, res.Metrics, 1)
	assert.Equal(t, "peak value", res.Metrics[0].Name)
	assert.Equal(t, 3.14, res.Metrics[0].Value)
	assert.Equal(t, "units", res.Metrics[0].Unit)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "out.png", res.Artifacts[0].Filename)
	assert.NotEmpty(t, res.Artifacts[0].ContentRef)

	rc, err := f.coord.OpenArtifact(context.Background(), "sess-1", "s1", "out.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "PNGDATA", string(data))

	f.pool.AssertExpectations(t)
}

func TestSubmitValidationRejectedNeverAcquires(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	res, err := f.coord.Submit(context.Background(), request("bad", "import os\nos.system('ls')"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusValidationRejected, res.Status)
	assert.Equal(t, string(validate.ReasonForbiddenConstruct), res.Reason)
	assert.Contains(t, res.Message, "line 1")
	f.pool.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)

	// Rejections are part of the session history.
	sess, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, sess.History)
}

func TestSubmitUnsupportedLanguage(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	req := request("cobol", "DISPLAY 'HI'.")
	req.Language = "cobol"
	res, err := f.coord.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusValidationRejected, res.Status)
	assert.Equal(t, string(validate.ReasonUnsupportedLanguage), res.Reason)
	f.pool.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
}

func TestSubmitInvalidRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.coord.Submit(context.Background(), Request{Language: "python", SourceCode: "print(1)"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitRejectsUnsafeIDs(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ids := []struct{ session, submission string }{
		{"alice:hw1", "q"},
		{"alice", "hw1:q"},
		{"a/b", "q"},
		{"alice", "../bob"},
		{"..", "q"},
		{".hidden", "q"},
		{"alice", "with space"},
		{strings.Repeat("a", 129), "q"},
	}
	for _, id := range ids {
		req := request(id.submission, "print(1)")
		req.SessionID = id.session
		_, err := f.coord.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "ids %q/%q", id.session, id.submission)
	}
	f.pool.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)

	_, err := f.coord.Result(context.Background(), "..", "q")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.coord.OpenArtifact(context.Background(), "sess-1", "../x", "out.png")
	assert.Error(t, err)
	assert.False(t, f.coord.Cancel("alice:hw1", "q"))
}

func TestSubmitAcceptsGeneratedIDs(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.expectLease(&fakeWorker{run: output("2\n", 0)}, pool.Clean)

	req := request("mcp-0b7e7b1c-5f0e-4c39-9f9e-3f3c2b1a0d9e", "print(1)")
	req.SessionID = "cli-alice_hw1.v2@lab"
	res, err := f.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, res.Status)
}

func TestSubmitAdmissionControl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdmissionControl = true
	f := newFixture(t, cfg)
	f.pool.On("Stats").Return(pool.Stats{Available: 0, InUse: 2, Total: 2, Max: 2})

	res, err := f.coord.Submit(context.Background(), request("busy", "print(1)"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusPoolExhausted, res.Status)
	f.pool.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
}

func TestSubmitPoolExhaustedIsRetryable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.pool.On("Acquire", mock.Anything, mock.Anything).Return(nil, pool.ErrPoolExhausted).Once()

	res, err := f.coord.Submit(context.Background(), request("retry", "print(1)"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPoolExhausted, res.Status)

	_, err = f.store.GetExecution(context.Background(), "sess-1", "retry")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f.expectLease(&fakeWorker{run: output("2\n", 0)}, pool.Clean)
	res, err = f.coord.Submit(context.Background(), request("retry", "print(1)"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, res.Status)
}

func TestSubmitRuntimeErrorKeepsWorker(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	w := &fakeWorker{run: func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
		return &sandbox.RawOutput{Stderr: "ZeroDivisionError: division by zero\n", ExitCode: 1}, nil
	}}
	f.expectLease(w, pool.Clean)

	res, err := f.coord.Submit(context.Background(), request("div", "print(1/0)"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusRuntimeError, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "ZeroDivisionError")
	f.pool.AssertExpectations(t)
}

func TestSubmitCrashIsInternalErrorAndDirty(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	w := &fakeWorker{run: func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
		return &sandbox.RawOutput{Stdout: "before crash\n", Signal: "SIGSEGV", ExitCode: 139}, nil
	}}
	f.expectLease(w, pool.Dirty)

	res, err := f.coord.Submit(context.Background(), request("segv", "print(1)"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusInternalError, res.Status)
	assert.Equal(t, "before crash\n", res.Stdout)
	assert.NotContains(t, res.Message, "SIGSEGV")
	f.pool.AssertExpectations(t)
}

func TestSubmitCPULimitIsTimeout(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	w := &fakeWorker{run: func(context.Context, sandbox.RunSpec) (*sandbox.RawOutput, error) {
		return &sandbox.RawOutput{Signal: "SIGXCPU", LimitExceeded: sandbox.LimitCPU, ExitCode: 152}, nil
	}}
	f.expectLease(w, pool.Dirty)

	res, err := f.coord.Submit(context.Background(), request("spin", "while True:\n    pass\n"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimeout, res.Status)
	f.pool.AssertExpectations(t)
}

func TestSubmitDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deadline = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.expectLease(&fakeWorker{run: blockUntilDone(nil)}, pool.Dirty)

	start := time.Now()
	res, err := f.coord.Submit(context.Background(), request("slow", "while True:\n    pass\n"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusTimeout, res.Status)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Less(t, time.Since(start), 2*time.Second)
	f.pool.AssertExpectations(t)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	f := newFixture(t, DefaultConfig(), WithCache(cache.NewMemory(time.Minute)))
	f.expectLease(&fakeWorker{run: output("rms: 0.5 m\n", 0)}, pool.Clean)

	first, err := f.coord.Submit(context.Background(), request("once", "print('rms: 0.5 m')"))
	require.NoError(t, err)
	second, err := f.coord.Submit(context.Background(), request("once", "print('rms: 0.5 m')"))
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, string(a), string(b))
	f.pool.AssertNumberOfCalls(t, "Acquire", 1)

	// Replay from the ledger alone, as after a restart.
	fresh := New(DefaultConfig(), languages.Default(), f.coord.validator, f.pool, f.store)
	third, err := fresh.Submit(context.Background(), request("once", "print('rms: 0.5 m')"))
	require.NoError(t, err)
	c, _ := json.Marshal(third)
	assert.Equal(t, string(a), string(c))
	f.pool.AssertNumberOfCalls(t, "Acquire", 1)
}

func TestSubmitConcurrentDuplicatesShareOneRun(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	started := make(chan struct{})
	proceed := make(chan struct{})
	w := &fakeWorker{run: func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
		close(started)
		<-proceed
		return &sandbox.RawOutput{Stdout: "2\n"}, nil
	}}
	f.expectLease(w, pool.Clean)

	var wg sync.WaitGroup
	results := make([]*storage.Execution, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.coord.Submit(context.Background(), request("dup", "print(1+1)"))
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.coord.Submit(context.Background(), request("dup", "print(1+1)"))
	}()
	// Give the follower time to find the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(proceed)
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	f.pool.AssertNumberOfCalls(t, "Acquire", 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	started := make(chan struct{})
	f.expectLease(&fakeWorker{run: blockUntilDone(started)}, pool.Dirty)

	done := make(chan *storage.Execution)
	go func() {
		res, _ := f.coord.Submit(context.Background(), request("long", "print(1)"))
		done <- res
	}()
	<-started

	assert.True(t, f.coord.Cancel("sess-1", "long"))
	res := <-done
	assert.Equal(t, storage.StatusCancelled, res.Status)
	assert.False(t, f.coord.Cancel("sess-1", "long"))
	f.pool.AssertExpectations(t)
}

func TestSubmitSerializesSessionHistory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.expectLease(&fakeWorker{run: output("ok\n", 0)}, pool.Clean)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.Submit(context.Background(), request(string(rune('a'+i)), "print(1)"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	execs, err := f.store.ListExecutions(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, execs, 8)
	for i, e := range execs {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestDeadlineFor(t *testing.T) {
	c := &Coordinator{cfg: Config{Deadline: 10 * time.Second, MaxDeadline: 30 * time.Second}}
	assert.Equal(t, 10*time.Second, c.deadlineFor(0))
	assert.Equal(t, 2*time.Second, c.deadlineFor(2000))
	assert.Equal(t, 30*time.Second, c.deadlineFor(120_000))
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		raw      *sandbox.RawOutput
		err      error
		deadline bool
		revoked  bool
		status   storage.Status
		outcome  pool.Outcome
	}{
		{"success", ctx, &sandbox.RawOutput{}, nil, false, false, storage.StatusSuccess, pool.Clean},
		{"runtime error", ctx, &sandbox.RawOutput{ExitCode: 2}, nil, false, false, storage.StatusRuntimeError, pool.Clean},
		{"deadline", ctx, &sandbox.RawOutput{}, context.DeadlineExceeded, true, false, storage.StatusTimeout, pool.Dirty},
		{"cancelled", cancelled, &sandbox.RawOutput{}, context.Canceled, false, false, storage.StatusCancelled, pool.Dirty},
		{"revoked", ctx, &sandbox.RawOutput{}, context.Canceled, false, true, storage.StatusInternalError, pool.Dirty},
		{"worker error", ctx, nil, errors.New("exec failed"), false, false, storage.StatusInternalError, pool.Dirty},
		{"signal", ctx, &sandbox.RawOutput{Signal: "SIGKILL", ExitCode: 137}, nil, false, false, storage.StatusInternalError, pool.Dirty},
		{"file size", ctx, &sandbox.RawOutput{Signal: "SIGXFSZ", LimitExceeded: sandbox.LimitFileSize}, nil, false, false, storage.StatusInternalError, pool.Dirty},
		{"cpu", ctx, &sandbox.RawOutput{Signal: "SIGXCPU", LimitExceeded: sandbox.LimitCPU}, nil, false, false, storage.StatusTimeout, pool.Dirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := classify(tt.ctx, tt.raw, tt.err, tt.deadline, tt.revoked, time.Second)
			assert.Equal(t, tt.status, v.status)
			assert.Equal(t, tt.outcome, v.worker)
		})
	}
}

func TestDeleteSessionRemovesArtifactsAndCache(t *testing.T) {
	arts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	rc := cache.NewMemory(time.Minute)
	f := newFixture(t, DefaultConfig(), WithArtifactStore(arts), WithCache(rc))

	w := &fakeWorker{
		files: map[string]string{"out.txt": "hello"},
		run: func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RawOutput, error) {
			return &sandbox.RawOutput{After: []sandbox.FileEntry{{Name: "out.txt", Size: 5}}}, nil
		},
	}
	f.expectLease(w, pool.Clean)

	ctx := context.Background()
	_, err = f.coord.Submit(ctx, request("s1", "print(1)"))
	require.NoError(t, err)

	require.NoError(t, f.coord.DeleteSession(ctx, "sess"))

	_, err = f.store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, ok, _ := rc.Get(ctx, cache.Key("sess-1", "s1"))
	assert.False(t, ok)
	_, err = arts.Open(ctx, artifact.Key("sess-1", "s1", "out.txt"))
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	assert.ErrorIs(t, f.coord.DeleteSession(ctx, "sess-1"), storage.ErrNotFound)
}
