//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// nobodyID is the host uid and gid submissions run as when labrun itself
// runs as root.
const nobodyID = 65534

// Each worker owns home/work, mounted at /workspace inside the sandbox,
// and home/root, the mount point of its private root.
const (
	workDir  = "work"
	rootDir  = "root"
	inside   = "/workspace"
	tmpBytes = 64 << 20
)

// New creates a worker with a fresh scratch directory.
func (f *ProcessFactory) New(ctx context.Context) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	home, err := os.MkdirTemp(f.baseDir, "worker-")
	if err != nil {
		return nil, fmt.Errorf("creating worker dir: %w", err)
	}
	w := &processWorker{
		id:     filepath.Base(home),
		home:   home,
		dir:    filepath.Join(home, workDir),
		policy: f.policy,
		uid:    os.Geteuid(),
		gid:    os.Getegid(),
	}
	w.log = f.log.WithField("worker", w.id)
	if err := w.prepare(); err != nil {
		os.RemoveAll(home)
		return nil, err
	}
	return w, nil
}

type processWorker struct {
	id     string
	home   string
	dir    string
	policy Policy
	uid    int
	gid    int
	log    *logrus.Entry

	mu     sync.Mutex
	proc   *os.Process
	closed bool
}

func (w *processWorker) prepare() error {
	if err := os.Mkdir(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	if err := os.Mkdir(filepath.Join(w.home, rootDir), 0o755); err != nil {
		return fmt.Errorf("creating root mount point: %w", err)
	}
	if w.uid == 0 {
		if err := os.Chown(w.dir, nobodyID, nobodyID); err != nil {
			return fmt.Errorf("handing scratch dir to nobody: %w", err)
		}
	}
	return nil
}

func (w *processWorker) ID() string { return w.id }

func (w *processWorker) Run(ctx context.Context, spec RunSpec) (*RawOutput, error) {
	if w.isClosed() {
		return nil, ErrWorkerClosed
	}

	path, err := securejoin.SecureJoin(w.dir, spec.Filename)
	if err != nil {
		return nil, fmt.Errorf("resolving source path: %w", err)
	}
	if err := os.WriteFile(path, []byte(spec.Source), 0o644); err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}
	if w.uid == 0 {
		if err := os.Chown(path, nobodyID, nobodyID); err != nil {
			return nil, fmt.Errorf("handing source to nobody: %w", err)
		}
	}
	before, err := Snapshot(w.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot before run: %w", err)
	}

	argv := expandCommand(spec.Command, spec.Filename)
	if len(argv) == 0 {
		return nil, errors.New("empty run command")
	}

	policy := spec.Policy
	stdout := newCappedBuffer(policy.OutputLimitBytes, spec.Stdout)
	stderr := newCappedBuffer(policy.OutputLimitBytes, spec.Stderr)

	cfgR, cfgW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating config pipe: %w", err)
	}
	defer cfgW.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		cfgR.Close()
		return nil, fmt.Errorf("creating error pipe: %w", err)
	}
	defer errR.Close()

	cmd := &exec.Cmd{
		Path: "/proc/self/exe",
		Args: []string{initName},
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=" + inside,
			"TMPDIR=/tmp",
			"LANG=C.UTF-8",
			"MPLBACKEND=Agg",
			"MPLCONFIGDIR=/tmp",
			"XDG_CACHE_HOME=/tmp",
			"PYTHONDONTWRITEBYTECODE=1",
			"PYTHONUNBUFFERED=1",
		},
		Stdout:     stdout,
		Stderr:     stderr,
		ExtraFiles: []*os.File{cfgR, errW},
		// Pipes stay open only as long as something in the namespace does.
		WaitDelay:   time.Second,
		SysProcAttr: w.sysProcAttr(policy),
	}

	start := time.Now()
	err = cmd.Start()
	cfgR.Close()
	errW.Close()
	if err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}
	w.setRunning(cmd.Process)
	defer w.setRunning(nil)

	if err := w.handOff(cfgW, errR, argv, policy); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr, ctxErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		// The interpreter is pid 1 of its namespace; everything it
		// started dies with it.
		_ = cmd.Process.Kill()
		waitErr = <-done
	}

	out := &RawOutput{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
		Before:    before,
	}
	classifyExit(cmd.ProcessState, out)
	if ctxErr == nil && overCPU(cmd.ProcessState, out, policy) {
		out.LimitExceeded = LimitCPU
	}

	if ctxErr != nil {
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return out, fmt.Errorf("waiting for process: %w", waitErr)
	}

	after, err := Snapshot(w.dir)
	if err != nil {
		return out, fmt.Errorf("snapshot after run: %w", err)
	}
	out.After = after

	w.log.WithFields(logrus.Fields{
		"exit_code": out.ExitCode,
		"signal":    out.Signal,
		"duration":  out.Duration,
	}).Debug("process finished")
	return out, nil
}

// sysProcAttr puts the init into fresh user, mount, pid, ipc and uts
// namespaces, plus a network namespace with only a downed loopback when
// the policy forbids network access.
func (w *processWorker) sysProcAttr(policy Policy) *syscall.SysProcAttr {
	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS)
	if !policy.Network {
		flags |= unix.CLONE_NEWNET
	}
	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setpgid:    true,
		Pdeathsig:  syscall.SIGKILL,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: w.uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: w.gid, Size: 1},
		},
	}
	if w.uid == 0 {
		// Namespace root would own every root-owned host file, so the
		// submission itself runs as nobody.
		attr.UidMappings = append(attr.UidMappings, syscall.SysProcIDMap{ContainerID: nobodyID, HostID: nobodyID, Size: 1})
		attr.GidMappings = append(attr.GidMappings, syscall.SysProcIDMap{ContainerID: nobodyID, HostID: nobodyID, Size: 1})
		attr.GidMappingsEnableSetgroups = true
	}
	return attr
}

// handOff sends the init its configuration and waits until it has either
// replaced itself with the command or reported why it could not.
func (w *processWorker) handOff(cfgW io.WriteCloser, errR io.Reader, argv []string, policy Policy) error {
	cfg := initConfig{
		Root:          filepath.Join(w.home, rootDir),
		Work:          w.dir,
		ReadOnlyPaths: w.readOnlyPaths(),
		TmpBytes:      tmpBytes,
		Argv:          argv,
		Limits:        rlimits(policy),
	}
	if w.uid == 0 {
		cfg.UID, cfg.GID = nobodyID, nobodyID
	}
	if policy.FileSizeBytes > 0 && policy.FileSizeBytes < tmpBytes {
		cfg.TmpBytes = policy.FileSizeBytes
	}
	if err := json.NewEncoder(cfgW).Encode(cfg); err != nil {
		return fmt.Errorf("sending sandbox config: %w", err)
	}
	cfgW.Close()

	// The init marks its end close-on-exec, so EOF without a message
	// means the command is running.
	msg, err := io.ReadAll(errR)
	if err != nil {
		return fmt.Errorf("reading sandbox setup status: %w", err)
	}
	if len(msg) > 0 {
		return fmt.Errorf("sandbox setup: %s", strings.TrimSpace(string(msg)))
	}
	return nil
}

func (w *processWorker) readOnlyPaths() []string {
	if len(w.policy.ReadOnlyPaths) > 0 {
		return w.policy.ReadOnlyPaths
	}
	return DefaultPolicy().ReadOnlyPaths
}

func (w *processWorker) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if w.isClosed() {
		return nil, ErrWorkerClosed
	}
	path, err := securejoin.SecureJoin(w.dir, name)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", name)
	}
	return os.Open(path)
}

func (w *processWorker) Reset(ctx context.Context) error {
	if w.isClosed() {
		return ErrWorkerClosed
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading scratch dir: %w", err)
	}
	for _, e := range entries {
		p := filepath.Join(w.dir, e.Name())
		makeRemovable(p)
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (w *processWorker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	proc := w.proc
	w.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			w.log.WithError(err).Warn("failed to kill sandbox")
		}
	}
	makeRemovable(w.dir)
	if err := os.RemoveAll(w.home); err != nil {
		return fmt.Errorf("removing worker dir: %w", err)
	}
	return nil
}

func (w *processWorker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *processWorker) setRunning(proc *os.Process) {
	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()
}

// makeRemovable restores owner permissions on directories a submission
// may have locked down, so RemoveAll can descend into them.
func makeRemovable(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o755)
		}
		return nil
	})
}

// rlimits bounds the sandbox. The init applies them right before exec,
// so the command starts already limited and its children inherit them.
func rlimits(p Policy) []rlimit {
	limits := []rlimit{{unix.RLIMIT_CORE, 0, 0}}
	if p.MemoryBytes > 0 {
		limits = append(limits, rlimit{unix.RLIMIT_AS, uint64(p.MemoryBytes), uint64(p.MemoryBytes)})
	}
	if p.CPUSeconds > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		limits = append(limits, rlimit{unix.RLIMIT_CPU, p.CPUSeconds, p.CPUSeconds + 1})
	}
	if p.FileSizeBytes > 0 {
		limits = append(limits, rlimit{unix.RLIMIT_FSIZE, uint64(p.FileSizeBytes), uint64(p.FileSizeBytes)})
	}
	if p.OpenFiles > 0 {
		limits = append(limits, rlimit{unix.RLIMIT_NOFILE, p.OpenFiles, p.OpenFiles})
	}
	if p.Pids > 0 {
		// Counted per user namespace, and every sandbox has its own.
		limits = append(limits, rlimit{unix.RLIMIT_NPROC, uint64(p.Pids), uint64(p.Pids)})
	}
	return limits
}

func classifyExit(state *os.ProcessState, out *RawOutput) {
	if state == nil {
		out.ExitCode = -1
		return
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		out.ExitCode = state.ExitCode()
		return
	}
	if !ws.Signaled() {
		out.ExitCode = ws.ExitStatus()
		return
	}
	sig := ws.Signal()
	out.Signal = unix.SignalName(sig)
	out.ExitCode = 128 + int(sig)
	switch sig {
	case unix.SIGXCPU:
		out.LimitExceeded = LimitCPU
	case unix.SIGXFSZ:
		out.LimitExceeded = LimitFileSize
	}
}

// overCPU spots the hard CPU limit. As pid 1 of its namespace the
// interpreter never sees SIGXCPU, so the kernel's SIGKILL is the signal.
func overCPU(state *os.ProcessState, out *RawOutput, p Policy) bool {
	if state == nil || p.CPUSeconds == 0 || out.Signal != unix.SignalName(unix.SIGKILL) {
		return false
	}
	used := state.UserTime() + state.SystemTime()
	return used >= time.Duration(p.CPUSeconds)*time.Second
}
