package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	workspaceDir = "/workspace"
	poolLabel    = "labrun.pool"
	runUser      = "65534:65534"
)

// DockerFactory creates warm containers that idle on `sleep infinity` and
// run each submission through docker exec.
type DockerFactory struct {
	cli    *client.Client
	image  string
	policy Policy
	log    *logrus.Entry
}

// NewDockerFactory connects to the daemon and makes sure image is present.
func NewDockerFactory(ctx context.Context, img string, policy Policy, log *logrus.Entry) (*DockerFactory, error) {
	if !policy.IsImageAllowed(img) {
		return nil, fmt.Errorf("image %q not in allowlist", img)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if log == nil {
		log = logrus.WithField("component", "sandbox")
	}
	f := &DockerFactory{cli: cli, image: img, policy: policy, log: log}
	if err := f.ensureImage(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return f, nil
}

func (f *DockerFactory) ensureImage(ctx context.Context) error {
	if _, err := f.cli.ImageInspect(ctx, f.image); err == nil {
		return nil
	}
	f.log.WithField("image", f.image).Info("pulling image")
	rc, err := f.cli.ImagePull(ctx, f.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", f.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", f.image, err)
	}
	return nil
}

// New creates and starts one warm container.
func (f *DockerFactory) New(ctx context.Context) (Worker, error) {
	name := "labrun-" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	network := "none"
	if f.policy.Network {
		network = "bridge"
	}
	pids := f.policy.Pids

	var ulimits []*units.Ulimit
	ulimits = append(ulimits, &units.Ulimit{Name: "core", Soft: 0, Hard: 0})
	if f.policy.CPUSeconds > 0 {
		cpu := int64(f.policy.CPUSeconds)
		ulimits = append(ulimits, &units.Ulimit{Name: "cpu", Soft: cpu, Hard: cpu + 1})
	}
	if f.policy.FileSizeBytes > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "fsize", Soft: f.policy.FileSizeBytes, Hard: f.policy.FileSizeBytes})
	}
	if f.policy.OpenFiles > 0 {
		n := int64(f.policy.OpenFiles)
		ulimits = append(ulimits, &units.Ulimit{Name: "nofile", Soft: n, Hard: n})
	}

	resp, err := f.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           f.image,
			Cmd:             []string{"sleep", "infinity"},
			WorkingDir:      workspaceDir,
			Labels:          map[string]string{poolLabel: "true"},
			NetworkDisabled: !f.policy.Network,
		},
		&container.HostConfig{
			NetworkMode:    container.NetworkMode(network),
			ReadonlyRootfs: true,
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			Tmpfs: map[string]string{
				workspaceDir: "rw,exec,size=64m,mode=1777",
				"/tmp":       "rw,size=16m,mode=1777",
			},
			Resources: container.Resources{
				Memory:    f.policy.MemoryBytes,
				NanoCPUs:  f.policy.NanoCPUs,
				PidsLimit: &pids,
				Ulimits:   ulimits,
			},
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := f.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = f.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}
	return &dockerWorker{
		id:   resp.ID,
		name: name,
		cli:  f.cli,
		log:  f.log.WithField("worker", name),
	}, nil
}

// Close releases the docker client.
func (f *DockerFactory) Close() error {
	return f.cli.Close()
}

type dockerWorker struct {
	id   string
	name string
	cli  *client.Client
	log  *logrus.Entry
}

func (w *dockerWorker) ID() string { return w.name }

func (w *dockerWorker) Run(ctx context.Context, spec RunSpec) (*RawOutput, error) {
	target, err := workspacePath(spec.Filename)
	if err != nil {
		return nil, err
	}
	// docker cp cannot see tmpfs mounts, so the source goes in over stdin.
	code, err := w.exec(ctx, []string{"sh", "-c", `cat > "$1"`, "sh", target}, strings.NewReader(spec.Source), io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("writing source: exit %d", code)
	}
	before, err := w.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot before run: %w", err)
	}

	policy := spec.Policy
	stdout := newCappedBuffer(policy.OutputLimitBytes, spec.Stdout)
	stderr := newCappedBuffer(policy.OutputLimitBytes, spec.Stderr)

	execResp, err := w.cli.ContainerExecCreate(ctx, w.id, container.ExecOptions{
		Cmd:          expandCommand(spec.Command, target),
		User:         runUser,
		WorkingDir:   workspaceDir,
		Env:          []string{"HOME=" + workspaceDir, "MPLBACKEND=Agg", "PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := w.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	var copyErr, ctxErr error
	select {
	case copyErr = <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		if err := w.cli.ContainerKill(context.Background(), w.id, "SIGKILL"); err != nil {
			w.log.WithError(err).Warn("failed to kill container")
		}
		attach.Close()
		<-done
	}

	out := &RawOutput{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
		Before:    before,
	}
	if ctxErr != nil {
		out.ExitCode = 128 + int(unix.SIGKILL)
		out.Signal = unix.SignalName(unix.SIGKILL)
		return out, ctxErr
	}
	if copyErr != nil {
		return out, fmt.Errorf("reading exec output: %w", copyErr)
	}

	inspect, err := w.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return out, fmt.Errorf("inspecting exec: %w", err)
	}
	out.ExitCode = inspect.ExitCode
	// The exec API only reports the shell convention for signals.
	if code := inspect.ExitCode; code > 128 && code < 128+65 {
		sig := syscall.Signal(code - 128)
		out.Signal = unix.SignalName(sig)
		switch sig {
		case unix.SIGXCPU:
			out.LimitExceeded = LimitCPU
		case unix.SIGXFSZ:
			out.LimitExceeded = LimitFileSize
		}
	}

	after, err := w.snapshot(ctx)
	if err != nil {
		return out, fmt.Errorf("snapshot after run: %w", err)
	}
	out.After = after
	return out, nil
}

func (w *dockerWorker) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	target, err := workspacePath(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var errBuf bytes.Buffer
	code, err := w.exec(ctx, []string{"cat", "--", target}, nil, &buf, &errBuf)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("reading %s: %s", name, strings.TrimSpace(errBuf.String()))
	}
	return io.NopCloser(&buf), nil
}

func (w *dockerWorker) Reset(ctx context.Context) error {
	code, err := w.exec(ctx, []string{"find", workspaceDir, "/tmp", "-mindepth", "1", "-delete"}, nil, io.Discard, io.Discard)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("clearing workspace: exit %d", code)
	}
	return nil
}

func (w *dockerWorker) Close(ctx context.Context) error {
	err := w.cli.ContainerRemove(ctx, w.id, container.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("removing container %s: %w", w.name, err)
	}
	return nil
}

// exec runs a helper command as root and returns its exit code.
func (w *dockerWorker) exec(ctx context.Context, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	execResp, err := w.cli.ContainerExecCreate(ctx, w.id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := w.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		if _, err := io.Copy(attach.Conn, stdin); err != nil {
			return -1, fmt.Errorf("writing stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return -1, fmt.Errorf("closing stdin: %w", err)
		}
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		return -1, fmt.Errorf("reading exec output: %w", err)
	}
	inspect, err := w.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.ExitCode, nil
}

func (w *dockerWorker) snapshot(ctx context.Context) ([]FileEntry, error) {
	var buf bytes.Buffer
	code, err := w.exec(ctx, []string{"find", workspaceDir, "-type", "f", "-printf", `%P\t%s\t%T@\n`}, nil, &buf, io.Discard)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("listing workspace: exit %d", code)
	}
	return parseFindOutput(&buf), nil
}

func parseFindOutput(r io.Reader) []FileEntry {
	var entries []FileEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\t")
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		var mod time.Time
		if secs, err := strconv.ParseFloat(parts[2], 64); err == nil {
			mod = time.Unix(0, int64(secs*float64(time.Second)))
		}
		entries = append(entries, FileEntry{Name: parts[0], Size: size, ModTime: mod})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func workspacePath(name string) (string, error) {
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return path.Join(workspaceDir, clean), nil
}
