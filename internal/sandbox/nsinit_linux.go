//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// initName is argv[0] of a worker process that still has to build its
// sandbox before it becomes the submission's interpreter.
const initName = "labrun-sandbox-init"

// Descriptors handed to the init through ExtraFiles.
const (
	initConfigFd = 3
	initErrorFd  = 4
)

const initFailedCode = 125

type initConfig struct {
	Root          string   `json:"root"`
	Work          string   `json:"work"`
	ReadOnlyPaths []string `json:"readOnlyPaths"`
	TmpBytes      int64    `json:"tmpBytes"`
	UID           int      `json:"uid"`
	GID           int      `json:"gid"`
	Argv          []string `json:"argv"`
	Limits        []rlimit `json:"limits"`
}

type rlimit struct {
	Resource int    `json:"resource"`
	Cur      uint64 `json:"cur"`
	Max      uint64 `json:"max"`
}

var devices = []string{"null", "zero", "full", "random", "urandom"}

// Init takes over the process when it was started by the process backend
// as a sandbox init, and otherwise returns immediately. Every binary that
// uses ProcessFactory must call it first thing in main (or TestMain).
func Init() {
	if len(os.Args) == 0 || os.Args[0] != initName {
		return
	}
	runtime.LockOSThread()
	err := runInit()
	errPipe := os.NewFile(initErrorFd, "init-error")
	fmt.Fprintf(errPipe, "%v", err)
	os.Exit(initFailedCode)
}

// runInit only returns on failure. On success the process image is
// replaced by the submission's command.
func runInit() error {
	unix.CloseOnExec(initConfigFd)
	unix.CloseOnExec(initErrorFd)

	var cfg initConfig
	cfgPipe := os.NewFile(initConfigFd, "init-config")
	if err := json.NewDecoder(cfgPipe).Decode(&cfg); err != nil {
		return fmt.Errorf("reading init config: %w", err)
	}
	cfgPipe.Close()
	if len(cfg.Argv) == 0 {
		return errors.New("empty command")
	}

	if err := buildRoot(&cfg); err != nil {
		return err
	}
	if err := unix.Sethostname([]byte("labrun")); err != nil {
		return fmt.Errorf("setting hostname: %w", err)
	}

	path, err := exec.LookPath(cfg.Argv[0])
	if err != nil {
		return err
	}
	// Exec arguments are built before the limits: once RLIMIT_AS drops
	// under what the runtime has reserved, allocation can fail.
	pathp, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}
	argv, err := syscall.SlicePtrFromStrings(cfg.Argv)
	if err != nil {
		return err
	}
	envv, err := syscall.SlicePtrFromStrings(os.Environ())
	if err != nil {
		return err
	}

	if err := dropPrivileges(cfg.UID, cfg.GID); err != nil {
		return err
	}
	for _, l := range cfg.Limits {
		if err := setLimit(l); err != nil {
			return err
		}
	}

	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(pathp)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])))
	return fmt.Errorf("exec %s: %w", path, errno)
}

// buildRoot assembles the private root on a tmpfs and pivots into it.
// The host is visible only through the read-only system paths and the
// worker's own scratch directory at /workspace.
func buildRoot(cfg *initConfig) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	root := cfg.Root
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
		return fmt.Errorf("mounting root: %w", err)
	}

	for _, p := range cfg.ReadOnlyPaths {
		if err := mirror(p, root); err != nil {
			return err
		}
	}

	workspace := filepath.Join(root, "workspace")
	if err := os.Mkdir(workspace, 0o755); err != nil {
		return err
	}
	if err := bindMount(cfg.Work, workspace, unix.MS_NOSUID|unix.MS_NODEV); err != nil {
		return err
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return err
	}
	tmpOpts := fmt.Sprintf("size=%d,mode=1777", cfg.TmpBytes)
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpOpts); err != nil {
		return fmt.Errorf("mounting /tmp: %w", err)
	}

	proc := filepath.Join(root, "proc")
	if err := os.Mkdir(proc, 0o555); err != nil {
		return err
	}
	// Hosts that mask parts of their own /proc refuse a fresh one; the
	// interpreter runs without it.
	_ = unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")

	if err := buildDev(filepath.Join(root, "dev")); err != nil {
		return err
	}

	if err := unix.Chdir(root); err != nil {
		return err
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching host root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("sealing root: %w", err)
	}
	return unix.Chdir("/workspace")
}

// mirror makes the host path src visible read-only at the same place
// under root. Symlinks such as a merged /bin are recreated as links.
func mirror(src, root string) error {
	info, err := os.Lstat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(root, src)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.Mkdir(dst, 0o755); err != nil {
			return err
		}
	default:
		if err := os.WriteFile(dst, nil, 0o644); err != nil {
			return err
		}
	}
	return bindMount(src, dst, unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV)
}

// bindMount binds src onto dst and remounts it with flags. Flags the
// kernel locked on the source mount are carried over, or the remount is
// refused inside a user namespace.
func bindMount(src, dst string, flags uintptr) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding %s: %w", src, err)
	}
	flags |= unix.MS_BIND | unix.MS_REMOUNT | lockedFlags(dst)
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remounting %s: %w", src, err)
	}
	return nil
}

func lockedFlags(path string) uintptr {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	pairs := []struct {
		st int64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	}
	var flags uintptr
	for _, p := range pairs {
		if int64(st.Flags)&p.st != 0 {
			flags |= p.ms
		}
	}
	if flags&(unix.MS_NOATIME|unix.MS_RELATIME) == 0 {
		flags |= unix.MS_STRICTATIME
	}
	return flags
}

func buildDev(dev string) error {
	if err := os.Mkdir(dev, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC, "size=64k,mode=0755"); err != nil {
		return fmt.Errorf("mounting /dev: %w", err)
	}
	for _, name := range devices {
		dst := filepath.Join(dev, name)
		if err := os.WriteFile(dst, nil, 0o666); err != nil {
			return err
		}
		if err := unix.Mount("/dev/"+name, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding /dev/%s: %w", name, err)
		}
	}
	links := map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(dev, name)); err != nil {
			return err
		}
	}
	if err := unix.Mount("", dev, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("sealing /dev: %w", err)
	}
	return nil
}

// dropPrivileges leaves the calling thread, which performs the exec, with
// no capabilities it could regain. uid 0 is the namespace root the init
// ran as; any other uid is switched to.
func dropPrivileges(uid, gid int) error {
	for c := 0; ; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		if errors.Is(err, unix.EINVAL) {
			break
		}
		if err != nil {
			return fmt.Errorf("dropping capability %d: %w", c, err)
		}
	}
	if uid != 0 {
		if err := syscall.Setgroups(nil); err != nil {
			return fmt.Errorf("clearing groups: %w", err)
		}
		if err := syscall.Setresgid(gid, gid, gid); err != nil {
			return fmt.Errorf("setting gid: %w", err)
		}
		if err := syscall.Setresuid(uid, uid, uid); err != nil {
			return fmt.Errorf("setting uid: %w", err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting no_new_privs: %w", err)
	}
	// A credential change clears the parent death signal.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("setting parent death signal: %w", err)
	}
	return nil
}

// setLimit lowers one resource limit, never above the inherited ceiling.
func setLimit(l rlimit) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(l.Resource, &cur); err != nil {
		return fmt.Errorf("reading rlimit %d: %w", l.Resource, err)
	}
	rl := unix.Rlimit{Cur: min(l.Cur, cur.Max), Max: min(l.Max, cur.Max)}
	if err := unix.Setrlimit(l.Resource, &rl); err != nil {
		return fmt.Errorf("setting rlimit %d: %w", l.Resource, err)
	}
	return nil
}
