package sandbox

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MemoryBytes      int64  // address space (process) or memory cgroup (docker)
	CPUSeconds       uint64 // CPU time before SIGXCPU
	NanoCPUs         int64  // docker CPU quota, 1e9 = one core
	Pids             int64  // docker pids limit, RLIMIT_NPROC for the process backend
	FileSizeBytes    int64  // largest file a run may write
	OpenFiles        uint64 // file descriptor limit
	OutputLimitBytes int    // bytes kept per output stream
	Network          bool   // whether network access is allowed
	Images           []string
	// ReadOnlyPaths are the host paths the process backend mounts
	// read-only into its private root.
	ReadOnlyPaths []string
}

// DefaultPolicy returns safe defaults for student submissions.
func DefaultPolicy() Policy {
	return Policy{
		MemoryBytes:      256 << 20,
		CPUSeconds:       10,
		NanoCPUs:         500_000_000,
		Pids:             64,
		FileSizeBytes:    16 << 20,
		OpenFiles:        64,
		OutputLimitBytes: 64 << 10,
		Network:          false,
		Images: []string{
			"python:3.12-slim",
			"labrun/python-sci:latest",
		},
		ReadOnlyPaths: []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/lib32", "/etc"},
	}
}

// IsImageAllowed checks if an image is on the allowlist. An empty
// allowlist permits any image.
func (p Policy) IsImageAllowed(image string) bool {
	if len(p.Images) == 0 {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}
