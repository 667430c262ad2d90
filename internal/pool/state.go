package pool

import (
	"errors"
	"time"
)

var (
	// ErrPoolExhausted means no worker became available within the acquire timeout.
	ErrPoolExhausted = errors.New("worker pool exhausted")
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrLeaseRevoked is returned when releasing a lease the pool already reclaimed.
	ErrLeaseRevoked = errors.New("lease revoked")
)

// State is the lifecycle state of a pooled worker.
type State int

const (
	Cold State = iota
	Warming
	Idle
	Leased
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Warming:
		return "warming"
	case Idle:
		return "idle"
	case Leased:
		return "leased"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Outcome tells the pool whether a returned worker can be trusted again.
type Outcome int

const (
	Clean Outcome = iota
	Dirty
)

func (o Outcome) String() string {
	if o == Clean {
		return "clean"
	}
	return "dirty"
}

// Config holds the pool sizing and timing policy.
type Config struct {
	MaxWorkers   int
	MinIdle      int
	MaxUses      int           // uses before a worker is retired; 0 means unlimited
	LeaseTTL     time.Duration // leases older than this are reclaimed by the reaper
	ReapInterval time.Duration
	CreateRate   float64 // worker creations per second
	CreateBurst  int
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Total     int `json:"total"`
	Max       int `json:"max"`
}

// WorkerInfo describes one pooled worker.
type WorkerInfo struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	UseCount    int       `json:"useCount"`
	LeaseExpiry time.Time `json:"leaseExpiry,omitempty"`
}
