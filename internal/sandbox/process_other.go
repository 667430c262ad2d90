//go:build !linux

package sandbox

import (
	"context"
	"errors"
)

// Init has nothing to take over outside linux.
func Init() {}

// New is only supported on linux, where user and pid namespaces are available.
func (f *ProcessFactory) New(ctx context.Context) (Worker, error) {
	return nil, errors.New("process sandbox requires linux; use the docker backend")
}
