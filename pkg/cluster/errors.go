package cluster

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoChild is returned when a request targets a cluster without a live
// process.
var ErrNoChild = errors.New("cluster has no child process")

// AlreadySpawnedError is returned by Spawn while a process is alive.
type AlreadySpawnedError struct {
	ID int
}

func (e *AlreadySpawnedError) Error() string {
	return fmt.Sprintf("cluster %d already spawned", e.ID)
}

// ReadyTimeoutError is returned by Spawn when the child did not report
// ready in time. The child is left running.
type ReadyTimeoutError struct {
	ID      int
	Timeout time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("cluster %d did not become ready within %s", e.ID, e.Timeout)
}

// ReadyDiedError is returned by Spawn when the child exited, or was
// killed, before reporting ready.
type ReadyDiedError struct {
	ID int
}

func (e *ReadyDiedError) Error() string {
	return fmt.Sprintf("cluster %d died before becoming ready", e.ID)
}
