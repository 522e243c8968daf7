package child

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegular is wrapped by SpawnError when the path is not a file.
	ErrNotRegular = errors.New("not a regular file")
	// ErrNoParent is returned by ParentConn outside a managed child.
	ErrNoParent = errors.New("no ipc channel from parent")
)

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
