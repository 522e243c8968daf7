package ipc

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when writing to a connection that has been closed.
var ErrClosed = errors.New("ipc connection closed")

// RemoteError is an error raised on the other side of the IPC boundary.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewRemoteError flattens err for transport. The name is the dynamic type
// of the outermost error.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	return &RemoteError{Name: fmt.Sprintf("%T", err), Message: err.Error()}
}
