package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNoClusters is returned when an operation needs at least one cluster.
	ErrNoClusters = errors.New("no clusters")
	// ErrInvalidTarget is returned for negative cluster or shard ids and
	// malformed guild ids.
	ErrInvalidTarget = errors.New("invalid broadcast target")
	// ErrAlreadySpawned is returned by a second call to Spawn.
	ErrAlreadySpawned = errors.New("manager already spawned")
	// ErrNoPlugins is returned by Extend without arguments.
	ErrNoPlugins = errors.New("no plugins provided")
	// ErrNilPlugin is returned by Extend for a nil plugin.
	ErrNilPlugin = errors.New("plugin not provided")
	// ErrRequestsCleared rejects requests still in flight when every
	// cluster is respawned.
	ErrRequestsCleared = errors.New("pending requests cleared by respawn")
)

// ConfigError reports invalid manager options.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Reason)
}

// ClusterNotFoundError is returned when a target names a cluster, or a
// shard, that no cluster owns.
type ClusterNotFoundError struct {
	ID int
	// Shard is the requested shard, or -1 when the lookup was by id.
	Shard int
}

// ClusterExistsError is returned when a cluster id is registered while the
// cluster already holding it still has a running child.
type ClusterExistsError struct {
	ID    int
	State string
}

func (e *ClusterExistsError) Error() string {
	return fmt.Sprintf("cluster %d is already registered and %s", e.ID, e.State)
}

func (e *ClusterNotFoundError) Error() string {
	if e.Shard >= 0 {
		return fmt.Sprintf("no cluster owns shard %d", e.Shard)
	}
	return fmt.Sprintf("cluster %d not found", e.ID)
}
