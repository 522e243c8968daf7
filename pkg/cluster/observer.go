package cluster

import "github.com/flowmusic/flow/pkg/ipc"

// Observer receives cluster lifecycle transitions. Each method is called at
// most once per transition, outside the cluster's lock, so implementations
// may call back into the cluster.
type Observer interface {
	ClusterSpawned(c *Cluster, pid int)
	ClusterReady(c *Cluster)
	ClusterDied(c *Cluster, code int)
	ClusterKilled(c *Cluster, reason string)
	ClusterError(c *Cluster, err error)
	RestartsExhausted(c *Cluster)
	// ClusterMessage receives envelopes the cluster does not handle itself.
	// It returns true when the envelope was consumed.
	ClusterMessage(c *Cluster, env ipc.Envelope) bool
}

// NopObserver ignores every notification. Embed it to implement only part
// of Observer.
type NopObserver struct{}

func (NopObserver) ClusterSpawned(*Cluster, int) {}
func (NopObserver) ClusterReady(*Cluster) {}
func (NopObserver) ClusterDied(*Cluster, int) {}
func (NopObserver) ClusterKilled(*Cluster, string) {}
func (NopObserver) ClusterError(*Cluster, error) {}
func (NopObserver) RestartsExhausted(*Cluster) {}
func (NopObserver) ClusterMessage(*Cluster, ipc.Envelope) bool { return false }
