package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/flowmusic/flow/pkg/child"
	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/storage"
)

// Auto asks the manager to pick a value: the gateway's recommended shard
// count, or one cluster per CPU.
const Auto = -1

const (
	// DefaultSpawnDelay is the pause per shard between two cluster spawns.
	DefaultSpawnDelay = 7 * time.Second
	// DefaultClusterDelay is the pause per shard between respawns in
	// RespawnAll.
	DefaultClusterDelay = 5500 * time.Millisecond
)

// GatewayInfo resolves the recommended shard count for a token.
type GatewayInfo interface {
	RecommendedShards(ctx context.Context, token string) (int, error)
}

// RequestHandler answers a CUSTOM_REQUEST sent by a child. The result is
// returned to the child as CUSTOM_REPLY.
type RequestHandler func(ctx context.Context, c *cluster.Cluster, payload json.RawMessage) (any, error)

// Options configures a Manager.
type Options struct {
	// Path is the executable every cluster runs, with Args and Env.
	Path string
	Args []string
	Env  []string

	// TotalShards is a shard count or Auto. Zero means Auto.
	TotalShards int
	// TotalClusters is a cluster count or Auto. Zero means Auto.
	TotalClusters int
	// ShardsPerCluster fixes the chunk size. When zero the shards are
	// spread evenly over TotalClusters.
	ShardsPerCluster int
	// ShardList restricts the manager to these shards instead of every
	// shard below TotalShards.
	ShardList []int
	// ClusterList gives the cluster ids in partition order.
	ClusterList []int

	Token string
	Data  map[string]string

	// Respawn enables automatic respawn after an unexpected exit, bounded
	// by Restarts.
	Respawn  bool
	Restarts cluster.Restarts

	QueueMode ipc.QueueMode
	// SpawnDelay is the pause per shard after each cluster spawn.
	SpawnDelay time.Duration
	// SpawnTimeout is the base wait for a cluster to report ready; each
	// shard adds SpawnDelay. Zero or negative starts the next cluster
	// without waiting for ready.
	SpawnTimeout time.Duration
	// RequestTimeout is the default timeout of correlated requests.
	RequestTimeout time.Duration

	Spawner   child.Spawner
	Gateway   GatewayInfo
	Store     storage.Store
	Events    *events.Broker
	OnRequest RequestHandler
}

var botPrefix = regexp.MustCompile(`(?i)^Bot\s+`)

func (o *Options) normalize() error {
	if o.Path == "" {
		return &ConfigError{Field: "path", Reason: "no executable specified"}
	}
	abs, err := filepath.Abs(o.Path)
	if err != nil {
		return &ConfigError{Field: "path", Reason: err.Error()}
	}
	o.Path = abs

	if o.TotalShards == 0 {
		o.TotalShards = Auto
	}
	if o.TotalShards != Auto && o.TotalShards < 1 {
		return &ConfigError{Field: "totalShards", Reason: "must be at least 1"}
	}

	if o.TotalClusters == 0 {
		o.TotalClusters = Auto
	}
	if o.TotalClusters != Auto && o.TotalClusters < 1 {
		return &ConfigError{Field: "totalClusters", Reason: "must be at least 1"}
	}

	if o.ShardsPerCluster < 0 {
		return &ConfigError{Field: "shardsPerCluster", Reason: "must be at least 1"}
	}

	if len(o.ShardList) > 0 {
		seen := make(map[int]bool, len(o.ShardList))
		unique := make([]int, 0, len(o.ShardList))
		for _, id := range o.ShardList {
			if id < 0 {
				return &ConfigError{Field: "shardList", Reason: "must contain non-negative shard ids"}
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			unique = append(unique, id)
		}
		o.ShardList = unique
	}

	if len(o.ClusterList) > 0 {
		seen := make(map[int]bool, len(o.ClusterList))
		for _, id := range o.ClusterList {
			if id < 0 {
				return &ConfigError{Field: "clusterList", Reason: "must contain non-negative cluster ids"}
			}
			if seen[id] {
				return &ConfigError{Field: "clusterList", Reason: "duplicate cluster id " + strconv.Itoa(id)}
			}
			seen[id] = true
		}
	}

	o.Token = botPrefix.ReplaceAllString(o.Token, "")
	if o.TotalShards == Auto {
		if o.Token == "" {
			return &ConfigError{Field: "token", Reason: "required when totalShards is auto"}
		}
		if o.Gateway == nil {
			return &ConfigError{Field: "gateway", Reason: "required when totalShards is auto"}
		}
	}

	if o.QueueMode == "" {
		o.QueueMode = ipc.QueueAuto
	}
	if o.QueueMode != ipc.QueueAuto && o.QueueMode != ipc.QueueManual {
		return &ConfigError{Field: "queueMode", Reason: "must be auto or manual"}
	}
	if o.SpawnDelay == 0 {
		o.SpawnDelay = DefaultSpawnDelay
	}
	if o.Restarts == (cluster.Restarts{}) {
		o.Restarts = cluster.DefaultRestarts
	}
	return nil
}
