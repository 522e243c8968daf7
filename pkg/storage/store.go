package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Settings is the cluster layout the manager last spawned.
type Settings struct {
	TotalClusters int       `json:"totalClusters"`
	TotalShards   int       `json:"totalShards"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ClusterRecord holds the latest stats reported by one cluster.
type ClusterRecord struct {
	ClusterID   int       `json:"clusterId"`
	ShardCount  int       `json:"shardCount"`
	ShardList   []int     `json:"shardList"`
	GuildCount  int       `json:"guildCount"`
	PlayerCount int       `json:"playerCount"`
	MemoryMB    float64   `json:"memoryMb"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Totals aggregates every stored cluster record.
type Totals struct {
	Clusters int `json:"clusters"`
	Shards   int `json:"shards"`
	Guilds   int `json:"guilds"`
	Players  int `json:"players"`
}

// Store defines the interface for cluster state storage
type Store interface {
	// Settings
	PutSettings(settings *Settings) error
	GetSettings() (*Settings, error)

	// Clusters
	PutCluster(record *ClusterRecord) error
	GetCluster(id int) (*ClusterRecord, error)
	ListClusters() ([]*ClusterRecord, error)
	DeleteCluster(id int) error
	ResetClusters() error
	Totals() (Totals, error)

	// Utility
	Close() error
}
