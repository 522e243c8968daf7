package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/child"
	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/promise"
	"github.com/flowmusic/flow/pkg/queue"
	"github.com/flowmusic/flow/pkg/rpc"
	"github.com/flowmusic/flow/pkg/storage"
)

// Plugin extends a manager. Build runs once, from Extend.
type Plugin interface {
	Build(m *Manager) error
}

// HeartbeatTracker is the part of a heartbeat monitor the manager drives.
type HeartbeatTracker interface {
	Ack(clusterID int, date int64)
	Untrack(clusterID int)
	Stop()
}

// RespawnAllOptions configures RespawnAll. Zero values select the
// defaults; a negative ClusterDelay disables the pause between clusters
// and a zero or negative Timeout does not wait for ready.
type RespawnAllOptions struct {
	ClusterDelay time.Duration
	RespawnDelay time.Duration
	Timeout      time.Duration
}

// Manager partitions shards into clusters, spawns one child process per
// cluster and routes requests between them.
type Manager struct {
	opts       Options
	logger     zerolog.Logger
	queue      *queue.Queue
	requests   *promise.Registry
	procedures *rpc.Registry
	events     *events.Broker
	ownEvents  bool

	mu            sync.RWMutex
	clusters      map[int]*cluster.Cluster
	order         []int
	dispatchers   map[int]*ipc.Dispatcher
	spawnedAt     map[int]time.Time
	partition     [][]int
	totalShards   int
	totalClusters int
	started       bool
	startedAt     time.Time
	heartbeat     HeartbeatTracker

	allReady     chan struct{}
	allReadyOnce sync.Once
}

// New validates opts and creates a manager. It does not start anything.
func New(opts Options) (*Manager, error) {
	opts.ShardList = slices.Clone(opts.ShardList)
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if opts.Spawner == nil {
		opts.Spawner = child.ExecSpawner{}
	}

	broker := opts.Events
	own := false
	if broker == nil {
		broker = events.NewBroker()
		broker.Start()
		own = true
	}

	m := &Manager{
		opts:   opts,
		logger: log.WithComponent("manager"),
		queue: queue.New(queue.Options{
			Auto:    opts.QueueMode == ipc.QueueAuto,
			Timeout: opts.SpawnDelay,
		}),
		requests:    promise.NewRegistry(opts.RequestTimeout),
		procedures:  rpc.NewRegistry(),
		events:      broker,
		ownEvents:   own,
		clusters:    make(map[int]*cluster.Cluster),
		dispatchers: make(map[int]*ipc.Dispatcher),
		spawnedAt:   make(map[int]time.Time),
		totalShards: opts.TotalShards,
		allReady:    make(chan struct{}),
	}
	m.registerProcedures()

	m.debug(events.NoCluster, "Cluster manager has been initialized")
	return m, nil
}

// Spawn resolves the shard and cluster counts, partitions the shards and
// queues one spawn per cluster. In auto queue mode it returns once every
// cluster has been spawned; in manual mode once children have drained the
// queue with CLIENT_SPAWN_NEXT_CLUSTER.
func (m *Manager) Spawn(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadySpawned
	}
	m.started = true
	m.startedAt = time.Now()
	m.mu.Unlock()

	totalShards := m.opts.TotalShards
	if totalShards == Auto {
		shards, err := m.opts.Gateway.RecommendedShards(ctx, m.opts.Token)
		if err != nil {
			return fmt.Errorf("failed to fetch recommended shard count: %w", err)
		}
		if shards < 1 {
			return &ConfigError{Field: "totalShards", Reason: "gateway recommended " + strconv.Itoa(shards) + " shards"}
		}
		totalShards = shards
		m.logger.Info().Int("shards", shards).Msg("Using recommended shard count")
	}

	totalClusters := m.opts.TotalClusters
	if totalClusters == Auto {
		totalClusters = runtime.NumCPU()
	}

	shardList := m.opts.ShardList
	if len(shardList) == 0 {
		shardList = make([]int, totalShards)
		for i := range shardList {
			shardList[i] = i
		}
	}

	perCluster := m.opts.ShardsPerCluster
	if perCluster == 0 {
		perCluster = ceilDiv(len(shardList), totalClusters)
	}
	chunks := Partition(shardList, perCluster)
	if n := len(m.opts.ClusterList); n > 0 && n < len(chunks) {
		return &ConfigError{
			Field:  "clusterList",
			Reason: fmt.Sprintf("has %d ids for %d clusters", n, len(chunks)),
		}
	}

	m.mu.Lock()
	m.totalShards = totalShards
	m.totalClusters = len(chunks)
	m.partition = chunks
	m.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.ResetClusters(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to reset stored cluster stats")
		}
	}

	m.logger.Info().
		Int("clusters", len(chunks)).
		Int("shards", totalShards).
		Str("queue", string(m.opts.QueueMode)).
		Msg("Spawning clusters")
	m.debug(events.NoCluster, fmt.Sprintf("Spawning %d clusters with %d shards: %v", len(chunks), totalShards, chunks))

	for i, shards := range chunks {
		id := i
		if i < len(m.opts.ClusterList) {
			id = m.opts.ClusterList[i]
		}

		delay := m.opts.SpawnDelay * time.Duration(len(shards))
		readyTimeout := time.Duration(-1)
		if m.opts.SpawnTimeout > 0 {
			readyTimeout = m.opts.SpawnTimeout + delay
		}

		m.queue.Add(queue.Item{
			Name:    "cluster " + strconv.Itoa(id),
			Timeout: delay,
			Run: func(ctx context.Context) error {
				c, err := m.CreateCluster(id, shards)
				if err != nil {
					return err
				}
				_, err = c.Spawn(ctx, readyTimeout)
				return err
			},
		})
	}

	// a manual queue advances on CLIENT_SPAWN_NEXT_CLUSTER, so the first
	// cluster has to be started here
	if !m.queue.Auto() {
		if _, err := m.queue.Next(ctx); err != nil {
			return err
		}
	}
	return m.queue.Start(ctx)
}

// CreateCluster registers a cluster for shards without spawning it. A
// cluster already registered under id is replaced unless its child is
// spawning or ready.
func (m *Manager) CreateCluster(id int, shards []int) (*cluster.Cluster, error) {
	m.mu.Lock()
	if prev, ok := m.clusters[id]; ok {
		if st := prev.State(); st == cluster.StateSpawning || st == cluster.StateReady {
			m.mu.Unlock()
			return nil, &ClusterExistsError{ID: id, State: st.String()}
		}
	}
	c := cluster.New(cluster.Config{
		ID:            id,
		Shards:        shards,
		TotalShards:   m.totalShards,
		TotalClusters: m.totalClusters,
		Exec: child.Options{
			Path: m.opts.Path,
			Args: m.opts.Args,
			Env:  m.opts.Env,
		},
		Token:     m.opts.Token,
		QueueMode: m.opts.QueueMode,
		Data:      m.opts.Data,
		Restarts:  m.opts.Restarts,
		Respawn:   m.opts.Respawn,
		Spawner:   m.opts.Spawner,
		Requests:  m.requests,
		Observer:  m,
	})
	if _, exists := m.clusters[id]; !exists {
		m.order = append(m.order, id)
	}
	m.clusters[id] = c
	m.dispatchers[id] = m.newDispatcher(c)
	totalClusters, totalShards := m.totalClusters, m.totalShards
	m.mu.Unlock()

	if id == 0 {
		m.logger.Info().
			Int("clusters", totalClusters).
			Int("shards", totalShards).
			Msg("Starting clusters")
		if m.opts.Store != nil {
			err := m.opts.Store.PutSettings(&storage.Settings{
				TotalClusters: totalClusters,
				TotalShards:   totalShards,
			})
			if err != nil {
				m.logger.Warn().Err(err).Msg("Failed to store settings")
			}
		}
	}

	m.events.Publish(events.New(events.EventClusterCreated, id, "cluster created").
		With("shards", fmt.Sprint(shards)))
	m.debug(id, "Created cluster")
	return c, nil
}

// Clusters returns the registered clusters in creation order.
func (m *Manager) Clusters() []*cluster.Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.Cluster, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.clusters[id])
	}
	return out
}

// Cluster returns the cluster registered under id.
func (m *Manager) Cluster(id int) (*cluster.Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	return c, ok
}

// ClusterInfos returns a snapshot of every cluster.
func (m *Manager) ClusterInfos() []cluster.Info {
	clusters := m.Clusters()
	infos := make([]cluster.Info, len(clusters))
	for i, c := range clusters {
		infos[i] = c.Info()
	}
	return infos
}

// TotalShards returns the resolved shard count, or Auto before Spawn
// resolved it.
func (m *Manager) TotalShards() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalShards
}

// TotalClusters returns the number of chunks of the partition.
func (m *Manager) TotalClusters() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalClusters
}

// ShardClusterList returns the partition computed by Spawn.
func (m *Manager) ShardClusterList() [][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]int, len(m.partition))
	for i, chunk := range m.partition {
		out[i] = slices.Clone(chunk)
	}
	return out
}

// Queue returns the spawn queue.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Requests returns the registry correlating requests sent to children.
func (m *Manager) Requests() *promise.Registry { return m.requests }

// Procedures returns the registry EvalOnManager calls into.
func (m *Manager) Procedures() *rpc.Registry { return m.procedures }

// Events returns the lifecycle event broker.
func (m *Manager) Events() *events.Broker { return m.events }

// Store returns the configured store, or nil.
func (m *Manager) Store() storage.Store { return m.opts.Store }

// AllReady is closed once every cluster of the partition reported ready.
func (m *Manager) AllReady() <-chan struct{} { return m.allReady }

// SetHeartbeat installs the monitor that receives HEARTBEAT_ACK messages.
func (m *Manager) SetHeartbeat(t HeartbeatTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = t
}

func (m *Manager) heartbeatTracker() HeartbeatTracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heartbeat
}

// Extend builds plugins in order and stops at the first failure.
func (m *Manager) Extend(plugins ...Plugin) error {
	if len(plugins) == 0 {
		return ErrNoPlugins
	}
	for i, p := range plugins {
		if p == nil {
			return fmt.Errorf("plugin %d: %w", i, ErrNilPlugin)
		}
		if err := p.Build(m); err != nil {
			return fmt.Errorf("plugin %d: %w", i, err)
		}
	}
	return nil
}

// Broadcast sends env to every cluster with a live child and returns how
// many accepted it.
func (m *Manager) Broadcast(env ipc.Envelope) int {
	sent := 0
	for _, c := range m.Clusters() {
		if c.Send(env) {
			sent++
		}
	}
	return sent
}

// RespawnAll respawns every cluster one after another. Requests still in
// flight are rejected first. A failed respawn does not stop the others.
func (m *Manager) RespawnAll(ctx context.Context, opts RespawnAllOptions) error {
	if opts.ClusterDelay == 0 {
		opts.ClusterDelay = DefaultClusterDelay
	}
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = cluster.DefaultRespawnDelay
	}
	if opts.Timeout == 0 {
		opts.Timeout = -1
	}

	m.requests.Clear(ErrRequestsCleared)
	m.events.Publish(events.New(events.EventRespawnAll, events.NoCluster, "respawning all clusters"))
	m.debug(events.NoCluster, "Respawning all clusters")

	clusters := m.Clusters()
	var errs []error
	for i, c := range clusters {
		var pause *time.Timer
		if i < len(clusters)-1 && opts.ClusterDelay > 0 {
			pause = time.NewTimer(opts.ClusterDelay * time.Duration(len(c.Shards())))
		}

		_, err := c.Respawn(ctx, cluster.RespawnOptions{
			Delay:   opts.RespawnDelay,
			Timeout: opts.Timeout,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("cluster %d: %w", c.ID(), err))
		}

		if pause != nil {
			select {
			case <-pause.C:
			case <-ctx.Done():
				pause.Stop()
				return errors.Join(append(errs, ctx.Err())...)
			}
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

// TriggerMaintenance puts every cluster into maintenance, or lifts it when
// reason is empty.
func (m *Manager) TriggerMaintenance(reason string) {
	msg := "maintenance enabled"
	if reason == "" {
		msg = "maintenance disabled"
	}
	m.events.Publish(events.New(events.EventMaintenance, events.NoCluster, msg).With("reason", reason))

	for _, c := range m.Clusters() {
		c.TriggerMaintenance(reason)
	}
}

// Close kills every cluster and stops the heartbeat monitor.
func (m *Manager) Close() error {
	if hb := m.heartbeatTracker(); hb != nil {
		hb.Stop()
	}

	var errs []error
	for _, c := range m.Clusters() {
		if err := c.Kill("manager shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	m.requests.Clear(ipc.ErrClosed)

	if m.ownEvents {
		m.events.Stop()
	}
	return errors.Join(errs...)
}

// debug logs a lifecycle message and publishes it on the broker.
func (m *Manager) debug(clusterID int, msg string) {
	ev := m.logger.Debug()
	if clusterID != events.NoCluster {
		ev = ev.Int("cluster_id", clusterID)
	}
	ev.Msg(msg)
	m.events.Publish(events.New(events.EventDebug, clusterID, msg))
}

func (m *Manager) checkAllReady() {
	m.mu.RLock()
	total := m.totalClusters
	started := m.startedAt
	clusters := make([]*cluster.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		clusters = append(clusters, c)
	}
	m.mu.RUnlock()

	if total == 0 || len(clusters) < total {
		return
	}
	for _, c := range clusters {
		if !c.Ready() {
			return
		}
	}

	m.allReadyOnce.Do(func() {
		elapsed := time.Since(started).Round(time.Millisecond)
		m.logger.Info().
			Dur("elapsed", elapsed).
			Int("clusters", len(clusters)).
			Int("shards", m.TotalShards()).
			Msg("All clusters ready")
		m.events.Publish(events.New(events.EventAllReady, events.NoCluster,
			fmt.Sprintf("All clusters spawned in %s. (%d clusters, %d shards)", elapsed, len(clusters), m.TotalShards())))
		close(m.allReady)
	})
}

func (m *Manager) registerProcedures() {
	m.procedures.Register("clusters", rpc.Value(m.ClusterInfos))
	m.procedures.Register("totalShards", rpc.Value(m.TotalShards))
	m.procedures.Register("totalClusters", rpc.Value(m.TotalClusters))
	m.procedures.Register("totals", func(context.Context, json.RawMessage) (any, error) {
		if m.opts.Store == nil {
			return storage.Totals{}, nil
		}
		return m.opts.Store.Totals()
	})
}
