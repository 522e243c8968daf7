package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowmusic/flow/pkg/child"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/promise"
	"github.com/rs/zerolog"
)

const (
	// DefaultSpawnTimeout bounds the wait for READY when Spawn is given zero.
	DefaultSpawnTimeout = 30 * time.Second
	// DefaultRespawnDelay is the pause between kill and spawn in Respawn.
	DefaultRespawnDelay = 500 * time.Millisecond
)

// Restarts is the automatic respawn budget. At most Max respawns happen
// between two resets; the counter resets every Interval while the cluster
// is healthy.
type Restarts struct {
	Max      int
	Interval time.Duration
}

// DefaultRestarts allows three respawns per hour.
var DefaultRestarts = Restarts{Max: 3, Interval: time.Hour}

// RespawnOptions configures Respawn. Zero values select the defaults; a
// negative Timeout returns as soon as the process started.
type RespawnOptions struct {
	Delay   time.Duration
	Timeout time.Duration
}

// Config describes one cluster.
type Config struct {
	ID            int
	Shards        []int
	TotalShards   int
	TotalClusters int

	// Exec is the command every spawn runs. The cluster appends its own
	// identity to Exec.Env.
	Exec      child.Options
	Token     string
	QueueMode ipc.QueueMode
	Data      map[string]string

	Restarts Restarts
	// Respawn enables automatic respawn after an unexpected exit.
	Respawn bool

	Spawner  child.Spawner
	Requests *promise.Registry
	Observer Observer
}

// Info is a point in time view of a cluster.
type Info struct {
	ID       int    `json:"id"`
	Shards   []int  `json:"shards"`
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
	Restarts int    `json:"restarts"`
	Pid      int    `json:"pid,omitempty"`
}

// attempt tracks the outcome of one spawn.
type attempt struct {
	ready     chan struct{}
	died      chan struct{}
	readyOnce sync.Once
	diedOnce  sync.Once
}

func newAttempt() *attempt {
	return &attempt{ready: make(chan struct{}), died: make(chan struct{})}
}

func (a *attempt) markReady() { a.readyOnce.Do(func() { close(a.ready) }) }
func (a *attempt) markDied() { a.diedOnce.Do(func() { close(a.died) }) }

// Cluster supervises the child process that runs one shard group.
type Cluster struct {
	cfg      Config
	observer Observer
	logger   zerolog.Logger

	mu         sync.Mutex
	state      State
	handle     child.Handle
	generation uint64
	attempt    *attempt
	restarts   int
	resetStop  chan struct{}
}

// New creates an unspawned cluster.
func New(cfg Config) *Cluster {
	if cfg.Spawner == nil {
		cfg.Spawner = child.ExecSpawner{}
	}
	if cfg.Requests == nil {
		cfg.Requests = promise.NewRegistry(0)
	}
	if cfg.Restarts == (Restarts{}) {
		cfg.Restarts = DefaultRestarts
	}
	cfg.Shards = slices.Clone(cfg.Shards)

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	return &Cluster{
		cfg:      cfg,
		observer: observer,
		logger:   log.WithClusterID("cluster", cfg.ID),
	}
}

// ID returns the cluster id.
func (c *Cluster) ID() int { return c.cfg.ID }

// Shards returns the shard ids owned by the cluster.
func (c *Cluster) Shards() []int { return slices.Clone(c.cfg.Shards) }

// OwnsShard reports whether shard belongs to this cluster.
func (c *Cluster) OwnsShard(shard int) bool { return slices.Contains(c.cfg.Shards, shard) }

// State returns the current lifecycle state.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the child signalled READY since its last spawn.
func (c *Cluster) Ready() bool {
	return c.State() == StateReady
}

// Restarts returns the number of automatic respawns in the current budget
// window.
func (c *Cluster) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Info returns a snapshot for status reporting.
func (c *Cluster) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		ID:       c.cfg.ID,
		Shards:   slices.Clone(c.cfg.Shards),
		State:    c.state.String(),
		Ready:    c.state == StateReady,
		Restarts: c.restarts,
	}
	if c.handle != nil {
		info.Pid = c.handle.Pid()
	}
	return info
}

// Env returns the identity passed to the child.
func (c *Cluster) Env() ipc.Env {
	return ipc.Env{
		ShardList:    slices.Clone(c.cfg.Shards),
		TotalShards:  c.cfg.TotalShards,
		ClusterCount: c.cfg.TotalClusters,
		ClusterID:    c.cfg.ID,
		Token:        c.cfg.Token,
		QueueMode:    c.cfg.QueueMode,
		Data:         c.cfg.Data,
	}
}

// Spawn starts the child and waits up to timeout for it to report ready.
// A zero timeout selects DefaultSpawnTimeout; a negative one returns right
// after the process started. It returns the child's pid.
func (c *Cluster) Spawn(ctx context.Context, timeout time.Duration) (int, error) {
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return 0, &AlreadySpawnedError{ID: c.cfg.ID}
	}

	c.generation++
	gen := c.generation
	att := newAttempt()
	c.attempt = att
	c.state = StateSpawning

	opts := c.cfg.Exec
	opts.Env = append(slices.Clone(opts.Env), c.Env().Environ()...)

	// Handlers run on the spawner's goroutines and block on c.mu until
	// this critical section ends, so none of them sees a half-set handle.
	h, err := c.cfg.Spawner.Spawn(opts, child.Handlers{
		OnMessage: func(env ipc.Envelope) { c.handleMessage(gen, env) },
		OnExit:    func(code int) { c.handleExit(gen, code) },
		OnError:   func(err error) { c.handleError(gen, err) },
	})
	if err != nil {
		c.state = StateDead
		c.attempt = nil
		c.mu.Unlock()
		return 0, err
	}
	c.handle = h
	pid := h.Pid()
	c.mu.Unlock()

	c.logger.Info().Int("pid", pid).Ints("shards", c.cfg.Shards).Msg("Cluster spawned")
	c.observer.ClusterSpawned(c, pid)

	if timeout < 0 {
		return pid, nil
	}
	if timeout == 0 {
		timeout = DefaultSpawnTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-att.ready:
		return pid, nil
	case <-att.died:
		return 0, &ReadyDiedError{ID: c.cfg.ID}
	case <-timer.C:
		return 0, &ReadyTimeoutError{ID: c.cfg.ID, Timeout: timeout}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the child without triggering an automatic respawn. It
// does nothing when no child is alive.
func (c *Cluster) Kill(reason string) error {
	c.mu.Lock()
	h := c.handle
	if h == nil {
		c.mu.Unlock()
		return nil
	}
	c.handle = nil
	c.generation++
	c.state = StateKilled
	c.stopResetLocked()
	if c.attempt != nil {
		c.attempt.markDied()
		c.attempt = nil
	}
	c.mu.Unlock()

	if reason == "" {
		reason = "not given"
	}
	c.logger.Info().Str("reason", reason).Msg("Cluster killed")

	err := h.Kill()
	c.observer.ClusterKilled(c, reason)
	if err != nil {
		return fmt.Errorf("cluster %d: %w", c.cfg.ID, err)
	}
	return nil
}

// Respawn kills the child, waits opts.Delay and spawns it again.
func (c *Cluster) Respawn(ctx context.Context, opts RespawnOptions) (int, error) {
	if opts.Delay == 0 {
		opts.Delay = DefaultRespawnDelay
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultSpawnTimeout
	}

	if err := c.Kill("respawn"); err != nil {
		c.logger.Warn().Err(err).Msg("Kill before respawn failed")
	}

	if opts.Delay > 0 {
		t := time.NewTimer(opts.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
	}
	return c.Spawn(ctx, opts.Timeout)
}

// Send delivers env to the child. It returns false without a live child.
func (c *Cluster) Send(env ipc.Envelope) bool {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	if h == nil {
		return false
	}
	return h.Send(env)
}

// Request sends payload as a CUSTOM_REQUEST and waits for the CUSTOM_REPLY.
func (c *Cluster) Request(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error) {
	env, err := ipc.NewEnvelope(ipc.CustomRequest, payload)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, env.WithTimeout(timeout), timeout)
}

// Eval asks the child to run a registered procedure and returns its
// result.
func (c *Cluster) Eval(ctx context.Context, call ipc.Call, timeout time.Duration) (json.RawMessage, error) {
	env, err := ipc.NewEnvelope(ipc.ClientEvalRequest, call)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, env.WithTimeout(timeout), timeout)
}

// TriggerMaintenance puts the child into maintenance with reason, or lifts
// maintenance when reason is empty.
func (c *Cluster) TriggerMaintenance(reason string) bool {
	t := ipc.ClientMaintenanceDisable
	if reason != "" {
		t = ipc.ClientMaintenanceEnable
	}
	return c.Send(ipc.MustEnvelope(t, ipc.Maintenance{Reason: reason}))
}

func (c *Cluster) roundTrip(ctx context.Context, env ipc.Envelope, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	alive := c.handle != nil
	c.mu.Unlock()
	if !alive {
		return nil, fmt.Errorf("cluster %d: %w", c.cfg.ID, ErrNoChild)
	}

	// register before sending so a fast reply cannot be lost
	pending, err := c.cfg.Requests.Create(env.Nonce, timeout)
	if err != nil {
		return nil, err
	}
	if !c.Send(env) {
		c.cfg.Requests.Reject(env.Nonce, fmt.Errorf("cluster %d: %w", c.cfg.ID, ErrNoChild))
	}
	return pending.Wait(ctx)
}

func (c *Cluster) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.handle != nil
}

func (c *Cluster) handleMessage(gen uint64, env ipc.Envelope) {
	if !c.current(gen) {
		return
	}

	switch env.Type {
	case ipc.ClientReady:
		c.markReady(gen)
	case ipc.ClientEvalResponse, ipc.CustomReply:
		c.cfg.Requests.ResolveEnvelope(env)
	case ipc.ClientRespawn:
		var opts ipc.RespawnOptions
		if len(env.Payload) > 0 {
			if err := env.Decode(&opts); err != nil {
				c.observer.ClusterError(c, err)
				return
			}
		}
		go func() {
			_, err := c.Respawn(context.Background(), RespawnOptions{
				Delay:   opts.Delay.Duration(),
				Timeout: opts.Timeout.Duration(),
			})
			if err != nil {
				c.observer.ClusterError(c, err)
			}
		}()
	case ipc.ClientMaintenance:
		var m ipc.Maintenance
		if len(env.Payload) > 0 {
			if err := env.Decode(&m); err != nil {
				c.observer.ClusterError(c, err)
				return
			}
		}
		c.TriggerMaintenance(m.Reason)
	default:
		if !c.observer.ClusterMessage(c, env) {
			c.logger.Debug().Str("type", env.Type.String()).Msg("Unhandled message")
		}
	}
}

func (c *Cluster) markReady(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	if c.attempt != nil {
		c.attempt.markReady()
	}
	c.startResetLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("Cluster ready")
	c.observer.ClusterReady(c)
}

func (c *Cluster) handleExit(gen uint64, code int) {
	c.mu.Lock()
	if gen != c.generation || c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.state = StateDead
	c.stopResetLocked()
	if c.attempt != nil {
		c.attempt.markDied()
		c.attempt = nil
	}

	respawn := c.cfg.Respawn
	allowed := c.restarts < c.cfg.Restarts.Max
	if respawn {
		c.restarts++
	}
	left := c.cfg.Restarts.Max - c.restarts
	c.mu.Unlock()

	c.logger.Warn().Int("code", code).Int("restarts_left", max(left, 0)).Msg("Cluster died")
	c.observer.ClusterDied(c, code)

	if !respawn {
		return
	}
	if !allowed {
		c.logger.Error().Msg("Respawn declined, restart budget exhausted")
		c.observer.RestartsExhausted(c)
		return
	}

	go func() {
		if _, err := c.Spawn(context.Background(), DefaultSpawnTimeout); err != nil {
			c.observer.ClusterError(c, err)
		}
	}()
}

func (c *Cluster) handleError(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.logger.Error().Err(err).Msg("Child process error")
	c.observer.ClusterError(c, err)
}

// startResetLocked (re)starts the ticker that clears the restart counter.
func (c *Cluster) startResetLocked() {
	c.stopResetLocked()
	interval := c.cfg.Restarts.Interval
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	c.resetStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				if c.resetStop == stop {
					c.restarts = 0
				}
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Cluster) stopResetLocked() {
	if c.resetStop != nil {
		close(c.resetStop)
		c.resetStop = nil
	}
}
