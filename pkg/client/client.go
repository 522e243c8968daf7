package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/child"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/promise"
	"github.com/flowmusic/flow/pkg/rpc"
)

// ErrAutoQueue is returned by SpawnNextCluster when the manager drains its
// queue on its own.
var ErrAutoQueue = errors.New("next cluster can only be spawned when the queue is in manual mode")

// Transport carries envelopes to and from the manager.
type Transport interface {
	Send(env ipc.Envelope) error
	Receive() (ipc.Envelope, error)
	Close() error
}

// Client is the child side of the cluster protocol. It answers procedure
// calls and heartbeats from the manager and sends requests to it.
type Client struct {
	env        ipc.Env
	transport  Transport
	procedures *rpc.Registry
	requests   *promise.Registry
	dispatcher *ipc.Dispatcher
	logger     zerolog.Logger

	mu           sync.Mutex
	maintenance  string
	ready        bool
	clusterReady chan struct{}
	onMessage    func(ipc.Envelope)
}

// Connect builds a client from the environment and the pipes inherited
// from the manager.
func Connect(procedures *rpc.Registry) (*Client, error) {
	env, err := ipc.ParseEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	conn, err := child.ParentConn()
	if err != nil {
		return nil, err
	}
	return New(env, conn, procedures), nil
}

// New creates a client over transport. procedures may be nil.
func New(env ipc.Env, transport Transport, procedures *rpc.Registry) *Client {
	if procedures == nil {
		procedures = rpc.NewRegistry()
	}

	c := &Client{
		env:          env,
		transport:    transport,
		procedures:   procedures,
		requests:     promise.NewRegistry(0),
		dispatcher:   ipc.NewDispatcher(),
		logger:       log.WithClusterID("client", env.ClusterID),
		maintenance:  env.Maintenance,
		clusterReady: make(chan struct{}),
	}
	if c.maintenance == "" {
		close(c.clusterReady)
	}
	c.registerHandlers()
	return c
}

// Env returns the identity the manager gave this process.
func (c *Client) Env() ipc.Env { return c.env }

// ID returns the cluster id.
func (c *Client) ID() int { return c.env.ClusterID }

// Shards returns the shards this cluster runs.
func (c *Client) Shards() []int { return c.env.ShardList }

// Count returns the number of clusters.
func (c *Client) Count() int { return c.env.ClusterCount }

// Procedures returns the registry answering CLIENT_EVAL_REQUEST.
func (c *Client) Procedures() *rpc.Registry { return c.procedures }

// Maintenance returns the current maintenance reason, empty when none.
func (c *Client) Maintenance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenance
}

// Ready reports whether TriggerReady was called.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ClusterReady is closed while the cluster is not in maintenance.
func (c *Client) ClusterReady() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterReady
}

// OnMessage sets the handler for envelopes the client does not handle
// itself. It must be set before Run.
func (c *Client) OnMessage(fn func(ipc.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Run reads from the manager until the channel closes or ctx is done.
// A closed channel is not an error.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.transport.Close() })
	defer stop()
	defer c.requests.Clear(ipc.ErrClosed)

	for {
		env, err := c.transport.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read from manager: %w", err)
		}
		c.handle(env)
	}
}

// Close closes the channel to the manager.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Send delivers env to the manager.
func (c *Client) Send(env ipc.Envelope) error {
	return c.transport.Send(env)
}

// Request sends payload as CUSTOM_REQUEST and waits for the CUSTOM_REPLY.
func (c *Client) Request(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error) {
	env, err := ipc.NewEnvelope(ipc.CustomRequest, payload)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, env.WithTimeout(timeout), timeout)
}

// BroadcastEval asks the manager to run call on the clusters selected by
// opts and returns their results.
func (c *Client) BroadcastEval(ctx context.Context, call ipc.Call, opts ipc.BroadcastOptions) ([]json.RawMessage, error) {
	env, err := ipc.NewEnvelope(ipc.ClientBroadcastRequest, ipc.BroadcastRequest{Call: call, Options: opts})
	if err != nil {
		return nil, err
	}

	// the manager applies opts.Timeout per cluster; allow for the hop back
	timeout := opts.Timeout.Duration()
	if timeout > 0 {
		timeout += time.Second
	}
	raw, err := c.roundTrip(ctx, env, timeout)
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast results: %w", err)
	}
	return results, nil
}

// FetchClientValues calls a procedure without arguments on every cluster.
func (c *Client) FetchClientValues(ctx context.Context, procedure string) ([]json.RawMessage, error) {
	return c.BroadcastEval(ctx, ipc.Call{Procedure: procedure}, ipc.BroadcastOptions{})
}

// EvalOnManager runs a procedure registered on the manager.
func (c *Client) EvalOnManager(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
	env, err := ipc.NewEnvelope(ipc.ClientManagerEvalRequest, call)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, env, 0)
}

// RespawnAll asks the manager to respawn every cluster, this one included.
func (c *Client) RespawnAll(opts ipc.RespawnAllOptions) error {
	if opts.ClusterDelay == 0 {
		opts.ClusterDelay = ipc.JSONDuration(5 * time.Second)
	}
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = ipc.JSONDuration(7 * time.Second)
	}
	if opts.Timeout == 0 {
		opts.Timeout = ipc.JSONDuration(30 * time.Second)
	}
	return c.send(ipc.ClientRespawnAll, opts)
}

// Respawn asks the manager to respawn this cluster.
func (c *Client) Respawn(opts ipc.RespawnOptions) error {
	return c.send(ipc.ClientRespawn, opts)
}

// TriggerReady tells the manager that every shard of this cluster is
// connected.
func (c *Client) TriggerReady() error {
	if err := c.send(ipc.ClientReady, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// TriggerMaintenance asks the manager to put this cluster, or every
// cluster when all is set, into maintenance. An empty reason lifts it.
func (c *Client) TriggerMaintenance(reason string, all bool) error {
	t := ipc.ClientMaintenance
	if all {
		t = ipc.ClientMaintenanceAll
	}
	if err := c.send(t, ipc.Maintenance{Reason: reason}); err != nil {
		return err
	}
	c.setMaintenance(reason)
	return nil
}

// SpawnNextCluster asks a manual queue to start the next cluster.
func (c *Client) SpawnNextCluster() error {
	if c.env.QueueMode == ipc.QueueAuto {
		return ErrAutoQueue
	}
	return c.send(ipc.ClientSpawnNextCluster, nil)
}

// ReportStats sends the cluster's counters to the manager.
func (c *Client) ReportStats(stats ipc.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.send(ipc.CustomMessage, ipc.Custom{Kind: ipc.KindStats, Data: data})
}

func (c *Client) send(t ipc.MessageType, payload any) error {
	env, err := ipc.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

func (c *Client) roundTrip(ctx context.Context, env ipc.Envelope, timeout time.Duration) (json.RawMessage, error) {
	pending, err := c.requests.Create(env.Nonce, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(env); err != nil {
		c.requests.Reject(env.Nonce, err)
	}
	return pending.Wait(ctx)
}

func (c *Client) setMaintenance(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	was := c.maintenance
	c.maintenance = reason
	switch {
	case was == "" && reason != "":
		c.clusterReady = make(chan struct{})
	case was != "" && reason == "":
		close(c.clusterReady)
	}
}

func (c *Client) handle(env ipc.Envelope) {
	consumed, err := c.dispatcher.Dispatch(env)
	if err != nil {
		c.logger.Warn().Err(err).Str("type", env.Type.String()).Msg("Failed to handle message")
	}
	if consumed {
		return
	}

	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) registerHandlers() {
	resolve := func(env ipc.Envelope) error {
		c.requests.ResolveEnvelope(env)
		return nil
	}
	c.dispatcher.Handle(ipc.ClientBroadcastResponse, resolve)
	c.dispatcher.Handle(ipc.ClientManagerEvalResponse, resolve)
	c.dispatcher.Handle(ipc.CustomReply, resolve)

	c.dispatcher.Handle(ipc.ClientEvalRequest, func(env ipc.Envelope) error {
		var call ipc.Call
		if err := env.Decode(&call); err != nil {
			return c.transport.Send(env.ReplyError(ipc.ClientEvalResponse, err))
		}
		go c.answerEval(env, call)
		return nil
	})

	c.dispatcher.Handle(ipc.Heartbeat, func(env ipc.Envelope) error {
		var hb ipc.HeartbeatPayload
		if err := env.Decode(&hb); err != nil {
			return err
		}
		return c.send(ipc.HeartbeatAck, hb)
	})

	c.dispatcher.Handle(ipc.ClientMaintenanceEnable, func(env ipc.Envelope) error {
		var m ipc.Maintenance
		if len(env.Payload) > 0 {
			if err := env.Decode(&m); err != nil {
				return err
			}
		}
		if m.Reason == "" {
			m.Reason = "maintenance"
		}
		c.logger.Info().Str("reason", m.Reason).Msg("Maintenance enabled")
		c.setMaintenance(m.Reason)
		return nil
	})

	c.dispatcher.Handle(ipc.ClientMaintenanceDisable, func(ipc.Envelope) error {
		c.logger.Info().Msg("Maintenance disabled")
		c.setMaintenance("")
		return nil
	})
}

func (c *Client) answerEval(req ipc.Envelope, call ipc.Call) {
	ctx := context.Background()
	if timeout := req.Options.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var resp ipc.Envelope
	result, err := c.procedures.Invoke(ctx, call)
	if err == nil {
		resp, err = req.Reply(ipc.ClientEvalResponse, result)
	}
	if err != nil {
		resp = req.ReplyError(ipc.ClientEvalResponse, err)
	}

	if err := c.transport.Send(resp); err != nil {
		c.logger.Error().Err(err).Str("procedure", call.Procedure).Msg("Failed to send eval response")
	}
}
