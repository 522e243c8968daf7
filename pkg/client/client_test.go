package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/rpc"
)

// parent plays the manager end of the pipes.
type parent struct {
	conn     *ipc.Conn
	received chan ipc.Envelope
}

func (p *parent) send(t *testing.T, env ipc.Envelope) {
	t.Helper()
	require.NoError(t, p.conn.Send(env))
}

func (p *parent) next(t *testing.T) ipc.Envelope {
	t.Helper()
	select {
	case env := <-p.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope from client")
		return ipc.Envelope{}
	}
}

func newPair(t *testing.T, env ipc.Env, procs *rpc.Registry) (*Client, *parent) {
	t.Helper()

	childR, parentW := io.Pipe()
	parentR, childW := io.Pipe()

	c := New(env, ipc.NewConn(childR, childW, childR, childW), procs)
	p := &parent{
		conn:     ipc.NewConn(parentR, parentW, parentR, parentW),
		received: make(chan ipc.Envelope, 16),
	}

	go func() {
		for {
			env, err := p.conn.Receive()
			if err != nil {
				return
			}
			p.received <- env
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = p.conn.Close()
		<-done
	})
	return c, p
}

func testEnv() ipc.Env {
	return ipc.Env{
		ClusterID:    1,
		ClusterCount: 3,
		ShardList:    []int{2, 3},
		TotalShards:  6,
		QueueMode:    ipc.QueueAuto,
	}
}

func TestAccessors(t *testing.T) {
	c, _ := newPair(t, testEnv(), nil)

	assert.Equal(t, 1, c.ID())
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, []int{2, 3}, c.Shards())
	assert.Empty(t, c.Maintenance())
	assert.NotNil(t, c.Procedures())
}

func TestEvalRequestInvokesProcedure(t *testing.T) {
	procs := rpc.NewRegistry()
	procs.Register("guildCount", rpc.Value(func() int { return 42 }))

	_, p := newPair(t, testEnv(), procs)

	req := ipc.MustEnvelope(ipc.ClientEvalRequest, ipc.Call{Procedure: "guildCount"})
	p.send(t, req)

	resp := p.next(t)
	assert.Equal(t, ipc.ClientEvalResponse, resp.Type)
	assert.Equal(t, req.Nonce, resp.Nonce)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, "42", string(resp.Payload))
}

func TestEvalRequestUnknownProcedure(t *testing.T) {
	_, p := newPair(t, testEnv(), nil)

	req := ipc.MustEnvelope(ipc.ClientEvalRequest, ipc.Call{Procedure: "nope"})
	p.send(t, req)

	resp := p.next(t)
	assert.Equal(t, ipc.ClientEvalResponse, resp.Type)
	assert.Equal(t, req.Nonce, resp.Nonce)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Error(), "nope")
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	_, p := newPair(t, testEnv(), nil)

	p.send(t, ipc.MustEnvelope(ipc.Heartbeat, ipc.HeartbeatPayload{Date: 1234}))

	ack := p.next(t)
	assert.Equal(t, ipc.HeartbeatAck, ack.Type)

	var hb ipc.HeartbeatPayload
	require.NoError(t, ack.Decode(&hb))
	assert.Equal(t, int64(1234), hb.Date)
}

func TestBroadcastEvalRoundTrip(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	type outcome struct {
		results []json.RawMessage
		err     error
	}
	out := make(chan outcome, 1)
	go func() {
		results, err := c.BroadcastEval(context.Background(), ipc.Call{Procedure: "guildCount"}, ipc.BroadcastOptions{})
		out <- outcome{results, err}
	}()

	req := p.next(t)
	require.Equal(t, ipc.ClientBroadcastRequest, req.Type)
	var br ipc.BroadcastRequest
	require.NoError(t, req.Decode(&br))
	assert.Equal(t, "guildCount", br.Call.Procedure)

	resp, err := req.Reply(ipc.ClientBroadcastResponse, []int{1, 2, 3})
	require.NoError(t, err)
	p.send(t, resp)

	got := <-out
	require.NoError(t, got.err)
	require.Len(t, got.results, 3)
	assert.JSONEq(t, "2", string(got.results[1]))
}

func TestBroadcastEvalRemoteError(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	out := make(chan error, 1)
	go func() {
		_, err := c.BroadcastEval(context.Background(), ipc.Call{Procedure: "x"}, ipc.BroadcastOptions{Clusters: []int{9}})
		out <- err
	}()

	req := p.next(t)
	p.send(t, req.ReplyError(ipc.ClientBroadcastResponse, errors.New("cluster 9 not found")))

	err := <-out
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Error(), "cluster 9 not found")
}

func TestEvalOnManager(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	out := make(chan json.RawMessage, 1)
	go func() {
		result, err := c.EvalOnManager(context.Background(), ipc.Call{Procedure: "totalShards"})
		assert.NoError(t, err)
		out <- result
	}()

	req := p.next(t)
	require.Equal(t, ipc.ClientManagerEvalRequest, req.Type)
	resp, err := req.Reply(ipc.ClientManagerEvalResponse, 6)
	require.NoError(t, err)
	p.send(t, resp)

	assert.JSONEq(t, "6", string(<-out))
}

func TestRequestCancelledByContext(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, map[string]string{"op": "ping"}, time.Minute)
		out <- err
	}()

	req := p.next(t)
	assert.Equal(t, ipc.CustomRequest, req.Type)
	require.NotNil(t, req.Options)
	assert.Equal(t, int64(60000), req.Options.Timeout)

	cancel()
	assert.ErrorIs(t, <-out, context.Canceled)
}

func TestRespawnAllDefaults(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	require.NoError(t, c.RespawnAll(ipc.RespawnAllOptions{}))

	env := p.next(t)
	require.Equal(t, ipc.ClientRespawnAll, env.Type)
	var opts ipc.RespawnAllOptions
	require.NoError(t, env.Decode(&opts))
	assert.Equal(t, 5*time.Second, opts.ClusterDelay.Duration())
	assert.Equal(t, 7*time.Second, opts.RespawnDelay.Duration())
	assert.Equal(t, 30*time.Second, opts.Timeout.Duration())
}

func TestTriggerReady(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	assert.False(t, c.Ready())
	require.NoError(t, c.TriggerReady())
	assert.True(t, c.Ready())
	assert.Equal(t, ipc.ClientReady, p.next(t).Type)
}

func TestSpawnNextClusterRequiresManualQueue(t *testing.T) {
	c, _ := newPair(t, testEnv(), nil)
	assert.ErrorIs(t, c.SpawnNextCluster(), ErrAutoQueue)

	env := testEnv()
	env.QueueMode = ipc.QueueManual
	manual, p := newPair(t, env, nil)
	require.NoError(t, manual.SpawnNextCluster())
	assert.Equal(t, ipc.ClientSpawnNextCluster, p.next(t).Type)
}

func TestReportStats(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	require.NoError(t, c.ReportStats(ipc.Stats{Cluster: 1, Guilds: 10, Players: 2}))

	env := p.next(t)
	require.Equal(t, ipc.CustomMessage, env.Type)
	var msg ipc.Custom
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, ipc.KindStats, msg.Kind)

	var stats ipc.Stats
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 10, stats.Guilds)
}

func TestClusterReadyAtStartup(t *testing.T) {
	c, _ := newPair(t, testEnv(), nil)

	select {
	case <-c.ClusterReady():
	default:
		t.Fatal("cluster ready should be closed without maintenance")
	}
}

func TestMaintenanceToggles(t *testing.T) {
	env := testEnv()
	env.Maintenance = "upgrade"
	c, p := newPair(t, env, nil)

	ready := c.ClusterReady()
	select {
	case <-ready:
		t.Fatal("cluster ready closed during maintenance")
	default:
	}
	assert.Equal(t, "upgrade", c.Maintenance())

	p.send(t, ipc.MustEnvelope(ipc.ClientMaintenanceDisable, nil))
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("cluster ready not closed after maintenance lifted")
	}
	assert.Empty(t, c.Maintenance())

	p.send(t, ipc.MustEnvelope(ipc.ClientMaintenanceEnable, ipc.Maintenance{Reason: "db"}))
	require.Eventually(t, func() bool { return c.Maintenance() == "db" }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-c.ClusterReady():
		t.Fatal("fresh ready channel should be open")
	default:
	}
}

func TestTriggerMaintenanceAll(t *testing.T) {
	c, p := newPair(t, testEnv(), nil)

	require.NoError(t, c.TriggerMaintenance("deploy", true))
	env := p.next(t)
	assert.Equal(t, ipc.ClientMaintenanceAll, env.Type)
	assert.Equal(t, "deploy", c.Maintenance())

	require.NoError(t, c.TriggerMaintenance("", false))
	assert.Equal(t, ipc.ClientMaintenance, p.next(t).Type)
	assert.Empty(t, c.Maintenance())
}

func TestUnhandledMessagesReachOnMessage(t *testing.T) {
	childR, parentW := io.Pipe()
	parentR, childW := io.Pipe()
	defer parentR.Close()

	c := New(testEnv(), ipc.NewConn(childR, childW, childR, childW), nil)
	got := make(chan ipc.Envelope, 1)
	c.OnMessage(func(env ipc.Envelope) { got <- env })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	parentConn := ipc.NewConn(parentR, parentW, parentW)
	require.NoError(t, parentConn.Send(ipc.MustEnvelope(ipc.CustomMessage, ipc.Custom{Kind: "hello"})))

	select {
	case env := <-got:
		assert.Equal(t, ipc.CustomMessage, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// closing the manager end ends Run cleanly
	require.NoError(t, parentConn.Close())
	assert.NoError(t, <-done)
}
