package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/metrics"
	"github.com/flowmusic/flow/pkg/storage"
)

// The manager observes every cluster it creates.
var _ cluster.Observer = (*Manager)(nil)

func (m *Manager) ClusterSpawned(c *cluster.Cluster, pid int) {
	m.mu.Lock()
	m.spawnedAt[c.ID()] = time.Now()
	m.mu.Unlock()

	metrics.ClusterSpawnsTotal.WithLabelValues(strconv.Itoa(c.ID())).Inc()
	m.events.Publish(events.New(events.EventClusterSpawned, c.ID(), fmt.Sprintf("Cluster %d spawned.", c.ID())).
		With("pid", strconv.Itoa(pid)))
}

func (m *Manager) ClusterReady(c *cluster.Cluster) {
	m.mu.Lock()
	spawned, ok := m.spawnedAt[c.ID()]
	m.mu.Unlock()
	if ok {
		metrics.SpawnDuration.Observe(time.Since(spawned).Seconds())
	}

	m.events.Publish(events.New(events.EventClusterReady, c.ID(), fmt.Sprintf("Cluster %d is ready.", c.ID())))
	m.debug(c.ID(), "Ready")
	m.checkAllReady()
}

func (m *Manager) ClusterDied(c *cluster.Cluster, code int) {
	m.untrack(c.ID())
	metrics.ClusterDeathsTotal.WithLabelValues(strconv.Itoa(c.ID())).Inc()
	m.events.Publish(events.New(events.EventClusterDied, c.ID(), fmt.Sprintf("Cluster %d died.", c.ID())).
		With("code", strconv.Itoa(code)))
}

func (m *Manager) ClusterKilled(c *cluster.Cluster, reason string) {
	m.untrack(c.ID())
	m.events.Publish(events.New(events.EventClusterKilled, c.ID(), fmt.Sprintf("Cluster %d killed.", c.ID())).
		With("reason", reason))
}

func (m *Manager) ClusterError(c *cluster.Cluster, err error) {
	m.events.Publish(events.New(events.EventClusterError, c.ID(),
		fmt.Sprintf("Cluster %d encountered an error: %v", c.ID(), err)))
}

func (m *Manager) RestartsExhausted(c *cluster.Cluster) {
	m.events.Publish(events.New(events.EventRestartsExhausted, c.ID(),
		fmt.Sprintf("Cluster %d exhausted its restart budget.", c.ID())))
}

func (m *Manager) ClusterMessage(c *cluster.Cluster, env ipc.Envelope) bool {
	m.mu.RLock()
	d := m.dispatchers[c.ID()]
	m.mu.RUnlock()
	if d == nil {
		return false
	}

	consumed, err := d.Dispatch(env)
	if err != nil {
		m.logger.Warn().Err(err).Int("cluster_id", c.ID()).Str("type", env.Type.String()).Msg("Failed to handle message")
		m.ClusterError(c, err)
	}
	return consumed
}

func (m *Manager) untrack(id int) {
	if hb := m.heartbeatTracker(); hb != nil {
		hb.Untrack(id)
	}
}

// newDispatcher routes the requests one child sends to its manager.
func (m *Manager) newDispatcher(c *cluster.Cluster) *ipc.Dispatcher {
	d := ipc.NewDispatcher()

	d.Handle(ipc.ClientBroadcastRequest, func(env ipc.Envelope) error {
		var req ipc.BroadcastRequest
		if err := env.Decode(&req); err != nil {
			c.Send(env.ReplyError(ipc.ClientBroadcastResponse, err))
			return err
		}
		go func() {
			results, err := m.BroadcastEval(context.Background(), req.Call, req.Options)
			m.reply(c, env, ipc.ClientBroadcastResponse, results, err)
		}()
		return nil
	})

	d.Handle(ipc.ClientManagerEvalRequest, func(env ipc.Envelope) error {
		var call ipc.Call
		if err := env.Decode(&call); err != nil {
			c.Send(env.ReplyError(ipc.ClientManagerEvalResponse, err))
			return err
		}
		go func() {
			result, err := m.EvalOnManager(context.Background(), call)
			m.reply(c, env, ipc.ClientManagerEvalResponse, result, err)
		}()
		return nil
	})

	d.Handle(ipc.ClientRespawnAll, func(env ipc.Envelope) error {
		var opts ipc.RespawnAllOptions
		if len(env.Payload) > 0 {
			if err := env.Decode(&opts); err != nil {
				return err
			}
		}
		go func() {
			err := m.RespawnAll(context.Background(), RespawnAllOptions{
				ClusterDelay: opts.ClusterDelay.Duration(),
				RespawnDelay: opts.RespawnDelay.Duration(),
				Timeout:      opts.Timeout.Duration(),
			})
			if err != nil {
				m.logger.Error().Err(err).Msg("Respawn of all clusters failed")
			}
		}()
		return nil
	})

	d.Handle(ipc.ClientMaintenanceAll, func(env ipc.Envelope) error {
		var maint ipc.Maintenance
		if len(env.Payload) > 0 {
			if err := env.Decode(&maint); err != nil {
				return err
			}
		}
		m.TriggerMaintenance(maint.Reason)
		return nil
	})

	d.Handle(ipc.ClientSpawnNextCluster, func(ipc.Envelope) error {
		go func() {
			if _, err := m.queue.Next(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("Failed to spawn next cluster")
			}
		}()
		return nil
	})

	d.Handle(ipc.HeartbeatAck, func(env ipc.Envelope) error {
		var hb ipc.HeartbeatPayload
		if err := env.Decode(&hb); err != nil {
			return err
		}
		if t := m.heartbeatTracker(); t != nil {
			t.Ack(c.ID(), hb.Date)
		}
		return nil
	})

	d.Handle(ipc.CustomRequest, func(env ipc.Envelope) error {
		m.events.Publish(events.New(events.EventClusterRequest, c.ID(), "custom request").
			With("nonce", env.Nonce))
		if m.opts.OnRequest == nil {
			return nil
		}
		go func() {
			result, err := m.opts.OnRequest(context.Background(), c, env.Payload)
			m.reply(c, env, ipc.CustomReply, result, err)
		}()
		return nil
	})

	d.Handle(ipc.CustomMessage, func(env ipc.Envelope) error {
		var msg ipc.Custom
		if len(env.Payload) > 0 {
			if err := env.Decode(&msg); err != nil {
				return err
			}
		}
		if msg.Kind == ipc.KindStats {
			return m.storeStats(c, msg)
		}
		m.events.Publish(events.New(events.EventClusterMessage, c.ID(), msg.Kind))
		return nil
	})

	return d
}

func (m *Manager) reply(c *cluster.Cluster, req ipc.Envelope, t ipc.MessageType, result any, err error) {
	if err != nil {
		c.Send(req.ReplyError(t, err))
		return
	}
	resp, err := req.Reply(t, result)
	if err != nil {
		c.Send(req.ReplyError(t, err))
		return
	}
	c.Send(resp)
}

func (m *Manager) storeStats(c *cluster.Cluster, msg ipc.Custom) error {
	var stats ipc.Stats
	if len(msg.Data) == 0 {
		return errors.New("stats message without data")
	}
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}
	if m.opts.Store == nil {
		return nil
	}

	updated := stats.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return m.opts.Store.PutCluster(&storage.ClusterRecord{
		ClusterID:   c.ID(),
		ShardList:   c.Shards(),
		GuildCount:  stats.Guilds,
		PlayerCount: stats.Players,
		MemoryMB:    stats.MemoryMB,
		UpdatedAt:   updated,
	})
}
