package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/metrics"
)

// BroadcastEval runs call on the targeted clusters concurrently and
// returns one result per cluster in creation order. Any failure fails the
// whole broadcast and no partial results are returned.
func (m *Manager) BroadcastEval(ctx context.Context, call ipc.Call, opts ipc.BroadcastOptions) ([]json.RawMessage, error) {
	if call.Procedure == "" {
		return nil, fmt.Errorf("%w: empty procedure", ErrInvalidTarget)
	}

	targets, err := m.resolveTargets(opts)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BroadcastDuration)

	timeout := opts.Timeout.Duration()
	results := make([]json.RawMessage, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range targets {
		g.Go(func() error {
			t := metrics.NewTimer()
			result, err := c.Eval(gctx, call, timeout)
			metrics.ObserveRequest("eval", t, err)
			if err != nil {
				return fmt.Errorf("eval %s on cluster %d: %w", call.Procedure, c.ID(), err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EvalOnCluster runs call on a single cluster.
func (m *Manager) EvalOnCluster(ctx context.Context, id int, call ipc.Call, timeout time.Duration) (json.RawMessage, error) {
	results, err := m.BroadcastEval(ctx, call, ipc.BroadcastOptions{
		Clusters: []int{id},
		Timeout:  ipc.JSONDuration(timeout),
	})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// FetchClientValues calls a procedure without arguments on every cluster.
func (m *Manager) FetchClientValues(ctx context.Context, procedure string) ([]json.RawMessage, error) {
	return m.BroadcastEval(ctx, ipc.Call{Procedure: procedure}, ipc.BroadcastOptions{})
}

// EvalOnManager runs a procedure registered on the manager itself.
func (m *Manager) EvalOnManager(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
	return m.procedures.Invoke(ctx, call)
}

func (m *Manager) resolveTargets(opts ipc.BroadcastOptions) ([]*cluster.Cluster, error) {
	clusters := m.Clusters()
	if len(clusters) == 0 {
		return nil, ErrNoClusters
	}

	if opts.GuildID != "" {
		shard, err := ParseGuildID(opts.GuildID, m.TotalShards())
		if err != nil {
			return nil, fmt.Errorf("%w: guild id %q", ErrInvalidTarget, opts.GuildID)
		}
		opts.Shard = &shard
	}

	if opts.Shard != nil {
		shard := *opts.Shard
		if shard < 0 {
			return nil, fmt.Errorf("%w: shard %d", ErrInvalidTarget, shard)
		}
		for _, c := range clusters {
			if c.OwnsShard(shard) {
				return []*cluster.Cluster{c}, nil
			}
		}
		return nil, &ClusterNotFoundError{ID: -1, Shard: shard}
	}

	if len(opts.Clusters) == 0 {
		return clusters, nil
	}

	wanted := make(map[int]bool, len(opts.Clusters))
	for _, id := range opts.Clusters {
		if id < 0 {
			return nil, fmt.Errorf("%w: cluster %d", ErrInvalidTarget, id)
		}
		if _, ok := m.Cluster(id); !ok {
			return nil, &ClusterNotFoundError{ID: id, Shard: -1}
		}
		wanted[id] = true
	}

	targets := make([]*cluster.Cluster, 0, len(wanted))
	for _, c := range clusters {
		if wanted[c.ID()] {
			targets = append(targets, c)
		}
	}
	return targets, nil
}
