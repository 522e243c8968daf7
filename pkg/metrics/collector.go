package metrics

import (
	"time"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/storage"
)

// Source is what the collector reads from the manager
type Source interface {
	ClusterInfos() []cluster.Info
	TotalShards() int
}

// Collector periodically copies cluster state into gauges
type Collector struct {
	source   Source
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. store may be nil.
func NewCollector(source Source, store storage.Store) *Collector {
	return &Collector{
		source:   source,
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectClusterMetrics()
	c.collectStoredTotals()
}

func (c *Collector) collectClusterMetrics() {
	infos := c.source.ClusterInfos()

	states := map[string]int{}
	for _, s := range []cluster.State{
		cluster.StateUnspawned, cluster.StateSpawning, cluster.StateReady,
		cluster.StateKilled, cluster.StateDead,
	} {
		states[s.String()] = 0
	}
	for _, info := range infos {
		states[info.State]++
	}
	for state, count := range states {
		ClustersTotal.WithLabelValues(state).Set(float64(count))
	}

	ShardsTotal.Set(float64(c.source.TotalShards()))
}

func (c *Collector) collectStoredTotals() {
	if c.store == nil {
		return
	}
	totals, err := c.store.Totals()
	if err != nil {
		// the store check on /health reports the failure
		return
	}
	GuildsTotal.Set(float64(totals.Guilds))
	PlayersTotal.Set(float64(totals.Players))
}
