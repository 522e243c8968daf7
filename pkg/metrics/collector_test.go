package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/storage"
)

type fakeSource struct {
	infos  []cluster.Info
	shards int
}

func (f *fakeSource) ClusterInfos() []cluster.Info { return f.infos }
func (f *fakeSource) TotalShards() int             { return f.shards }

func TestCollectorClusterMetrics(t *testing.T) {
	src := &fakeSource{
		shards: 6,
		infos: []cluster.Info{
			{ID: 0, State: cluster.StateReady.String()},
			{ID: 1, State: cluster.StateReady.String()},
			{ID: 2, State: cluster.StateSpawning.String()},
		},
	}
	c := NewCollector(src, nil)
	c.collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(ClustersTotal.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ClustersTotal.WithLabelValues("spawning")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ClustersTotal.WithLabelValues("dead")))
	assert.Equal(t, 6.0, testutil.ToFloat64(ShardsTotal))

	src.infos[2].State = cluster.StateReady.String()
	c.collect()
	assert.Equal(t, 3.0, testutil.ToFloat64(ClustersTotal.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ClustersTotal.WithLabelValues("spawning")))
}

func TestCollectorStoredTotals(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutCluster(&storage.ClusterRecord{ClusterID: 0, ShardList: []int{0, 1}, GuildCount: 40, PlayerCount: 3}))
	require.NoError(t, store.PutCluster(&storage.ClusterRecord{ClusterID: 1, ShardList: []int{2, 3}, GuildCount: 2, PlayerCount: 1}))

	c := NewCollector(&fakeSource{}, store)
	c.collect()

	assert.Equal(t, 42.0, testutil.ToFloat64(GuildsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(PlayersTotal))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeSource{}, nil)
	c.interval = 10 * time.Millisecond
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
