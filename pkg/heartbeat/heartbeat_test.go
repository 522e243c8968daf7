package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmusic/flow/pkg/cluster/clustertest"
	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/manager"
)

func newManager(t *testing.T, sp *clustertest.Spawner) *manager.Manager {
	t.Helper()

	m, err := manager.New(manager.Options{
		Path:          "/usr/local/bin/flow",
		TotalShards:   4,
		TotalClusters: 2,
		Token:         "token",
		SpawnDelay:    -1,
		Spawner:       sp,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Spawn(context.Background()))
	select {
	case <-m.AllReady():
	case <-time.After(2 * time.Second):
		t.Fatal("clusters did not become ready")
	}
	return m
}

// ackHeartbeats makes fake children echo every HEARTBEAT.
func ackHeartbeats(p *clustertest.Process, env ipc.Envelope) {
	if env.Type != ipc.Heartbeat {
		return
	}
	var hb ipc.HeartbeatPayload
	if env.Decode(&hb) == nil {
		p.Emit(ipc.MustEnvelope(ipc.HeartbeatAck, hb))
	}
}

// waitSent waits until no heartbeat write to the given clusters is pending.
func waitSent(t *testing.T, mon *Monitor, ids ...int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if mon.inFlight(id) {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func TestNewDefaults(t *testing.T) {
	mon := New(Options{})
	assert.Equal(t, DefaultInterval, mon.opts.Interval)
	assert.Equal(t, DefaultMaxMissed, mon.opts.MaxMissed)
	assert.False(t, mon.opts.SkipRespawn)
}

func TestBeatSendsHeartbeats(t *testing.T) {
	sp := &clustertest.Spawner{AutoReady: true, OnSend: ackHeartbeats}
	m := newManager(t, sp)

	mon := New(Options{Interval: time.Hour})
	require.NoError(t, m.Extend(mon))
	assert.Error(t, mon.Start(m), "second start")

	mon.tick()
	waitSent(t, mon, 0, 1)

	for _, p := range sp.Processes() {
		beats := p.SentOfType(ipc.Heartbeat)
		require.Len(t, beats, 1)
		var hb ipc.HeartbeatPayload
		require.NoError(t, beats[0].Decode(&hb))
		assert.NotZero(t, hb.Date)
	}

	require.Eventually(t, func() bool {
		for _, id := range []int{0, 1} {
			if st, ok := mon.State(id); !ok || st.awaiting {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	mon.tick()
	st, ok := mon.State(1)
	require.True(t, ok)
	assert.Zero(t, st.Missed)
}

func TestMissedHeartbeatsRespawn(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	sp := &clustertest.Spawner{AutoReady: true}
	m, err := manager.New(manager.Options{
		Path:          "/usr/local/bin/flow",
		TotalShards:   2,
		TotalClusters: 1,
		Token:         "token",
		SpawnDelay:    -1,
		Spawner:       sp,
		Events:        broker,
	})
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Spawn(context.Background()))
	<-m.AllReady()

	mon := New(Options{Interval: time.Hour, MaxMissed: 3})
	require.NoError(t, m.Extend(mon))
	first := sp.Last()

	// the first tick only sends; the next three are missed
	for i := 0; i < 4; i++ {
		mon.tick()
		waitSent(t, mon, 0)
	}

	require.Eventually(t, func() bool { return sp.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.Killed())
	assert.Len(t, first.SentOfType(ipc.Heartbeat), 3)

	missed, violations := 0, 0
	timeout := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.EventHeartbeatMissed:
				missed++
			case events.EventHeartbeatViolation:
				violations++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Equal(t, 3, missed)
	assert.Equal(t, 1, violations)

	_, tracked := mon.State(0)
	assert.False(t, tracked)
}

func TestSkipRespawn(t *testing.T) {
	sp := &clustertest.Spawner{AutoReady: true}
	m := newManager(t, sp)

	mon := New(Options{Interval: time.Hour, MaxMissed: 1, SkipRespawn: true})
	require.NoError(t, m.Extend(mon))

	mon.tick()
	mon.tick()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sp.Count())
	for _, c := range m.Clusters() {
		assert.True(t, c.Ready())
	}
}

func TestUntrackOnKill(t *testing.T) {
	sp := &clustertest.Spawner{AutoReady: true}
	m := newManager(t, sp)

	mon := New(Options{Interval: time.Hour})
	require.NoError(t, m.Extend(mon))
	mon.tick()

	_, ok := mon.State(1)
	require.True(t, ok)

	c, _ := m.Cluster(1)
	require.NoError(t, c.Kill("test"))

	_, ok = mon.State(1)
	assert.False(t, ok)

	mon.tick()
	_, ok = mon.State(1)
	assert.False(t, ok, "killed clusters are not beaten")
}

func TestRunLoop(t *testing.T) {
	sp := &clustertest.Spawner{AutoReady: true, OnSend: ackHeartbeats}
	m := newManager(t, sp)

	mon := New(Options{Interval: 10 * time.Millisecond})
	require.NoError(t, m.Extend(mon))

	require.Eventually(t, func() bool {
		return len(sp.Last().SentOfType(ipc.Heartbeat)) >= 3
	}, time.Second, 5*time.Millisecond)

	mon.Stop()
	mon.Stop()
	time.Sleep(30 * time.Millisecond)
	n := len(sp.Last().SentOfType(ipc.Heartbeat))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(sp.Last().SentOfType(ipc.Heartbeat)))
}

func TestBlockedChildDoesNotStallOthers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	sp := &clustertest.Spawner{AutoReady: true, OnSend: func(p *clustertest.Process, env ipc.Envelope) {
		if env.Type == ipc.Heartbeat && p.Env(ipc.EnvCluster) == "0" {
			<-release // full pipe
			return
		}
		ackHeartbeats(p, env)
	}}
	m := newManager(t, sp)

	mon := New(Options{Interval: time.Hour, MaxMissed: 10})
	require.NoError(t, m.Extend(mon))

	for i := 0; i < 2; i++ {
		ticked := make(chan struct{})
		go func() {
			mon.tick()
			close(ticked)
		}()
		select {
		case <-ticked:
		case <-time.After(2 * time.Second):
			t.Fatal("tick blocked on a child that stopped reading")
		}
		waitSent(t, mon, 1)
	}

	assert.True(t, mon.inFlight(0))
	// the second tick does not queue another write behind the stuck one
	assert.Len(t, sp.ForCluster("0").SentOfType(ipc.Heartbeat), 1)
	require.Eventually(t, func() bool {
		return len(sp.ForCluster("1").SentOfType(ipc.Heartbeat)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := mon.State(0)
	require.True(t, ok)
	assert.Equal(t, 1, st.Missed)
}
