package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmusic/flow/pkg/cluster"
	"github.com/flowmusic/flow/pkg/events"
	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/flowmusic/flow/pkg/log"
	"github.com/flowmusic/flow/pkg/manager"
	"github.com/flowmusic/flow/pkg/metrics"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultMaxMissed = 5
)

// Options configures a Monitor.
type Options struct {
	Interval  time.Duration
	MaxMissed int
	// SkipRespawn only reports a violation instead of respawning the
	// cluster.
	SkipRespawn bool
}

// State is the heartbeat bookkeeping of one cluster.
type State struct {
	LastAckAt time.Time
	Missed    int

	awaiting bool
	sentAt   int64
}

// Target is what a monitor supervises.
type Target interface {
	Clusters() []*cluster.Cluster
	Events() *events.Broker
}

// Monitor sends HEARTBEAT to every ready cluster each interval and
// respawns clusters that stop answering.
type Monitor struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	target   Target
	states   map[int]*State
	sending  map[int]bool // heartbeat write still in flight
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor. Zero options select the defaults.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = DefaultMaxMissed
	}
	return &Monitor{
		opts:   opts,
		logger: log.WithComponent("heartbeat"),
		states:  make(map[int]*State),
		sending: make(map[int]bool),
		stop:    make(chan struct{}),
	}
}

// Build installs the monitor on m and starts it.
func (mon *Monitor) Build(m *manager.Manager) error {
	m.SetHeartbeat(mon)
	return mon.Start(m)
}

// Start begins monitoring t. It fails when the monitor already runs.
func (mon *Monitor) Start(t Target) error {
	mon.mu.Lock()
	if mon.target != nil {
		mon.mu.Unlock()
		return fmt.Errorf("heartbeat monitor already started")
	}
	mon.target = t
	mon.mu.Unlock()

	go mon.run()
	mon.logger.Info().
		Dur("interval", mon.opts.Interval).
		Int("max_missed", mon.opts.MaxMissed).
		Msg("Heartbeat monitor started")
	return nil
}

// Stop ends monitoring. It is safe to call more than once.
func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() { close(mon.stop) })
}

// Ack records a HEARTBEAT_ACK from a cluster.
func (mon *Monitor) Ack(clusterID int, date int64) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	st, ok := mon.states[clusterID]
	if !ok {
		return
	}
	st.awaiting = false
	st.Missed = 0
	st.LastAckAt = time.Now()
	mon.logger.Debug().
		Int("cluster_id", clusterID).
		Int64("date", date).
		Dur("latency", st.LastAckAt.Sub(time.UnixMilli(st.sentAt))).
		Msg("Heartbeat acknowledged")
}

// Untrack forgets a cluster, usually because it was killed or died.
func (mon *Monitor) Untrack(clusterID int) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	delete(mon.states, clusterID)
}

// State returns a copy of the state of a tracked cluster.
func (mon *Monitor) State(clusterID int) (State, bool) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	st, ok := mon.states[clusterID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (mon *Monitor) run() {
	ticker := time.NewTicker(mon.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mon.tick()
		case <-mon.stop:
			mon.logger.Debug().Msg("Heartbeat monitor stopped")
			return
		}
	}
}

func (mon *Monitor) tick() {
	mon.mu.Lock()
	t := mon.target
	mon.mu.Unlock()
	if t == nil {
		return
	}

	for _, c := range t.Clusters() {
		if !c.Ready() {
			continue
		}
		mon.beat(t, c)
	}
}

func (mon *Monitor) beat(t Target, c *cluster.Cluster) {
	id := c.ID()
	now := time.Now()

	mon.mu.Lock()
	st, ok := mon.states[id]
	if !ok {
		st = &State{LastAckAt: now}
		mon.states[id] = st
	}
	missed := 0
	if st.awaiting {
		st.Missed++
		missed = st.Missed
	}
	violated := missed >= mon.opts.MaxMissed
	send := false
	if violated {
		delete(mon.states, id)
	} else {
		st.awaiting = true
		st.sentAt = now.UnixMilli()
		send = !mon.sending[id]
		if send {
			mon.sending[id] = true
		}
	}
	mon.mu.Unlock()

	if missed > 0 {
		metrics.HeartbeatsMissedTotal.WithLabelValues(strconv.Itoa(id)).Inc()
		mon.logger.Warn().Int("cluster_id", id).Int("missed", missed).Msg("Cluster missed a heartbeat")
		t.Events().Publish(events.New(events.EventHeartbeatMissed, id,
			fmt.Sprintf("Cluster %d missed a heartbeat.", id)).With("missed", strconv.Itoa(missed)))
	}

	if violated {
		mon.logger.Error().Int("cluster_id", id).Msg("Cluster missed too many heartbeats")
		t.Events().Publish(events.New(events.EventHeartbeatViolation, id,
			fmt.Sprintf("Cluster %d missed %d heartbeats.", id, missed)))
		if !mon.opts.SkipRespawn {
			go func() {
				if _, err := c.Respawn(context.Background(), cluster.RespawnOptions{}); err != nil {
					mon.logger.Error().Err(err).Int("cluster_id", id).Msg("Respawn after heartbeat violation failed")
				}
			}()
		}
		return
	}

	if !send {
		return
	}
	// a child that stopped reading can block the write until it is killed
	go func() {
		c.Send(ipc.MustEnvelope(ipc.Heartbeat, ipc.HeartbeatPayload{Date: now.UnixMilli()}))
		mon.mu.Lock()
		delete(mon.sending, id)
		mon.mu.Unlock()
	}()
}

func (mon *Monitor) inFlight(clusterID int) bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.sending[clusterID]
}
