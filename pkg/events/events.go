package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventClusterCreated     EventType = "cluster.created"
	EventClusterSpawned     EventType = "cluster.spawned"
	EventClusterReady       EventType = "cluster.ready"
	EventClusterDied        EventType = "cluster.died"
	EventClusterKilled      EventType = "cluster.killed"
	EventClusterError       EventType = "cluster.error"
	EventClusterRequest     EventType = "cluster.request"
	EventClusterMessage     EventType = "cluster.message"
	EventRestartsExhausted  EventType = "cluster.restarts_exhausted"
	EventHeartbeatMissed    EventType = "heartbeat.missed"
	EventHeartbeatViolation EventType = "heartbeat.violation"
	EventAllReady           EventType = "manager.all_ready"
	EventRespawnAll         EventType = "manager.respawn_all"
	EventMaintenance        EventType = "manager.maintenance"
	EventDebug              EventType = "manager.debug"
)

// NoCluster marks manager level events.
const NoCluster = -1

// Event represents a lifecycle event of the manager or one of its clusters
type Event struct {
	ID        string
	Type      EventType
	ClusterID int
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh id
func New(t EventType, clusterID int, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		ClusterID: clusterID,
		Message:   message,
	}
}

// With attaches a metadata entry and returns the event
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. A nil broker drops it.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
