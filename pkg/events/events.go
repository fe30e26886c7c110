package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Threshold-crossing facts for the policy/notification collaborator.
	// This core reports measured facts; it makes no policy decisions.
	EventUsageThreshold EventType = "user.usage_threshold"
	EventDaysLeft       EventType = "user.days_left"

	// Fleet lifecycle
	EventNodeConnected EventType = "node.connected"
	EventNodeError     EventType = "node.error"
	EventNodeDrifted   EventType = "node.drifted"
)

// Event is one emitted fact
type Event struct {
	Type      EventType
	Timestamp time.Time
	Username  string
	NodeID    string
	Trigger   string // Threshold kind: "usage_percent" or "days_left"
	Value     int64  // Observed value (percent reached, days remaining)
	Message   string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	started     bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop stops the broker after the distribution loop drains events
// already accepted by Publish
func (b *Broker) Stop() {
	close(b.stopCh)
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if started {
		<-b.doneCh
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			// Drain events accepted before the stop so none are dropped
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
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
