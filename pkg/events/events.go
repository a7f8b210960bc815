package events

import (
	"sync"
	"time"

	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/types"
)

const (
	// publishBuffer absorbs bursts from the executor's status updater;
	// Publish blocks once it fills, which backpressures activities
	// rather than losing ordering.
	publishBuffer = 100

	// subscriberBuffer is per subscription. A subscriber that falls
	// this far behind starts losing events instead of stalling the
	// others.
	subscriberBuffer = 50
)

// Scope narrows a subscription to one slice of the system. Unset fields
// match everything, so the zero Scope receives the full feed.
type Scope struct {
	ProjectID      string
	EnvironmentID  string
	ServiceID      string
	DeploymentHash string
}

// Matches reports whether the event falls inside the scope.
func (s Scope) Matches(e *types.Event) bool {
	if s.ProjectID != "" && e.ProjectID != s.ProjectID {
		return false
	}
	if s.EnvironmentID != "" && e.EnvironmentID != s.EnvironmentID {
		return false
	}
	if s.ServiceID != "" && e.ServiceID != s.ServiceID {
		return false
	}
	if s.DeploymentHash != "" && e.DeploymentHash != s.DeploymentHash {
		return false
	}
	return true
}

// Subscription is one subscriber's handle on the broker. C carries the
// events matching the subscription's scope and closes on Unsubscribe.
type Subscription struct {
	C <-chan *types.Event

	ch    chan *types.Event
	scope Scope
}

// Broker distributes lifecycle events to in-process subscribers. The
// executor's status updater, the webhook router and the manager publish
// here; slow subscribers lose events, they are never waited on.
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	eventCh  chan *types.Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker builds a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[*Subscription]struct{}),
		eventCh: make(chan *types.Event, publishBuffer),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution. Events published after Stop are discarded;
// open subscriptions stop receiving but their channels only close on
// Unsubscribe. Stop is idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Done is closed once the broker has stopped. Streaming handlers select
// on it so a server shutdown can drain them.
func (b *Broker) Done() <-chan struct{} {
	return b.stopCh
}

// Subscribe registers a subscriber for the events matching scope.
func (b *Broker) Subscribe(scope Scope) *Subscription {
	sub := &Subscription{
		ch:    make(chan *types.Event, subscriberBuffer),
		scope: scope,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling
// it again is a no-op.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish hands an event to the distribution loop, stamping the time
// if the caller didn't.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	case <-b.stopCh:
	}
}

// PublishDeploymentStatus publishes a status transition for a
// deployment, carrying the snapshot's project and environment so scoped
// subscriptions can match on them.
func (b *Broker) PublishDeploymentStatus(d *types.Deployment, message string) {
	event := &types.Event{
		Type:           types.EventDeploymentStatusChanged,
		ServiceID:      d.ServiceID,
		DeploymentHash: d.Hash,
		Message:        message,
		Data: map[string]string{
			"status": string(d.Status),
			"slot":   string(d.Slot),
		},
	}
	if d.Snapshot != nil {
		event.ProjectID = d.Snapshot.ProjectID
		event.EnvironmentID = d.Snapshot.EnvironmentID
	}
	b.Publish(event)
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

// broadcast fans one event out to the subscriptions whose scope matches
// it, dropping it for any subscriber whose buffer is full.
func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.scope.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
