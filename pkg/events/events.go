package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkflowStarted     EventType = "workflow.started"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventWorkflowFailed      EventType = "workflow.failed"
	EventWorkflowCancelled   EventType = "workflow.cancelled"
	EventWorkflowPaused      EventType = "workflow.paused"
	EventWorkflowResumed     EventType = "workflow.resumed"
	EventWorkflowInterrupted EventType = "workflow.interrupted"
	EventNodeStarted         EventType = "node.started"
	EventNodeCompleted       EventType = "node.completed"
	EventNodeFailed          EventType = "node.failed"
	EventJobEnqueued         EventType = "job.enqueued"
	EventJobStarted          EventType = "job.started"
	EventJobSucceeded        EventType = "job.succeeded"
	EventJobFailed           EventType = "job.failed"
	EventJobRetried          EventType = "job.retried"
	EventScheduleTriggered   EventType = "schedule.triggered"
	EventScheduleSkipped     EventType = "schedule.skipped"
)

// Event represents an engine event
type Event struct {
	ID                 string
	Type               EventType
	Timestamp          time.Time
	WorkflowInstanceID string
	NodeInstanceID     string
	JobID              string
	ScheduleID         string
	Message            string
	Metadata           map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Delivery is
// best-effort: a subscriber with a full buffer misses events rather than
// blocking the engine.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
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
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishWorkflow is a convenience for workflow lifecycle events.
func (b *Broker) PublishWorkflow(eventType EventType, instanceID, message string) {
	b.Publish(&Event{
		Type:               eventType,
		WorkflowInstanceID: instanceID,
		Message:            message,
	})
}

// PublishNode is a convenience for node lifecycle events.
func (b *Broker) PublishNode(eventType EventType, instanceID, nodeInstanceID, message string) {
	b.Publish(&Event{
		Type:               eventType,
		WorkflowInstanceID: instanceID,
		NodeInstanceID:     nodeInstanceID,
		Message:            message,
	})
}

// PublishJob is a convenience for queue job events.
func (b *Broker) PublishJob(eventType EventType, jobID, message string) {
	b.Publish(&Event{
		Type:    eventType,
		JobID:   jobID,
		Message: message,
	})
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
