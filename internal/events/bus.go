package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventAlertPosted      EventType = "ALERT_POSTED"
	EventAlertTargetHit   EventType = "ALERT_TARGET_HIT"
	EventAlertClosed      EventType = "ALERT_CLOSED"
	EventOrderPlaced      EventType = "ORDER_PLACED"
	EventCommissionEarned EventType = "COMMISSION_EARNED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. The bus is injected
// into producers and consumers; there is no package-level instance.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishAlertPosted publishes a new alert event
func (eb *EventBus) PublishAlertPosted(alertID, pair, direction string, entry float64) {
	eb.Publish(Event{
		Type: EventAlertPosted,
		Data: map[string]interface{}{
			"alert_id":  alertID,
			"pair":      pair,
			"direction": direction,
			"entry":     entry,
		},
	})
}

// PublishAlertTargetHit publishes a target hit on an open alert
func (eb *EventBus) PublishAlertTargetHit(alertID, pair, target string) {
	eb.Publish(Event{
		Type: EventAlertTargetHit,
		Data: map[string]interface{}{
			"alert_id": alertID,
			"pair":     pair,
			"target":   target,
		},
	})
}

// PublishAlertClosed publishes a closed alert with its final result
func (eb *EventBus) PublishAlertClosed(alertID, pair, result string, pips float64) {
	eb.Publish(Event{
		Type: EventAlertClosed,
		Data: map[string]interface{}{
			"alert_id": alertID,
			"pair":     pair,
			"result":   result,
			"pips":     pips,
		},
	})
}

// PublishOrderPlaced publishes a store order event
func (eb *EventBus) PublishOrderPlaced(orderID, userID, method string, total int64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id": orderID,
			"user_id":  userID,
			"method":   method,
			"total":    total,
		},
	})
}

// PublishCommissionEarned publishes a commission credit to a referrer
func (eb *EventBus) PublishCommissionEarned(referrerID string, amount int64) {
	eb.Publish(Event{
		Type: EventCommissionEarned,
		Data: map[string]interface{}{
			"referrer_id": referrerID,
			"amount":      amount,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
