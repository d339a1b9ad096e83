// Package modelevents models the language-model client as an in-process,
// multi-subscriber, single-publisher event bus the Stage Scheduler
// subscribes to for the duration of one task run. The LLM client itself is
// out of scope; this package only carries its request:complete/request:error
// events into token-usage tuples.
package modelevents

import (
	"strings"
	"sync"
)

// EventType is the closed set of model-event kinds the scheduler reacts to.
type EventType string

const (
	EventRequestComplete EventType = "request:complete"
	EventRequestError    EventType = "request:error"
)

// MetricMetadata carries the optional alias a caller may have configured for
// a model endpoint, preferred over the raw provider:model pair when present.
type MetricMetadata struct {
	Alias string
}

// Metric is the payload of one model-event.
type Metric struct {
	Provider     string
	Model        string
	InputTokens  float64
	OutputTokens float64
	Metadata     MetricMetadata
}

// Event is one message published onto the bus.
type Event struct {
	Type   EventType
	Metric Metric
	Err    error // set on EventRequestError
}

// Bus is a keyed publish-subscribe hub: subscribers register under a key
// (one per in-flight task run) and receive every event published under that
// same key. Modeled on the teacher's SSEHub subscription-map pattern.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Event]bool)}
}

// Subscribe registers a new buffered channel under key and returns it along
// with a cancel function the caller must call exactly once, on every exit
// path (success or failure), to drop the subscription.
func (b *Bus) Subscribe(key string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	b.mu.Lock()
	clients, ok := b.subs[key]
	if !ok {
		clients = make(map[chan Event]bool)
		b.subs[key] = clients
	}
	clients[ch] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if clients, ok := b.subs[key]; ok {
				delete(clients, ch)
				if len(clients) == 0 {
					delete(b.subs, key)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish fans ev out to every current subscriber of key. Slow subscribers
// whose buffer is full do not block the publisher; the event is dropped for
// that subscriber rather than stalling the model client (scheduler
// subscriptions drain promptly so this should not occur in practice).
func (b *Bus) Publish(key string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[key] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// modelKey derives the token tuple's model identifier: the configured alias
// if present, else "<provider>:<model>", with "undefined" substituted for
// any missing component per the spec's fallback rule.
func modelKey(m Metric) string {
	if alias := strings.TrimSpace(m.Metadata.Alias); alias != "" {
		return alias
	}
	provider := strings.TrimSpace(m.Provider)
	if provider == "" {
		provider = "undefined"
	}
	model := strings.TrimSpace(m.Model)
	if model == "" {
		model = "undefined"
	}
	return provider + ":" + model
}
