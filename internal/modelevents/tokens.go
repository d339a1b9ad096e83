package modelevents

import (
	"math"
	"sync"

	"github.com/fenwick/pipelinerunner/internal/model"
)

// DeriveTokenTuple converts a request:complete metric into the token tuple
// appended to a task's tokenUsage, coercing non-finite token counts to zero.
func DeriveTokenTuple(m Metric) model.TokenUsage {
	return model.TokenUsage{
		ModelKey:     modelKey(m),
		InputTokens:  coerceFinite(m.InputTokens),
		OutputTokens: coerceFinite(m.OutputTokens),
	}
}

func coerceFinite(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(v)
}

// ErrorLog is the local, in-memory list request:error events are recorded
// into for observability only; it is never persisted to the status document.
type ErrorLog struct {
	mu      sync.Mutex
	entries []Metric
}

func NewErrorLog() *ErrorLog {
	return &ErrorLog{}
}

func (l *ErrorLog) Record(m Metric) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, m)
}

func (l *ErrorLog) Entries() []Metric {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Metric, len(l.entries))
	copy(out, l.entries)
	return out
}

// Pump drains ch, invoking onComplete for every request:complete event (with
// its derived token tuple) and onError for every request:error event, until
// ch is closed. Callers run this in its own goroutine for the lifetime of
// one task run and rely on the bus's Subscribe cancel func to terminate it.
func Pump(ch <-chan Event, onComplete func(model.TokenUsage), onError func(Metric, error)) {
	for ev := range ch {
		switch ev.Type {
		case EventRequestComplete:
			if onComplete != nil {
				onComplete(DeriveTokenTuple(ev.Metric))
			}
		case EventRequestError:
			if onError != nil {
				onError(ev.Metric, ev.Err)
			}
		}
	}
}
