package modelevents

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fenwick/pipelinerunner/internal/model"
)

func TestDeriveTokenTuple_PrefersAlias(t *testing.T) {
	tuple := DeriveTokenTuple(Metric{Provider: "openai", Model: "gpt-4", Metadata: MetricMetadata{Alias: "primary"}, InputTokens: 10, OutputTokens: 20})
	if tuple.ModelKey != "primary" {
		t.Fatalf("got %q, want %q", tuple.ModelKey, "primary")
	}
	if tuple.InputTokens != 10 || tuple.OutputTokens != 20 {
		t.Fatalf("unexpected token counts: %+v", tuple)
	}
}

func TestDeriveTokenTuple_FallsBackToProviderModel(t *testing.T) {
	tuple := DeriveTokenTuple(Metric{Provider: "openai", Model: "gpt-4"})
	if tuple.ModelKey != "openai:gpt-4" {
		t.Fatalf("got %q, want %q", tuple.ModelKey, "openai:gpt-4")
	}
}

func TestDeriveTokenTuple_UndefinedWhenBothMissing(t *testing.T) {
	tuple := DeriveTokenTuple(Metric{})
	if tuple.ModelKey != "undefined:undefined" {
		t.Fatalf("got %q, want %q", tuple.ModelKey, "undefined:undefined")
	}
}

func TestDeriveTokenTuple_CoercesNonFiniteToZero(t *testing.T) {
	tuple := DeriveTokenTuple(Metric{InputTokens: math.NaN(), OutputTokens: math.Inf(1)})
	if tuple.InputTokens != 0 || tuple.OutputTokens != 0 {
		t.Fatalf("expected non-finite coerced to zero, got %+v", tuple)
	}
}

func TestBus_PublishDeliversOnlyToSubscribedKey(t *testing.T) {
	bus := NewBus()
	chA, cancelA := bus.Subscribe("task-a")
	defer cancelA()
	chB, cancelB := bus.Subscribe("task-b")
	defer cancelB()

	bus.Publish("task-a", Event{Type: EventRequestComplete, Metric: Metric{Provider: "p", Model: "m"}})

	select {
	case ev := <-chA:
		if ev.Type != EventRequestComplete {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event on task-a's channel")
	}

	select {
	case ev := <-chB:
		t.Fatalf("did not expect event on task-b's channel, got %+v", ev)
	default:
	}
}

func TestBus_ThreeCompleteEventsPreserveOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("run-1")

	var mu sync.Mutex
	var tuples []model.TokenUsage
	done := make(chan struct{})
	go func() {
		Pump(ch, func(tu model.TokenUsage) {
			mu.Lock()
			tuples = append(tuples, tu)
			mu.Unlock()
		}, nil)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		bus.Publish("run-1", Event{Type: EventRequestComplete, Metric: Metric{Provider: "p", Model: "m", InputTokens: float64(i), OutputTokens: float64(i * 2)}})
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(tuples) != 3 {
		t.Fatalf("expected 3 tuples, got %d", len(tuples))
	}
	for i, tu := range tuples {
		if tu.InputTokens != int64(i) {
			t.Fatalf("out of order at %d: %+v", i, tu)
		}
	}
}
