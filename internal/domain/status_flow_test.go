package domain

import (
	"context"
	"testing"
	"time"
)

func TestStatusFlow_SubscribeReceivesCurrentValue(t *testing.T) {
	flow := NewStatusFlow()
	flow.Set(Prepare{Tag: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := flow.Subscribe(ctx)
	select {
	case s := <-ch:
		if _, ok := s.(Prepare); !ok {
			t.Errorf("first value = %#v, want Prepare", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial value")
	}
}

func TestStatusFlow_SlowSubscriberSeesLatest(t *testing.T) {
	flow := NewStatusFlow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := flow.Subscribe(ctx)

	for i := 1; i <= 10; i++ {
		flow.Set(Progress{Tag: "a", Progress: float64(i)})
	}

	s := <-ch
	p, ok := s.(Progress)
	if !ok || p.Progress != 10 {
		t.Errorf("value = %#v, want Progress 10", s)
	}
	if got := flow.Value(); got.(Progress).Progress != 10 {
		t.Errorf("Value() = %#v, want Progress 10", got)
	}
}

func TestStatusFlow_CloseOnContextDone(t *testing.T) {
	flow := NewStatusFlow()

	ctx, cancel := context.WithCancel(context.Background())
	ch := flow.Subscribe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// a value raced in before close, the next receive must report closed
			if _, ok := <-ch; ok {
				t.Error("channel not closed after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Set after unsubscribe must not panic
	flow.Set(Pause{Tag: "a"})
}

func TestStatusFlow_NilIsSafe(t *testing.T) {
	var flow *StatusFlow
	flow.Set(Pause{Tag: "a"})
	if flow.ID() != "" {
		t.Errorf("ID() = %q, want empty", flow.ID())
	}
}

func TestStatusFlow_UniqueIDs(t *testing.T) {
	if NewStatusFlow().ID() == NewStatusFlow().ID() {
		t.Error("two flows share an ID")
	}
}
