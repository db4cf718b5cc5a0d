package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decoding envelope %s: %v", data, err)
	}
	return env
}

func TestPublishFanOut(t *testing.T) {
	b := New(clockwork.NewFakeClockAt(epoch), 4)
	ctx := context.Background()
	s1 := b.Subscribe(ctx)
	s2 := b.Subscribe(ctx)
	defer s1.Close()
	defer s2.Close()

	b.Publish(RequestCreated, map[string]string{"request_id": "r1"})

	for i, s := range []*Subscription{s1, s2} {
		select {
		case data := <-s.Events():
			env := decode(t, data)
			if env["event"] != RequestCreated {
				t.Errorf("sub %d event = %v, want %s", i, env["event"], RequestCreated)
			}
			payload, _ := env["payload"].(map[string]any)
			if payload["request_id"] != "r1" {
				t.Errorf("sub %d payload = %v", i, env["payload"])
			}
			if env["sent_at"] != "2026-01-01T12:00:00Z" {
				t.Errorf("sub %d sent_at = %v", i, env["sent_at"])
			}
		default:
			t.Errorf("sub %d received nothing", i)
		}
	}
}

func TestFullBufferDropsNewest(t *testing.T) {
	b := New(clockwork.NewFakeClockAt(epoch), 2)
	slow := b.Subscribe(context.Background())
	fast := b.Subscribe(context.Background())
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 3; i++ {
		b.Publish(RequestAnswered, map[string]int{"n": i})
		if i < 2 {
			<-fast.Events()
		}
	}

	if got := slow.Dropped(); got != 1 {
		t.Errorf("slow dropped = %d, want 1", got)
	}
	first := decode(t, <-slow.Events())
	if p := first["payload"].(map[string]any); p["n"] != float64(0) {
		t.Errorf("slow first payload = %v, want n=0 (oldest kept)", p)
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast dropped = %d, want 0", fast.Dropped())
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	b := New(clockwork.NewRealClock(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	s := b.Subscribe(ctx)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", b.Subscribers())
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released after cancel")
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after cancel, want 0", b.Subscribers())
	}

	// Publishing to nobody must not block or panic.
	b.Publish(RequestCreated, nil)
	s.Close()
}

func TestCloseIdempotent(t *testing.T) {
	b := New(clockwork.NewRealClock(), 0)
	s := b.Subscribe(context.Background())
	s.Close()
	s.Close()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Subscribers())
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New(clockwork.NewRealClock(), 0)
	b.Publish(RequestCreated, nil)

	s := b.Subscribe(context.Background())
	defer s.Close()
	select {
	case data := <-s.Events():
		t.Errorf("late subscriber received %s", data)
	default:
	}
}

func TestSubscribeWithDoneContext(t *testing.T) {
	b := New(clockwork.NewRealClock(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := b.Subscribe(ctx)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription on a done context was not released")
	}
}
