package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/storage"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store, *clockwork.FakeClock) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clk := clockwork.NewFakeClockAt(epoch)
	return NewRegistry(store, clk, 0), store, clk
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params RegisterParams
	}{
		{"empty name", RegisterParams{DisplayName: "   "}},
		{"long name", RegisterParams{DisplayName: strings.Repeat("a", 256)}},
		{"long tenant", RegisterParams{DisplayName: "a", TenantID: strings.Repeat("t", 256)}},
		{"metadata not object", RegisterParams{DisplayName: "a", Metadata: json.RawMessage(`[1,2]`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(ctx, tc.params)
			var verr *storage.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestRegisterDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s, err := r.Register(context.Background(), RegisterParams{DisplayName: "  Alpha  ", Metadata: json.RawMessage(`null`)})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s.DisplayName != "Alpha" {
		t.Errorf("DisplayName = %q, want Alpha", s.DisplayName)
	}
	if s.Status != storage.SessionWorking {
		t.Errorf("Status = %s, want WORKING", s.Status)
	}
	if !s.LastSeenAt.Equal(epoch) {
		t.Errorf("LastSeenAt = %v, want %v", s.LastSeenAt, epoch)
	}
	if s.Metadata != nil {
		t.Errorf("Metadata = %s, want nil", s.Metadata)
	}
}

func TestOfflineAfterThreshold(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	s, err := r.Register(ctx, RegisterParams{DisplayName: "Alpha"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	clk.Advance(DefaultOfflineAfter)
	got, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PublicStatus != storage.SessionWorking {
		t.Errorf("at threshold PublicStatus = %s, want WORKING", got.PublicStatus)
	}

	clk.Advance(time.Second)
	got, _ = r.Get(ctx, s.ID)
	if got.PublicStatus != storage.SessionOffline {
		t.Errorf("past threshold PublicStatus = %s, want OFFLINE", got.PublicStatus)
	}
	if got.Status != storage.SessionWorking {
		t.Errorf("raw Status = %s, want WORKING", got.Status)
	}

	got, err = r.Heartbeat(ctx, s.ID, "", nil)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.PublicStatus != storage.SessionWorking {
		t.Errorf("after heartbeat PublicStatus = %s, want WORKING", got.PublicStatus)
	}
}

func TestHeartbeatUpdates(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Register(ctx, RegisterParams{DisplayName: "Alpha", Metadata: json.RawMessage(`{"a":1}`)})

	clk.Advance(5 * time.Second)
	got, err := r.Heartbeat(ctx, s.ID, storage.SessionDone, json.RawMessage(`{"b":2}`))
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.Status != storage.SessionDone {
		t.Errorf("Status = %s, want DONE", got.Status)
	}
	if string(got.Metadata) != `{"b":2}` {
		t.Errorf("Metadata = %s, want replaced map", got.Metadata)
	}
	if !got.LastSeenAt.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("LastSeenAt = %v", got.LastSeenAt)
	}

	if _, err := r.Heartbeat(ctx, s.ID, storage.SessionOffline, nil); err == nil {
		t.Error("expected OFFLINE to be rejected as a raw status")
	}
	if _, err := r.Heartbeat(ctx, "missing", "", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLastSeenMonotonic(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Register(ctx, RegisterParams{DisplayName: "Alpha"})

	clk.Advance(time.Minute)
	if _, err := r.SetStatus(ctx, s.ID, storage.SessionWaitingForInput); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	clk.Advance(epoch.Add(-time.Hour).Sub(clk.Now()))
	got, err := r.Heartbeat(ctx, s.ID, "", nil)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !got.LastSeenAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, epoch.Add(time.Minute))
	}
}

func TestListOrderAndAggregates(t *testing.T) {
	r, store, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Register(ctx, RegisterParams{DisplayName: "A"})
	clk.Advance(time.Second)
	b, _ := r.Register(ctx, RegisterParams{DisplayName: "B"})
	clk.Advance(time.Second)
	if _, err := r.Heartbeat(ctx, a.ID, "", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	err := store.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertRequest(ctx, storage.Request{
			ID: "r1", SessionID: b.ID, Title: "t", Question: "q",
			Priority: storage.PriorityNormal, Status: storage.RequestPending, CreatedAt: clk.Now(),
		})
	})
	if err != nil {
		t.Fatalf("inserting request: %v", err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("order = %v, want [A B]", names(list))
	}
	if list[1].PendingRequests != 1 {
		t.Errorf("B pending = %d, want 1", list[1].PendingRequests)
	}
	if list[0].ResponseAcknowledged {
		t.Error("A has no response yet; ResponseAcknowledged should be false")
	}
}

func TestPurge(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := r.Register(ctx, RegisterParams{DisplayName: "A"})

	if err := r.Purge(ctx, s.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := r.Get(ctx, s.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after purge err = %v, want ErrNotFound", err)
	}
	if err := r.Purge(ctx, s.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Purge err = %v, want ErrNotFound", err)
	}
}

func names(list []Summary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.DisplayName
	}
	return out
}

func TestPurgeStale(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	done, _ := r.Register(ctx, RegisterParams{DisplayName: "done"})
	working, _ := r.Register(ctx, RegisterParams{DisplayName: "working"})
	if _, err := r.SetStatus(ctx, done.ID, storage.SessionDone); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	clk.Advance(time.Hour)
	ids, err := r.PurgeStale(ctx, clk.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != done.ID {
		t.Errorf("purged %v, want [%s]", ids, done.ID)
	}
	if _, err := r.Get(ctx, working.ID); err != nil {
		t.Errorf("working session was purged: %v", err)
	}
}
