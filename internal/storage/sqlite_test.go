package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func inTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func seedSession(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	inTx(t, s, func(tx *Tx) error {
		return tx.InsertSession(context.Background(), Session{
			ID: id, DisplayName: id, Status: SessionWorking,
			CreatedAt: at, UpdatedAt: at, LastSeenAt: at,
		})
	})
}

func seedRequest(t *testing.T, s *Store, id, sessionID string, p Priority, at time.Time) {
	t.Helper()
	inTx(t, s, func(tx *Tx) error {
		return tx.InsertRequest(context.Background(), Request{
			ID: id, SessionID: sessionID, Title: "t", Question: "q",
			Priority: p, Status: RequestPending, CreatedAt: at,
		})
	})
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_sessions_last_seen",
		"idx_requests_session_status",
		"idx_requests_status_priority",
		"idx_inbox_session_status",
		"idx_idempotency_resource",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestTouchSessionLastSeenNeverDecreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", t0)

	inTx(t, s, func(tx *Tx) error {
		return tx.TouchSession(ctx, "s1", SessionUpdate{Status: SessionDone}, t0.Add(-time.Hour))
	})

	var got Session
	inTx(t, s, func(tx *Tx) error {
		var err error
		got, err = tx.GetSession(ctx, "s1")
		return err
	})
	if !got.LastSeenAt.Equal(t0) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, t0)
	}
	if got.Status != SessionDone {
		t.Errorf("Status = %s, want DONE", got.Status)
	}
}

func TestTouchSessionReplacesMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", t0)

	inTx(t, s, func(tx *Tx) error {
		return tx.TouchSession(ctx, "s1", SessionUpdate{Metadata: json.RawMessage(`{"step":1}`)}, t0)
	})
	inTx(t, s, func(tx *Tx) error {
		return tx.TouchSession(ctx, "s1", SessionUpdate{}, t0.Add(time.Second))
	})

	var got Session
	inTx(t, s, func(tx *Tx) error {
		var err error
		got, err = tx.GetSession(ctx, "s1")
		return err
	})
	if string(got.Metadata) != `{"step":1}` {
		t.Errorf("Metadata = %s, want {\"step\":1}", got.Metadata)
	}
	if got.Status != SessionWorking {
		t.Errorf("Status = %s, want WORKING", got.Status)
	}
}

func TestTouchSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.InTx(context.Background(), func(tx *Tx) error {
		return tx.TouchSession(context.Background(), "missing", SessionUpdate{}, t0)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRequestsPendingOrder(t *testing.T) {
	s := openTestStore(t)
	seedSession(t, s, "s1", t0)
	seedRequest(t, s, "low", "s1", PriorityLow, t0)
	seedRequest(t, s, "urgent", "s1", PriorityUrgent, t0.Add(time.Second))
	seedRequest(t, s, "normal", "s1", PriorityNormal, t0.Add(2*time.Second))
	seedRequest(t, s, "normal2", "s1", PriorityNormal, t0.Add(3*time.Second))

	var pending, all []Request
	inTx(t, s, func(tx *Tx) error {
		var err error
		if pending, err = tx.ListRequests(context.Background(), RequestPending); err != nil {
			return err
		}
		all, err = tx.ListRequests(context.Background(), "")
		return err
	})

	want := []string{"urgent", "normal", "normal2", "low"}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}

	if all[0].ID != "normal2" || all[len(all)-1].ID != "low" {
		t.Errorf("unfiltered order = %s..%s, want newest first", all[0].ID, all[len(all)-1].ID)
	}
}

func TestResolveRequestOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", t0)
	seedRequest(t, s, "r1", "s1", PriorityNormal, t0)

	res := Resolution{Status: RequestAnswered, ResponseText: "yes", Responder: "human", At: t0.Add(time.Minute)}
	var first, second bool
	inTx(t, s, func(tx *Tx) error {
		var err error
		if first, err = tx.ResolveRequest(ctx, "r1", res); err != nil {
			return err
		}
		second, err = tx.ResolveRequest(ctx, "r1", Resolution{Status: RequestDismissed, At: t0.Add(2 * time.Minute)})
		return err
	})
	if !first || second {
		t.Errorf("resolve results = %v, %v; want true, false", first, second)
	}

	var got Request
	inTx(t, s, func(tx *Tx) error {
		var err error
		got, err = tx.GetRequest(ctx, "r1")
		return err
	})
	if got.Status != RequestAnswered || got.ResponseText != "yes" {
		t.Errorf("request = %s %q, want ANSWERED \"yes\"", got.Status, got.ResponseText)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, t0.Add(time.Minute))
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ResolveRequest(ctx, "missing", res)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionStatsLatestResponse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", t0)
	seedRequest(t, s, "r1", "s1", PriorityNormal, t0)

	inTx(t, s, func(tx *Tx) error {
		for i, id := range []string{"m1", "m2"} {
			err := tx.InsertMessage(ctx, Message{
				ID: id, SessionID: "s1", Type: MessageTypeInputResponse,
				Payload: json.RawMessage(`{}`), Status: MessagePending,
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return err
			}
		}
		return tx.AckMessage(ctx, "s1", "m1", t0)
	})

	var st SessionStats
	inTx(t, s, func(tx *Tx) error {
		var err error
		st, err = tx.GetSessionStats(ctx, "s1")
		return err
	})
	if st.PendingRequests != 1 {
		t.Errorf("PendingRequests = %d, want 1", st.PendingRequests)
	}
	if st.LatestResponseStatus != MessagePending {
		t.Errorf("LatestResponseStatus = %s, want PENDING (m2 is newest)", st.LatestResponseStatus)
	}
}

func TestInsertIdempotencyConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := IdempotencyRecord{Scope: "create:s1", Key: "k", ResourceType: ResourceInputRequest, ResourceID: "r1", CreatedAt: t0}

	var first, second bool
	inTx(t, s, func(tx *Tx) error {
		var err error
		if first, err = tx.InsertIdempotency(ctx, rec); err != nil {
			return err
		}
		dup := rec
		dup.ResourceID = "r2"
		second, err = tx.InsertIdempotency(ctx, dup)
		return err
	})
	if !first || second {
		t.Errorf("inserted = %v, %v; want true, false", first, second)
	}

	var got IdempotencyRecord
	inTx(t, s, func(tx *Tx) error {
		var err error
		got, err = tx.GetIdempotency(ctx, "create:s1", "k")
		return err
	})
	if got.ResourceID != "r1" {
		t.Errorf("ResourceID = %s, want r1", got.ResourceID)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", t0)
	seedSession(t, s, "s2", t0)
	seedRequest(t, s, "r1", "s1", PriorityNormal, t0)
	seedRequest(t, s, "r2", "s2", PriorityNormal, t0)

	inTx(t, s, func(tx *Tx) error {
		if err := tx.InsertMessage(ctx, Message{
			ID: "m1", SessionID: "s1", Type: MessageTypeInputResponse,
			Payload: json.RawMessage(`{}`), Status: MessagePending, CreatedAt: t0,
		}); err != nil {
			return err
		}
		for _, rid := range []string{"r1", "r2"} {
			if _, err := tx.InsertIdempotency(ctx, IdempotencyRecord{
				Scope: "respond:" + rid, Key: "k", ResourceType: ResourceInputRequest, ResourceID: rid, CreatedAt: t0,
			}); err != nil {
				return err
			}
		}
		return tx.DeleteSession(ctx, "s1")
	})

	counts := map[string]int{}
	for _, table := range []string{"sessions", "input_requests", "inbox_messages", "idempotency_keys"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("counting %s: %v", table, err)
		}
		counts[table] = n
	}
	want := map[string]int{"sessions": 1, "input_requests": 1, "inbox_messages": 0, "idempotency_keys": 1}
	for table, n := range want {
		if counts[table] != n {
			t.Errorf("%s has %d rows, want %d", table, counts[table], n)
		}
	}

	err := s.InTx(ctx, func(tx *Tx) error { return tx.DeleteSession(ctx, "s1") })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestStaleSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "old-done", t0)
	seedSession(t, s, "old-working", t0)
	seedSession(t, s, "new-done", t0.Add(time.Hour))

	inTx(t, s, func(tx *Tx) error {
		if err := tx.TouchSession(ctx, "old-done", SessionUpdate{Status: SessionDone}, t0); err != nil {
			return err
		}
		return tx.TouchSession(ctx, "new-done", SessionUpdate{Status: SessionDone}, t0.Add(time.Hour))
	})

	var ids []string
	inTx(t, s, func(tx *Tx) error {
		var err error
		ids, err = tx.StaleSessions(ctx, []SessionStatus{SessionDone, SessionError}, t0.Add(time.Minute), 10)
		return err
	})
	if len(ids) != 1 || ids[0] != "old-done" {
		t.Errorf("stale = %v, want [old-done]", ids)
	}
}

func TestParseSessionStatusRejectsOffline(t *testing.T) {
	if _, err := ParseSessionStatus("OFFLINE"); err == nil {
		t.Error("expected OFFLINE to be rejected")
	}
	var verr *ValidationError
	if _, err := ParseSessionStatus("BOGUS"); !errors.As(err, &verr) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
	if st, err := ParseSessionStatus("DONE"); err != nil || st != SessionDone {
		t.Errorf("ParseSessionStatus(DONE) = %s, %v", st, err)
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow, Priority("WHAT")}
	for i, p := range order {
		if p.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", p, p.Rank(), i)
		}
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Errorf("ParsePriority(\"\") = %s, %v; want NORMAL", p, err)
	}
}
