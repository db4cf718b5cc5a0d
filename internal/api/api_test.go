package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/events"
	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/requests"
	"github.com/kalambet/sessionbus/internal/sessions"
	"github.com/kalambet/sessionbus/internal/storage"
)

type testEnv struct {
	store    *storage.Store
	clock    *clockwork.FakeClock
	registry *sessions.Registry
	ledger   *requests.Ledger
	inbox    *inbox.Inbox
	events   *events.Broadcaster
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		store:    store,
		clock:    clk,
		registry: sessions.NewRegistry(store, clk, 0),
		inbox:    inbox.New(store, clk, 0),
		events:   events.New(clk, 0),
	}
	env.ledger = requests.New(requests.Deps{
		Store:  store,
		Clock:  clk,
		Inbox:  env.inbox,
		Events: env.events,
	})
	env.handler = NewRouter(Deps{
		Registry:     env.registry,
		Ledger:       env.ledger,
		Inbox:        env.inbox,
		Events:       env.events,
		Health:       store,
		PingInterval: 50 * time.Millisecond,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, url, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func expectErrorType(t *testing.T, rr *httptest.ResponseRecorder, code int, errType string) {
	t.Helper()
	expectStatus(t, rr, code)
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Type != errType {
		t.Errorf("error type = %q, want %q", body.Error.Type, errType)
	}
	if body.Error.Message == "" {
		t.Error("error message is empty")
	}
}

func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/sessions/register", `{"display_name":"`+name+`"}`)
	expectStatus(t, rr, http.StatusOK)
	resp := decode[RegisterSessionResponse](t, rr)
	if resp.SessionID == "" {
		t.Fatal("register returned empty session_id")
	}
	return resp.SessionID
}

func (e *testEnv) createRequest(t *testing.T, sessionID, body string, headers ...string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/requests", body, headers...)
	expectStatus(t, rr, http.StatusOK)
	return decode[CreateRequestResponse](t, rr).RequestID
}

func (e *testEnv) sessionByID(t *testing.T, id string) SessionView {
	t.Helper()
	rr := e.do(t, http.MethodGet, "/api/sessions", "")
	expectStatus(t, rr, http.StatusOK)
	for _, s := range decode[[]SessionView](t, rr) {
		if s.SessionID == id {
			return s
		}
	}
	t.Fatalf("session %s missing from list", id)
	return SessionView{}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode[map[string]string](t, rr)["status"]; got != "ok" {
		t.Errorf("status = %q, want ok", got)
	}
}

func TestFullFlow(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	rid := env.createRequest(t, sid, `{"title":"Need input","question":"Pick next action","priority":"HIGH"}`)

	s := env.sessionByID(t, sid)
	if s.State != storage.SessionWaitingForInput || s.PendingRequestCount != 1 {
		t.Fatalf("after create: state=%s pending=%d", s.State, s.PendingRequestCount)
	}

	rr := env.do(t, http.MethodPost, "/api/requests/"+rid+"/respond", `{"response_text":"Use action B"}`)
	expectStatus(t, rr, http.StatusOK)
	resolved := decode[ResolveResponse](t, rr)
	if resolved.RequestID != rid || resolved.Status != storage.RequestAnswered {
		t.Fatalf("respond = %+v", resolved)
	}

	s = env.sessionByID(t, sid)
	if s.State != storage.SessionWorking || s.PendingRequestCount != 0 || s.ResponseAcknowledged {
		t.Fatalf("after respond: state=%s pending=%d ack=%v", s.State, s.PendingRequestCount, s.ResponseAcknowledged)
	}

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout=0", "")
	expectStatus(t, rr, http.StatusOK)
	poll := decode[PollResponse](t, rr)
	if len(poll.Messages) != 1 {
		t.Fatalf("poll returned %d messages, want 1", len(poll.Messages))
	}
	msg := poll.Messages[0]
	if msg.Type != storage.MessageTypeInputResponse || msg.Status != storage.MessageDelivered {
		t.Fatalf("message = %+v", msg)
	}
	var payload requests.ResponsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.RequestID != rid || payload.ResponseText != "Use action B" || payload.Responder != requests.DefaultResponder {
		t.Errorf("payload = %+v", payload)
	}

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/inbox/"+msg.MessageID+"/ack", "")
	expectStatus(t, rr, http.StatusOK)
	if ack := decode[AckResponse](t, rr); ack.Status != storage.MessageAcked {
		t.Errorf("ack status = %s", ack.Status)
	}

	if s := env.sessionByID(t, sid); !s.ResponseAcknowledged {
		t.Error("response_acknowledged = false after ack")
	}

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout=0", "")
	expectStatus(t, rr, http.StatusOK)
	if poll := decode[PollResponse](t, rr); len(poll.Messages) != 0 {
		t.Errorf("poll after ack returned %d messages", len(poll.Messages))
	}
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/sessions/register", `{"display_name":"  "}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")

	rr = env.do(t, http.MethodPost, "/api/sessions/register", `{"display_name":"x","metadata":[1,2]}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")

	rr = env.do(t, http.MethodPost, "/api/sessions/register", `{not json`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
}

func TestRegister_TenantAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/sessions/register", `{"display_name":"Beta","tenant_id":"team-a","metadata":{"repo":"x"}}`)
	expectStatus(t, rr, http.StatusOK)
	sid := decode[RegisterSessionResponse](t, rr).SessionID

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid, "")
	expectStatus(t, rr, http.StatusOK)
	s := decode[SessionView](t, rr)
	if s.TenantID != "team-a" {
		t.Errorf("tenant_id = %q", s.TenantID)
	}
	if string(s.Metadata) != `{"repo":"x"}` {
		t.Errorf("metadata = %s", s.Metadata)
	}
	if s.State != storage.SessionWorking || s.StoredState != storage.SessionWorking {
		t.Errorf("state = %s/%s, want WORKING", s.State, s.StoredState)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/sessions/nope", "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	env.clock.Advance(5 * time.Second)
	rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/heartbeat", `{"state":"DONE","metadata":{"step":3}}`)
	expectStatus(t, rr, http.StatusOK)
	s := decode[SessionView](t, rr)
	if s.State != storage.SessionDone {
		t.Errorf("state = %s, want DONE", s.State)
	}
	if string(s.Metadata) != `{"step":3}` {
		t.Errorf("metadata = %s", s.Metadata)
	}
	if !s.LastSeenAt.Equal(env.clock.Now()) {
		t.Errorf("last_seen_at = %v, want %v", s.LastSeenAt, env.clock.Now())
	}

	// An empty body only refreshes liveness.
	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/heartbeat", "")
	expectStatus(t, rr, http.StatusOK)
	if s := decode[SessionView](t, rr); s.State != storage.SessionDone || string(s.Metadata) != `{"step":3}` {
		t.Errorf("empty heartbeat changed session: %+v", s)
	}
}

func TestHeartbeat_RejectsUnknownAndDerivedStates(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	for _, state := range []string{"SLEEPING", "OFFLINE"} {
		rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/heartbeat", `{"state":"`+state+`"}`)
		expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
	}

	rr := env.do(t, http.MethodPost, "/api/sessions/missing/heartbeat", `{}`)
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestSetState(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/state", `{"state":"ERROR"}`)
	expectStatus(t, rr, http.StatusOK)
	if s := decode[SessionView](t, rr); s.State != storage.SessionError {
		t.Errorf("state = %s, want ERROR", s.State)
	}

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/state", `{}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
}

func TestSessionState_CaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/heartbeat", `{"state":" done "}`)
	expectStatus(t, rr, http.StatusOK)
	if s := decode[SessionView](t, rr); s.State != storage.SessionDone {
		t.Errorf("heartbeat state = %s, want DONE", s.State)
	}

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/state", `{"state":"waiting_for_input"}`)
	expectStatus(t, rr, http.StatusOK)
	if s := decode[SessionView](t, rr); s.State != storage.SessionWaitingForInput {
		t.Errorf("state = %s, want WAITING_FOR_INPUT", s.State)
	}

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/state", `{"state":"  "}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
}

func TestSessionOfflineAfterSilence(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	env.clock.Advance(sessions.DefaultOfflineAfter + time.Second)
	s := env.sessionByID(t, sid)
	if s.State != storage.SessionOffline {
		t.Errorf("state = %s, want OFFLINE", s.State)
	}
	if s.StoredState != storage.SessionWorking {
		t.Errorf("stored_state = %s, want WORKING", s.StoredState)
	}
}

func TestCreateRequest_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	body := `{"title":"Need input","question":"Pick one"}`

	rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/requests", body, IdempotencyHeader, "k1")
	expectStatus(t, rr, http.StatusOK)
	if rr.Header().Get(ReplayedHeader) != "" {
		t.Error("first create marked as replay")
	}
	first := decode[CreateRequestResponse](t, rr).RequestID

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/requests", body, IdempotencyHeader, "k1")
	expectStatus(t, rr, http.StatusOK)
	if rr.Header().Get(ReplayedHeader) != "true" {
		t.Errorf("%s = %q, want true", ReplayedHeader, rr.Header().Get(ReplayedHeader))
	}
	if second := decode[CreateRequestResponse](t, rr).RequestID; second != first {
		t.Errorf("replayed request_id = %s, want %s", second, first)
	}

	if s := env.sessionByID(t, sid); s.PendingRequestCount != 1 {
		t.Errorf("pending_request_count = %d, want 1", s.PendingRequestCount)
	}
}

func TestCreateRequest_Errors(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	rr := env.do(t, http.MethodPost, "/api/sessions/missing/requests", `{"title":"t","question":"q"}`)
	expectErrorType(t, rr, http.StatusNotFound, "not_found")

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/requests", `{"title":"t","question":"q","priority":"CRITICAL"}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")

	rr = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/requests", `{"title":"","question":"q"}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
}

func TestGetRequest(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	rid := env.createRequest(t, sid, `{"title":"Deploy?","question":"Ship it?","context_json":{"pr":42},"tags":["deploy"]}`)

	rr := env.do(t, http.MethodGet, "/api/requests/"+rid, "")
	expectStatus(t, rr, http.StatusOK)
	r := decode[RequestView](t, rr)
	if r.SessionID != sid || r.Title != "Deploy?" || r.Priority != storage.PriorityNormal || r.Status != storage.RequestPending {
		t.Errorf("request = %+v", r)
	}
	if string(r.ContextJSON) != `{"pr":42}` {
		t.Errorf("context_json = %s", r.ContextJSON)
	}
	if len(r.Tags) != 1 || r.Tags[0] != "deploy" {
		t.Errorf("tags = %v", r.Tags)
	}
	if r.AnsweredAt != nil {
		t.Error("answered_at set on a pending request")
	}

	rr = env.do(t, http.MethodGet, "/api/requests/missing", "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestListRequests_PendingOrder(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	low := env.createRequest(t, sid, `{"title":"a","question":"q","priority":"LOW"}`)
	env.clock.Advance(time.Second)
	urgent := env.createRequest(t, sid, `{"title":"b","question":"q","priority":"URGENT"}`)
	env.clock.Advance(time.Second)
	normal := env.createRequest(t, sid, `{"title":"c","question":"q"}`)

	rr := env.do(t, http.MethodGet, "/api/requests?status=pending", "")
	expectStatus(t, rr, http.StatusOK)
	list := decode[[]RequestView](t, rr)
	want := []string{urgent, normal, low}
	if len(list) != len(want) {
		t.Fatalf("got %d requests, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].RequestID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].RequestID, id)
		}
	}

	rr = env.do(t, http.MethodGet, "/api/requests?status=BOGUS", "")
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
}

func TestRespond_AlreadyResolvedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	rid := env.createRequest(t, sid, `{"title":"t","question":"q"}`)

	rr := env.do(t, http.MethodPost, "/api/requests/"+rid+"/respond", `{"response_text":"first","responder":"ops"}`)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodPost, "/api/requests/"+rid+"/respond", `{"response_text":"second"}`)
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodGet, "/api/requests/"+rid, "")
	r := decode[RequestView](t, rr)
	if r.ResponseText != "first" || r.Responder != "ops" {
		t.Errorf("request overwritten: %+v", r)
	}

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout=0", "")
	if poll := decode[PollResponse](t, rr); len(poll.Messages) != 1 {
		t.Errorf("inbox has %d messages, want 1", len(poll.Messages))
	}
}

func TestRespond_Validation(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	rid := env.createRequest(t, sid, `{"title":"t","question":"q"}`)

	rr := env.do(t, http.MethodPost, "/api/requests/"+rid+"/respond", `{"response_text":""}`)
	expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")

	rr = env.do(t, http.MethodPost, "/api/requests/missing/respond", `{"response_text":"x"}`)
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestDismiss(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	first := env.createRequest(t, sid, `{"title":"a","question":"q"}`)
	second := env.createRequest(t, sid, `{"title":"b","question":"q"}`)

	rr := env.do(t, http.MethodPost, "/api/requests/"+first+"/dismiss", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decode[ResolveResponse](t, rr); got.Status != storage.RequestDismissed {
		t.Errorf("status = %s, want DISMISSED", got.Status)
	}
	if s := env.sessionByID(t, sid); s.State != storage.SessionWaitingForInput {
		t.Errorf("state after non-last dismiss = %s", s.State)
	}

	rr = env.do(t, http.MethodPost, "/api/requests/"+second+"/dismiss", "")
	expectStatus(t, rr, http.StatusOK)
	if s := env.sessionByID(t, sid); s.State != storage.SessionWorking {
		t.Errorf("state after last dismiss = %s", s.State)
	}

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout=0", "")
	if poll := decode[PollResponse](t, rr); len(poll.Messages) != 0 {
		t.Errorf("dismiss produced %d inbox messages", len(poll.Messages))
	}

	rr = env.do(t, http.MethodPost, "/api/requests/missing/dismiss", "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestPollInbox_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/sessions/missing/inbox?timeout=0", "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestPollInbox_TimeoutParam(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")

	// Negative clamps to zero: the poll returns at once instead of waiting.
	for _, q := range []string{"-1", "-100"} {
		rr := env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout="+q, "")
		expectStatus(t, rr, http.StatusOK)
		if got := decode[PollResponse](t, rr); len(got.Messages) != 0 {
			t.Errorf("timeout=%s: messages = %d, want 0", q, len(got.Messages))
		}
	}

	for _, q := range []string{"abc", "1.5", "10s"} {
		rr := env.do(t, http.MethodGet, "/api/sessions/"+sid+"/inbox?timeout="+q, "")
		expectErrorType(t, rr, http.StatusBadRequest, "invalid_request_error")
	}
}

func TestParseIntParam(t *testing.T) {
	cases := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 30, false},
		{"timeout=0", 0, false},
		{"timeout=45", 45, false},
		{"timeout=-1", 0, false},
		{"timeout=500", 120, false},
		{"timeout=abc", 0, true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/x?"+tc.query, nil)
		got, err := parseIntParam(r, "timeout", 30, 120)
		if (err != nil) != tc.wantErr {
			t.Errorf("%q: err = %v, wantErr %v", tc.query, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestAck_UnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	rr := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/inbox/missing/ack", "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestPurgeSession(t *testing.T) {
	env := newTestEnv(t)
	sid := env.register(t, "Alpha")
	rid := env.createRequest(t, sid, `{"title":"t","question":"q"}`)

	rr := env.do(t, http.MethodDelete, "/api/sessions/"+sid, "")
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodGet, "/api/sessions/"+sid, "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
	rr = env.do(t, http.MethodGet, "/api/requests/"+rid, "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")

	rr = env.do(t, http.MethodDelete, "/api/sessions/"+sid, "")
	expectErrorType(t, rr, http.StatusNotFound, "not_found")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "Alpha")

	rr := env.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	if !strings.Contains(body, "sessionbus_http_requests_total") {
		t.Error("metrics output missing sessionbus_http_requests_total")
	}
	if !strings.Contains(body, `path="/api/sessions/register"`) {
		t.Error("metrics output missing route pattern label")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodOptions, "/api/sessions", "",
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Method", "POST",
	)
	if rr.Code != http.StatusOK && rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
