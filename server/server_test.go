// ABOUTME: HTTP and WebSocket tests: auth middleware, session REST, isolation, live chat, resume.
// ABOUTME: Runs against httptest with an in-memory index, object store, and a stub model adapter.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/auth"
	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/store"
	"github.com/2389-research/mahout/tools"
)

// stubAdapter streams one fixed text answer for every request.
type stubAdapter struct {
	text string
}

func (a *stubAdapter) Name() string { return "stub" }
func (a *stubAdapter) Close() error { return nil }

func (a *stubAdapter) response() *llm.Response {
	return &llm.Response{
		Provider:     "stub",
		Message:      llm.AssistantMessage(a.text),
		FinishReason: llm.FinishReason{Reason: llm.FinishStop},
	}
}

func (a *stubAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return a.response(), nil
}

func (a *stubAdapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 4)
	go func() {
		defer close(ch)
		resp := a.response()
		ch <- llm.StreamEvent{Type: llm.StreamTextDelta, Delta: resp.TextContent()}
		ch <- llm.StreamEvent{Type: llm.StreamFinish, Response: resp}
	}()
	return ch, nil
}

type testHarness struct {
	srv     *Server
	ts      *httptest.Server
	index   *store.Index
	syncer  *store.Syncer
	manager *agent.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Model.Provider = "stub"
	cfg.Model.Name = "stub-model"

	index, err := store.OpenIndex(":memory:")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	syncer := store.NewSyncer(index, store.NewMemoryStore(), store.SyncConfig{Interval: time.Hour})

	client := llm.NewClient(llm.WithProvider("stub", &stubAdapter{text: "hello from the model"}))
	engine := agent.NewEngine(client, agent.NewPolicy(false, agent.DefaultRules()))
	engine.SaveHook = func(sess *agent.Session) {
		_ = syncer.MarkDirty(SnapshotSession(sess))
	}
	manager := agent.NewManager(engine)

	jwtMgr := auth.NewJWTManager([]byte("test-secret"), time.Hour)
	vault, err := auth.NewTokenVault([]byte("pass"), []byte("salt"))
	if err != nil {
		t.Fatalf("NewTokenVault: %v", err)
	}

	routers := func() (*tools.Router, error) {
		r := tools.NewRouter()
		if err := tools.RegisterBuiltins(r); err != nil {
			return nil, err
		}
		return r, nil
	}

	srv := New(cfg, manager, index, syncer, jwtMgr, vault, routers)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		index.Close()
	})
	return &testHarness{srv: srv, ts: ts, index: index, syncer: syncer, manager: manager}
}

func (h *testHarness) login(t *testing.T, userID string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "hub_token": "hub-tok"})
	resp, err := http.Post(h.ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return out.Token
}

func (h *testHarness) request(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (h *testHarness) createSession(t *testing.T, token string) string {
	t.Helper()
	resp := h.request(t, http.MethodPost, "/api/sessions/", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return out.SessionID
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "garbage-token"} {
		resp := h.request(t, http.MethodGet, "/api/sessions/", token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "alice")

	resp := h.request(t, http.MethodPost, "/auth/logout", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp = h.request(t, http.MethodGet, "/api/sessions/", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateGetAndOwnership(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	id := h.createSession(t, alice)

	resp := h.request(t, http.MethodGet, "/api/sessions/"+id, alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner get status = %d", resp.StatusCode)
	}

	resp = h.request(t, http.MethodGet, "/api/sessions/"+id, bob, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign get status = %d, want 403", resp.StatusCode)
	}

	resp = h.request(t, http.MethodGet, "/api/sessions/nonexistent", alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing get status = %d, want 404", resp.StatusCode)
	}
}

func TestListIsUserScoped(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	for i, user := range []string{"alice", "alice", "bob"} {
		rec := store.PersistedSession{
			SessionID: fmt.Sprintf("seed-%d", i),
			UserID:    user,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    store.StatusActive,
		}
		if err := h.index.Upsert(rec, false); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	token := h.login(t, "alice")
	resp := h.request(t, http.MethodGet, "/api/sessions/", token, nil)
	defer resp.Body.Close()
	var out struct {
		Sessions []store.SessionIndexEntry `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 2 {
		t.Errorf("alice sees %d sessions, want 2", len(out.Sessions))
	}
	for _, e := range out.Sessions {
		if e.SessionID == "seed-2" {
			t.Error("alice must not see bob's session")
		}
	}
}

func TestDeleteSessionSoftDeletes(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	id := h.createSession(t, alice)

	resp := h.request(t, http.MethodDelete, "/api/sessions/"+id, alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp = h.request(t, http.MethodGet, "/api/sessions/"+id, alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}

	rec, found, _ := h.index.Get(id)
	if !found || rec.Status != store.StatusDeleted {
		t.Errorf("index row should remain with deleted status: %+v", rec)
	}
}

func (h *testHarness) dialWS(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/" + sessionID
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial ws: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) []map[string]any {
	t.Helper()
	var seen []map[string]any
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read ws (saw %d events): %v", len(seen), err)
		}
		seen = append(seen, ev)
		if ev["event_type"] == want {
			return seen
		}
	}
}

func TestWebSocketChatTurn(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "alice")
	id := h.createSession(t, token)

	conn := h.dialWS(t, id, token)
	readUntil(t, conn, "ready")

	op := map[string]any{"op_type": "user_input", "data": map[string]string{"text": "hello"}}
	if err := conn.WriteJSON(op); err != nil {
		t.Fatalf("write op: %v", err)
	}

	events := readUntil(t, conn, "turn_complete")
	var sawChunk, sawMessage bool
	for _, ev := range events {
		switch ev["event_type"] {
		case "assistant_chunk":
			sawChunk = true
		case "assistant_message":
			sawMessage = true
		}
	}
	if !sawChunk || !sawMessage {
		t.Errorf("chunk=%v message=%v, want both", sawChunk, sawMessage)
	}
}

func TestWebSocketResumesPersistedSession(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "alice")

	// A session persisted by an earlier process, not live anywhere.
	messages, _ := json.Marshal([]llm.Message{
		llm.UserMessage("earlier question"),
		llm.AssistantMessage("earlier answer"),
	})
	now := time.Now().UTC()
	rec := store.PersistedSession{
		SessionID:    "resumed-1",
		UserID:       "alice",
		Version:      3,
		CreatedAt:    now,
		UpdatedAt:    now,
		Title:        "earlier question",
		ModelName:    "stub-model",
		Status:       store.StatusActive,
		Messages:     messages,
		MessageCount: 2,
	}
	if err := h.index.Upsert(rec, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := h.dialWS(t, "resumed-1", token)
	readUntil(t, conn, "ready")

	op := map[string]any{"op_type": "user_input", "data": map[string]string{"text": "continue"}}
	if err := conn.WriteJSON(op); err != nil {
		t.Fatalf("write op: %v", err)
	}
	readUntil(t, conn, "turn_complete")

	live, ok := h.manager.Get("resumed-1")
	if !ok {
		t.Fatal("resumed session not live")
	}
	msgs := live.Context.Messages()
	if len(msgs) < 4 {
		t.Fatalf("resumed log has %d messages, want the old ones plus the new turn", len(msgs))
	}
	if msgs[0].TextContent() != "earlier question" {
		t.Error("resumed session lost its history")
	}
}

func TestWebSocketRejectsForeignSession(t *testing.T) {
	h := newHarness(t)
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")
	id := h.createSession(t, alice)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/" + id
	header := http.Header{"Authorization": {"Bearer " + bob}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("bob must not attach to alice's session")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 on foreign ws attach")
	}
}

func TestListSupportsPagingAndArchived(t *testing.T) {
	h := newHarness(t)
	base := time.Now().UTC()
	seed := func(id string, minutes int, status store.SessionStatus) {
		rec := store.PersistedSession{
			SessionID: id,
			UserID:    "alice",
			Version:   1,
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(minutes) * time.Minute),
			Status:    status,
		}
		if err := h.index.Upsert(rec, false); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("s1", 1, store.StatusActive)
	seed("s2", 2, store.StatusActive)
	seed("s3", 3, store.StatusActive)
	seed("s4", 4, store.StatusArchived)

	token := h.login(t, "alice")
	list := func(query string) []store.SessionIndexEntry {
		resp := h.request(t, http.MethodGet, "/api/sessions/"+query, token, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list %q status = %d", query, resp.StatusCode)
		}
		var out struct {
			Sessions []store.SessionIndexEntry `json:"sessions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out.Sessions
	}

	all := list("")
	if len(all) != 3 {
		t.Fatalf("default listing has %d rows, want 3 with the archived one hidden", len(all))
	}
	for _, e := range all {
		if e.CreatedAt.IsZero() {
			t.Errorf("row %s should carry created_at", e.SessionID)
		}
	}

	page := list("?limit=1&offset=1")
	if len(page) != 1 || page[0].SessionID != "s2" {
		t.Errorf("page = %+v, want only s2", page)
	}

	withArchived := list("?include_archived=true")
	if len(withArchived) != 4 || withArchived[0].SessionID != "s4" {
		t.Errorf("archived listing = %+v, want s4 first of 4", withArchived)
	}
}

func TestSessionConfigUsesModelTokenizer(t *testing.T) {
	h := newHarness(t)
	sc := h.srv.sessionConfig()
	if _, ok := sc.Context.Counter.(*llm.TiktokenCounter); !ok {
		t.Fatalf("session token counter = %T, want the model tokenizer", sc.Context.Counter)
	}
}
