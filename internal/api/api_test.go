package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lucid-hq/lucid/internal/hub"
	"github.com/lucid-hq/lucid/internal/identity"
	"github.com/lucid-hq/lucid/internal/store"
)

func newTestServer(t *testing.T, st *store.Store, verifier *identity.Verifier) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rooms := hub.NewRegistry(ctx, nil)
	ts := httptest.NewServer(New(ctx, rooms, st, verifier).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readWireEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read while waiting for %q: %v", wantType, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if m["type"] != wantType {
		t.Fatalf("event type = %v, want %q (event: %v)", m["type"], wantType, m)
	}
	return m
}

func TestWebSocketRegisterFlow(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sync := readWireEvent(t, ctx, conn, "sync")
	if agents, _ := sync["agents"].([]any); len(agents) != 0 {
		t.Errorf("fresh room sync carries %d agents, want 0", len(agents))
	}

	register := `{"type":"register","name":"Atlas","icon":"🤖"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(register)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	registered := readWireEvent(t, ctx, conn, "registered")
	agent, _ := registered["agent"].(map[string]any)
	if agent["name"] != "Atlas" || agent["status"] != "active" {
		t.Errorf("registered agent = %v", agent)
	}
	readWireEvent(t, ctx, conn, "agent_joined")
}

func TestWebSocketRoomsAreIsolated(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, _, err := websocket.Dial(ctx, wsURL(ts)+"?room=alpha", nil)
	if err != nil {
		t.Fatalf("Dial alpha: %v", err)
	}
	defer connA.Close(websocket.StatusNormalClosure, "")
	readWireEvent(t, ctx, connA, "sync")

	connB, _, err := websocket.Dial(ctx, wsURL(ts)+"?room=beta", nil)
	if err != nil {
		t.Fatalf("Dial beta: %v", err)
	}
	defer connB.Close(websocket.StatusNormalClosure, "")
	readWireEvent(t, ctx, connB, "sync")

	register := `{"type":"register","name":"Atlas","icon":"🤖"}`
	if err := connA.Write(ctx, websocket.MessageText, []byte(register)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readWireEvent(t, ctx, connA, "registered")
	readWireEvent(t, ctx, connA, "agent_joined")

	// A ping on beta answers before any stray cross-room broadcast
	// could; the next event beta sees must be the pong.
	if err := connB.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write ping: %v", err)
	}
	readWireEvent(t, ctx, connB, "pong")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := status["goroutines"]; !ok {
		t.Errorf("health payload = %v", status)
	}
}

func TestAgentsSnapshotEmptyRoom(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/api/agents")
	if err != nil {
		t.Fatalf("GET /api/agents: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Agents []any          `json:"agents"`
		Stats  map[string]int `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Agents == nil || len(body.Agents) != 0 {
		t.Errorf("agents = %v, want empty array", body.Agents)
	}
	if body.Stats["total"] != 0 {
		t.Errorf("stats = %v", body.Stats)
	}
}

func TestRecentAgentsWithoutStore(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/api/agents/recent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func newDirectoryService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good-token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"externalId":"ext-1","username":"atlas","displayName":"Atlas"}`))
			return
		}
		http.Error(w, "unknown agent", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterIdentity(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "lucid.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	directory := newDirectoryService(t)
	ts := newTestServer(t, st, identity.NewVerifier(directory.URL, nil))

	post := func(token string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/agents/register", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		return resp
	}

	resp := post("")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing credential: status = %d, want 401", resp.StatusCode)
	}

	resp = post("bad-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown credential: status = %d, want 401", resp.StatusCode)
	}
	if agents, err := st.RecentAgents(time.Hour, 50); err != nil || len(agents) != 0 {
		t.Errorf("rejected credential reached the store: %v, %v", agents, err)
	}

	resp = post("good-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid credential: status = %d, want 200", resp.StatusCode)
	}
	var id identity.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.ExternalID != "ext-1" || id.DisplayName != "Atlas" {
		t.Errorf("identity = %+v", id)
	}

	agents, err := st.RecentAgents(time.Hour, 50)
	if err != nil {
		t.Fatalf("RecentAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "ext-1" || agents[0].Name != "Atlas" {
		t.Errorf("durable rows = %+v", agents)
	}
}
