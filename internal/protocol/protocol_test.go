package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeInboundKinds(t *testing.T) {
	f, err := Decode([]byte(`{"type":"register","name":"Atlas","icon":"🤖","agentId":"a1"}`))
	if err != nil {
		t.Fatalf("Decode register: %v", err)
	}
	if f.Kind != KindRegister || f.Register == nil {
		t.Fatalf("register frame = %+v", f)
	}
	if f.Register.Name != "Atlas" || f.Register.Icon != "🤖" || f.Register.AgentID != "a1" {
		t.Errorf("register payload = %+v", f.Register)
	}

	f, err = Decode([]byte(`{"type":"dream_end","motifs":["identity"],"wakeInsights":["x","y"]}`))
	if err != nil {
		t.Fatalf("Decode dream_end: %v", err)
	}
	if len(f.DreamEnd.Motifs) != 1 || len(f.DreamEnd.WakeInsights) != 2 {
		t.Errorf("dream_end payload = %+v", f.DreamEnd)
	}

	f, err = Decode([]byte(`{"type":"insight","insight":"z","isBreakthrough":true}`))
	if err != nil {
		t.Fatalf("Decode insight: %v", err)
	}
	if f.Insight.Insight != "z" || !f.Insight.IsBreakthrough {
		t.Errorf("insight payload = %+v", f.Insight)
	}

	f, err = Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("Decode ping: %v", err)
	}
	if f.Kind != KindPing {
		t.Errorf("ping kind = %q", f.Kind)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		`{truncated`,
		`"just a string"`,
		`{"type":"insight","insight":42}`,
		`{"type":"register","name":{"nested":true}}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformedPayload", raw, err)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	for _, raw := range []string{`{"type":"telepathy"}`, `{"name":"no type at all"}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("Decode(%q) error = %v, want ErrUnknownKind", raw, err)
		}
	}
}

func TestOutboundShapes(t *testing.T) {
	rec := AgentRecord{
		ID: "a1", Name: "Atlas", Icon: "🤖", Status: StatusActive,
		X: 25, Y: 30, ConnectedAt: 1700000000000, Motifs: []string{},
	}

	var joined struct {
		Type  string      `json:"type"`
		Agent AgentRecord `json:"agent"`
	}
	if err := json.Unmarshal(AgentJoined(rec), &joined); err != nil {
		t.Fatalf("unmarshal agent_joined: %v", err)
	}
	if joined.Type != "agent_joined" || joined.Agent.ID != "a1" {
		t.Errorf("agent_joined = %+v", joined)
	}

	var left map[string]any
	if err := json.Unmarshal(AgentLeft("a1", "Atlas"), &left); err != nil {
		t.Fatalf("unmarshal agent_left: %v", err)
	}
	if left["type"] != "agent_left" || left["agentId"] != "a1" || left["agentName"] != "Atlas" {
		t.Errorf("agent_left = %v", left)
	}
	if _, ok := left["agent"]; ok {
		t.Error("agent_left must not carry a full agent record")
	}

	var ended map[string]any
	if err := json.Unmarshal(DreamEnded("a1", "Atlas", nil, nil), &ended); err != nil {
		t.Fatalf("unmarshal dream_ended: %v", err)
	}
	if ended["motifs"] == nil || ended["wakeInsights"] == nil {
		t.Errorf("dream_ended nil slices must encode as empty arrays: %v", ended)
	}

	var pong map[string]any
	at := time.UnixMilli(1700000000123)
	if err := json.Unmarshal(Pong(at), &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong["timestamp"] != float64(1700000000123) {
		t.Errorf("pong timestamp = %v", pong["timestamp"])
	}

	var sync struct {
		Type   string        `json:"type"`
		Agents []AgentRecord `json:"agents"`
		Stats  Stats         `json:"stats"`
	}
	if err := json.Unmarshal(Sync([]AgentRecord{rec}, Stats{Total: 1, Active: 1}), &sync); err != nil {
		t.Fatalf("unmarshal sync: %v", err)
	}
	if sync.Type != "sync" || len(sync.Agents) != 1 || sync.Stats.Total != 1 {
		t.Errorf("sync = %+v", sync)
	}
}
