// Package protocol defines the JSON wire format spoken between agents
// and the hub. Inbound frames carry a "type" discriminator and are
// decoded into a tagged Frame; outbound events are constructed by the
// hub and serialized without validation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Agent status values carried on the wire.
const (
	StatusActive   = "active"
	StatusDreaming = "dreaming"
)

var (
	// ErrMalformedPayload indicates a frame that is not well-formed JSON
	// or whose fields do not match the shape required by its kind.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownKind indicates a frame whose "type" tag is absent or not
	// recognized. The hub treats this as a no-op, not a fatal error.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Inbound frame kinds.
const (
	KindRegister   = "register"
	KindStatus     = "status"
	KindDreamStart = "dream_start"
	KindDreamEnd   = "dream_end"
	KindInsight    = "insight"
	KindPing       = "ping"
)

// Register announces an agent identity on a fresh session. AgentID is
// optional; when present and already known, the existing record is reused.
type Register struct {
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	AgentID string `json:"agentId,omitempty"`
}

// Status requests a direct state change for the bound agent.
type Status struct {
	Status string `json:"status"`
}

// DreamStart begins a dream episode. DreamID is optional; the hub mints
// one when absent.
type DreamStart struct {
	DreamID string `json:"dreamId,omitempty"`
}

// DreamEnd completes the current dream episode.
type DreamEnd struct {
	Motifs       []string `json:"motifs,omitempty"`
	WakeInsights []string `json:"wakeInsights,omitempty"`
}

// Insight shares an observation with the room.
type Insight struct {
	Insight        string `json:"insight"`
	IsBreakthrough bool   `json:"isBreakthrough,omitempty"`
}

// Frame is a decoded inbound message. Exactly one payload pointer is
// non-nil, matching Kind; ping carries no payload.
type Frame struct {
	Kind       string
	Register   *Register
	Status     *Status
	DreamStart *DreamStart
	DreamEnd   *DreamEnd
	Insight    *Insight
}

// Decode parses raw frame bytes into a Frame. It returns
// ErrMalformedPayload for bytes that are not well-formed, and
// ErrUnknownKind when the type tag is absent or unrecognized.
func Decode(data []byte) (*Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	f := &Frame{Kind: probe.Type}
	var payload any
	switch probe.Type {
	case KindRegister:
		f.Register = &Register{}
		payload = f.Register
	case KindStatus:
		f.Status = &Status{}
		payload = f.Status
	case KindDreamStart:
		f.DreamStart = &DreamStart{}
		payload = f.DreamStart
	case KindDreamEnd:
		f.DreamEnd = &DreamEnd{}
		payload = f.DreamEnd
	case KindInsight:
		f.Insight = &Insight{}
		payload = f.Insight
	case KindPing:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, probe.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return f, nil
}

// AgentRecord is the full agent view sent to clients. Timestamps are
// Unix milliseconds.
type AgentRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Icon        string   `json:"icon"`
	Status      string   `json:"status"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	ConnectedAt int64    `json:"connectedAt"`
	LastDream   int64    `json:"lastDream,omitempty"`
	DreamCount  int      `json:"dreamCount"`
	Motifs      []string `json:"motifs"`
	LastInsight string   `json:"lastInsight,omitempty"`
}

// Stats aggregates the room's directory. Computed on demand, never stored.
type Stats struct {
	Total       int `json:"total"`
	Dreaming    int `json:"dreaming"`
	Active      int `json:"active"`
	TotalDreams int `json:"totalDreams"`
}

// encode serializes an outbound event. Outbound shapes contain only
// marshalable fields, so the error is structurally impossible.
func encode(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// Sync is the snapshot pushed to a connection immediately after accept.
func Sync(agents []AgentRecord, stats Stats) []byte {
	return encode(struct {
		Type   string        `json:"type"`
		Agents []AgentRecord `json:"agents"`
		Stats  Stats         `json:"stats"`
	}{"sync", agents, stats})
}

// Registered confirms a successful register to the sender only.
func Registered(agent AgentRecord) []byte {
	return encode(struct {
		Type  string      `json:"type"`
		Agent AgentRecord `json:"agent"`
	}{"registered", agent})
}

// AgentJoined announces a new agent to the room.
func AgentJoined(agent AgentRecord) []byte {
	return encode(struct {
		Type  string      `json:"type"`
		Agent AgentRecord `json:"agent"`
	}{"agent_joined", agent})
}

// AgentUpdated announces a mutated agent record to the room.
func AgentUpdated(agent AgentRecord) []byte {
	return encode(struct {
		Type  string      `json:"type"`
		Agent AgentRecord `json:"agent"`
	}{"agent_updated", agent})
}

// AgentLeft announces a departure. It carries only the identity fields;
// the full record is already gone from the directory.
func AgentLeft(agentID, agentName string) []byte {
	return encode(struct {
		Type      string `json:"type"`
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
	}{"agent_left", agentID, agentName})
}

// DreamStarted announces the beginning of a dream episode.
func DreamStarted(agentID, agentName, dreamID string) []byte {
	return encode(struct {
		Type      string `json:"type"`
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
		DreamID   string `json:"dreamId"`
	}{"dream_started", agentID, agentName, dreamID})
}

// DreamEnded announces the end of a dream episode with its motifs and
// wake insights.
func DreamEnded(agentID, agentName string, motifs, wakeInsights []string) []byte {
	if motifs == nil {
		motifs = []string{}
	}
	if wakeInsights == nil {
		wakeInsights = []string{}
	}
	return encode(struct {
		Type         string   `json:"type"`
		AgentID      string   `json:"agentId"`
		AgentName    string   `json:"agentName"`
		Motifs       []string `json:"motifs"`
		WakeInsights []string `json:"wakeInsights"`
	}{"dream_ended", agentID, agentName, motifs, wakeInsights})
}

// InsightShared relays an insight to the room.
func InsightShared(agentID, agentName, insight string, isBreakthrough bool) []byte {
	return encode(struct {
		Type           string `json:"type"`
		AgentID        string `json:"agentId"`
		AgentName      string `json:"agentName"`
		Insight        string `json:"insight"`
		IsBreakthrough bool   `json:"isBreakthrough"`
	}{"insight", agentID, agentName, insight, isBreakthrough})
}

// Pong answers a ping, sent to the pinging session only.
func Pong(at time.Time) []byte {
	return encode(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{"pong", at.UnixMilli()})
}

// ErrorEvent notifies the sender of a rejected request, such as a
// register on an already-bound session.
func ErrorEvent(message string) []byte {
	return encode(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{"error", message})
}
