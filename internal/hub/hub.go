// Package hub implements the room actor at the center of the presence
// system. One goroutine per room owns the agent directory and session
// registry outright: accept, inbound frames, disconnects, and snapshot
// reads are all serialized through the actor's channels, which is the
// only mutual exclusion the room state needs.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lucid-hq/lucid/internal/protocol"
)

// Recorder is the hub's write-through sink for the durable mirror.
// Every call is fire-and-forget: implementations must never block the
// caller, and their failures never reach the broadcast path.
type Recorder interface {
	AgentUpserted(rec protocol.AgentRecord)
	AgentDisconnected(agentID string, at time.Time)
	EpisodeStarted(dreamID, agentID, agentName string, at time.Time)
	EpisodeEnded(dreamID string, motifs, wakeInsights []string, at time.Time)
}

// Snapshot is a consistent view of one room, taken inside the actor.
type Snapshot struct {
	Agents   []protocol.AgentRecord
	Stats    protocol.Stats
	Sessions int
}

type acceptReq struct {
	client *Client
	reply  chan *Session
}

type inboundFrame struct {
	session *Session
	data    []byte
}

type snapshotReq struct {
	reply chan Snapshot
}

// Hub is the single-writer actor for one room.
type Hub struct {
	room     string
	dir      *directory
	sessions *sessionRegistry
	rec      Recorder

	accepts     chan acceptReq
	frames      chan inboundFrame
	disconnects chan *Session
	snapshots   chan snapshotReq

	// done is closed when Run returns so that producers never block
	// against a stopped actor.
	done chan struct{}

	// gauge mirrors the live session count for health reads outside
	// the actor goroutine.
	gauge atomic.Int64
}

// NewHub creates a room actor. rec may be nil to disable the durable
// mirror entirely.
func NewHub(room string, rec Recorder) *Hub {
	return &Hub{
		room:        room,
		dir:         newDirectory(),
		sessions:    newSessionRegistry(),
		rec:         rec,
		accepts:     make(chan acceptReq),
		frames:      make(chan inboundFrame),
		disconnects: make(chan *Session),
		snapshots:   make(chan snapshotReq),
		done:        make(chan struct{}),
	}
}

// Room returns the room name this actor serves.
func (h *Hub) Room() string { return h.room }

// SessionCount returns the live session count. Safe for concurrent use.
func (h *Hub) SessionCount() int { return int(h.gauge.Load()) }

// Run is the actor loop. It processes one operation at a time until the
// context is cancelled, then tears down every remaining client. Run
// should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case req := <-h.accepts:
			h.handleAccept(req)
		case f := <-h.frames:
			h.handleFrame(f.session, f.data)
		case s := <-h.disconnects:
			h.handleDisconnect(s)
		case req := <-h.snapshots:
			req.reply <- h.snapshot()
		case <-ctx.Done():
			for _, s := range h.sessions.sessions {
				s.client.close()
				delete(h.sessions.sessions, s.ID)
			}
			h.dir.agents = make(map[string]*Agent)
			h.gauge.Store(0)
			slog.Info("room stopped", "room", h.room)
			return
		}
	}
}

// Accept registers a connection with the room and returns its session.
// It is synchronous: when it returns, the session is committed and the
// sync snapshot is already queued on the client's send channel, so the
// snapshot reflects exactly the mutations that preceded the accept.
// Returns nil if the hub or caller context is shutting down.
func (h *Hub) Accept(ctx context.Context, client *Client) *Session {
	req := acceptReq{client: client, reply: make(chan *Session, 1)}
	select {
	case h.accepts <- req:
	case <-ctx.Done():
		return nil
	case <-h.done:
		return nil
	}
	select {
	case s := <-req.reply:
		client.session = s
		return s
	case <-h.done:
		return nil
	}
}

// HandleFrame queues a raw inbound frame for the session.
func (h *Hub) HandleFrame(s *Session, data []byte) {
	select {
	case h.frames <- inboundFrame{session: s, data: data}:
	case <-h.done:
	}
}

// Disconnect queues teardown for the session. Idempotent, and safe to
// call with nil (an accept that never completed).
func (h *Hub) Disconnect(s *Session) {
	if s == nil {
		return
	}
	select {
	case h.disconnects <- s:
	case <-h.done:
	}
}

// Snapshot reads a consistent room view through the actor.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotReq{reply: make(chan Snapshot, 1)}
	select {
	case h.snapshots <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-h.done:
		return Snapshot{}, errors.New("hub stopped")
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) snapshot() Snapshot {
	return Snapshot{
		Agents:   h.dir.list(),
		Stats:    h.dir.stats(),
		Sessions: h.sessions.len(),
	}
}

func (h *Hub) handleAccept(req acceptReq) {
	s := h.sessions.accept(req.client)
	h.gauge.Store(int64(h.sessions.len()))

	// Queue the snapshot before the reply so the new connection never
	// misses state committed prior to its accept.
	req.client.trySend(protocol.Sync(h.dir.list(), h.dir.stats()))
	req.reply <- s

	slog.Info("session accepted",
		"room", h.room,
		"session", s.ID,
		"sessions", h.sessions.len(),
	)
}

func (h *Hub) handleFrame(s *Session, data []byte) {
	if !h.sessions.has(s) {
		// Disconnect won the race; drop the frame.
		return
	}

	f, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedPayload) {
			slog.Debug("dropping malformed frame", "room", h.room, "session", s.ID, "error", err)
		}
		return
	}

	switch f.Kind {
	case protocol.KindRegister:
		h.handleRegister(s, f.Register)
	case protocol.KindStatus:
		h.handleStatus(s, f.Status)
	case protocol.KindDreamStart:
		h.handleDreamStart(s, f.DreamStart)
	case protocol.KindDreamEnd:
		h.handleDreamEnd(s, f.DreamEnd)
	case protocol.KindInsight:
		h.handleInsight(s, f.Insight)
	case protocol.KindPing:
		s.client.trySend(protocol.Pong(time.Now()))
	}
}

// boundAgent resolves the session's agent, or nil when the session has
// not completed its register handshake. Events on unbound sessions are
// deliberate no-ops, not errors.
func (h *Hub) boundAgent(s *Session) *Agent {
	if s.AgentID == "" {
		return nil
	}
	return h.dir.get(s.AgentID)
}

func (h *Hub) handleRegister(s *Session, p *protocol.Register) {
	// Every directory record is bound to a live session, so a supplied
	// id that is already present belongs to someone else right now. The
	// newcomer gets a fresh record under a minted id instead of binding
	// to (and later orphaning) the existing one. A supplied id with no
	// record is an agent reconnecting; it keeps its external id with a
	// fresh record.
	id := p.AgentID
	if id == "" || h.dir.get(id) != nil {
		if id != "" {
			slog.Warn("agent id held by a live session, minting fresh identity",
				"room", h.room, "session", s.ID, "agent", id)
		}
		id = newID()
	}
	x, y := h.dir.nextPosition()
	a := &Agent{
		ID:          id,
		Name:        p.Name,
		Icon:        p.Icon,
		Status:      protocol.StatusActive,
		X:           x,
		Y:           y,
		ConnectedAt: time.Now(),
	}

	// Bind before committing anything: a rejected register leaves the
	// directory and the session untouched.
	if err := h.sessions.bind(s, a.ID); err != nil {
		s.client.trySend(protocol.ErrorEvent(err.Error()))
		slog.Warn("register rejected", "room", h.room, "session", s.ID, "error", err)
		return
	}
	h.dir.put(a)

	rec := a.record()
	s.client.trySend(protocol.Registered(rec))
	h.broadcast(protocol.AgentJoined(rec), nil)
	if h.rec != nil {
		h.rec.AgentUpserted(rec)
	}

	slog.Info("agent registered",
		"room", h.room,
		"agent", a.ID,
		"name", a.Name,
		"agents", len(h.dir.agents),
	)
}

func (h *Hub) handleStatus(s *Session, p *protocol.Status) {
	a := h.boundAgent(s)
	if a == nil {
		return
	}
	switch p.Status {
	case protocol.StatusActive, protocol.StatusDreaming:
	default:
		slog.Debug("ignoring unrecognized status", "room", h.room, "agent", a.ID, "status", p.Status)
		return
	}

	a.Status = p.Status
	if a.Status != protocol.StatusDreaming {
		a.CurrentDreamID = ""
	}

	h.broadcast(protocol.AgentUpdated(a.record()), nil)
	if h.rec != nil {
		h.rec.AgentUpserted(a.record())
	}
}

func (h *Hub) handleDreamStart(s *Session, p *protocol.DreamStart) {
	a := h.boundAgent(s)
	if a == nil {
		return
	}

	dreamID := p.DreamID
	if dreamID == "" {
		dreamID = newID()
	}
	a.Status = protocol.StatusDreaming
	a.CurrentDreamID = dreamID

	h.broadcast(protocol.DreamStarted(a.ID, a.Name, dreamID), nil)
	if h.rec != nil {
		h.rec.EpisodeStarted(dreamID, a.ID, a.Name, time.Now())
		h.rec.AgentUpserted(a.record())
	}
}

func (h *Hub) handleDreamEnd(s *Session, p *protocol.DreamEnd) {
	a := h.boundAgent(s)
	if a == nil {
		return
	}

	now := time.Now()
	a.Status = protocol.StatusActive
	a.DreamCount++
	a.LastDream = now
	if p.Motifs != nil {
		a.Motifs = p.Motifs
	}
	if len(p.WakeInsights) > 0 {
		a.LastInsight = p.WakeInsights[0]
	}
	dreamID := a.CurrentDreamID
	a.CurrentDreamID = ""

	h.broadcast(protocol.DreamEnded(a.ID, a.Name, a.Motifs, p.WakeInsights), nil)
	if h.rec != nil {
		if dreamID != "" {
			h.rec.EpisodeEnded(dreamID, p.Motifs, p.WakeInsights, now)
		}
		h.rec.AgentUpserted(a.record())
	}
}

func (h *Hub) handleInsight(s *Session, p *protocol.Insight) {
	a := h.boundAgent(s)
	if a == nil {
		return
	}

	a.LastInsight = p.Insight

	h.broadcast(protocol.InsightShared(a.ID, a.Name, p.Insight, p.IsBreakthrough), nil)
	if h.rec != nil {
		h.rec.AgentUpserted(a.record())
	}
}

func (h *Hub) handleDisconnect(s *Session) {
	if !h.sessions.remove(s) {
		return
	}
	h.gauge.Store(int64(h.sessions.len()))

	if s.AgentID != "" {
		if a := h.dir.remove(s.AgentID); a != nil {
			h.broadcast(protocol.AgentLeft(a.ID, a.Name), nil)
			if h.rec != nil {
				h.rec.AgentDisconnected(a.ID, time.Now())
			}
			slog.Info("agent departed", "room", h.room, "agent", a.ID, "name", a.Name)
		}
	}
	s.client.close()

	slog.Info("session removed",
		"room", h.room,
		"session", s.ID,
		"sessions", h.sessions.len(),
	)
}

// broadcast delivers a serialized event to every live session except
// the excluded one. Best-effort: a closed or saturated client loses the
// frame and is reaped later through the normal disconnect path.
func (h *Hub) broadcast(data []byte, except *Session) {
	for _, s := range h.sessions.sessions {
		if s == except {
			continue
		}
		if !s.client.trySend(data) {
			slog.Debug("broadcast dropped", "room", h.room, "session", s.ID)
		}
	}
}
