package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/lucid-hq/lucid/internal/protocol"
)

// AsyncRecorder adapts a Store to the hub's fire-and-forget recorder
// contract. Writes are queued into a buffered channel drained by Run;
// when the queue is full the write is dropped, never blocking the room
// actor, and every store error is logged and swallowed.
type AsyncRecorder struct {
	st  *Store
	ops chan func(*Store) error
}

// NewAsyncRecorder wraps the store with a write queue of the given depth.
func NewAsyncRecorder(st *Store, depth int) *AsyncRecorder {
	return &AsyncRecorder{
		st:  st,
		ops: make(chan func(*Store) error, depth),
	}
}

// Run drains queued writes until the context is cancelled. Call in its
// own goroutine.
func (r *AsyncRecorder) Run(ctx context.Context) {
	for {
		select {
		case op := <-r.ops:
			if err := op(r.st); err != nil {
				slog.Warn("durable mirror write failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *AsyncRecorder) enqueue(op func(*Store) error) {
	select {
	case r.ops <- op:
	default:
		slog.Warn("durable mirror queue full, dropping write")
	}
}

// AgentUpserted implements hub.Recorder.
func (r *AsyncRecorder) AgentUpserted(rec protocol.AgentRecord) {
	at := time.Now()
	r.enqueue(func(st *Store) error {
		return st.UpsertAgent(rec, at)
	})
}

// AgentDisconnected implements hub.Recorder.
func (r *AsyncRecorder) AgentDisconnected(agentID string, at time.Time) {
	r.enqueue(func(st *Store) error {
		return st.MarkDisconnected(agentID, at)
	})
}

// EpisodeStarted implements hub.Recorder.
func (r *AsyncRecorder) EpisodeStarted(dreamID, agentID, agentName string, at time.Time) {
	r.enqueue(func(st *Store) error {
		return st.StartEpisode(dreamID, agentID, agentName, at)
	})
}

// EpisodeEnded implements hub.Recorder.
func (r *AsyncRecorder) EpisodeEnded(dreamID string, motifs, wakeInsights []string, at time.Time) {
	r.enqueue(func(st *Store) error {
		return st.EndEpisode(dreamID, motifs, wakeInsights, at)
	})
}
