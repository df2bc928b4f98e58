// Package store is the durable mirror of the live hub state. It is a
// best-effort side channel: the hub writes through it asynchronously
// and never depends on it for correctness.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lucid-hq/lucid/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	icon TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	connected_at INTEGER NOT NULL,
	last_dream INTEGER NOT NULL DEFAULT 0,
	dream_count INTEGER NOT NULL DEFAULT 0,
	motifs TEXT NOT NULL DEFAULT '[]',
	last_insight TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dream_episodes (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL DEFAULT 0,
	motifs TEXT NOT NULL DEFAULT '[]',
	wake_insights TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_agents_updated_at ON agents (updated_at);
CREATE INDEX IF NOT EXISTS idx_episodes_agent ON dream_episodes (agent_id);
`

// Store persists agent records and dream episodes in SQLite.
// Timestamps are Unix milliseconds.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent
// directories and the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The mirror is written from a single goroutine; one connection
	// avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(raw string) []string {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil || list == nil {
		return []string{}
	}
	return list
}

// UpsertAgent writes the full agent record, stamping updated_at.
func (s *Store) UpsertAgent(rec protocol.AgentRecord, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, icon, status, x, y, connected_at, last_dream, dream_count, motifs, last_insight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			icon = excluded.icon,
			status = excluded.status,
			x = excluded.x,
			y = excluded.y,
			last_dream = excluded.last_dream,
			dream_count = excluded.dream_count,
			motifs = excluded.motifs,
			last_insight = excluded.last_insight,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Icon, rec.Status, rec.X, rec.Y,
		rec.ConnectedAt, rec.LastDream, rec.DreamCount,
		marshalList(rec.Motifs), rec.LastInsight, at.UnixMilli(),
	)
	return err
}

// MarkDisconnected stamps an agent row after its session ends. The row
// itself outlives the session.
func (s *Store) MarkDisconnected(agentID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE agents SET updated_at = ? WHERE id = ?`,
		at.UnixMilli(), agentID,
	)
	return err
}

// StartEpisode records the beginning of a dream episode.
func (s *Store) StartEpisode(dreamID, agentID, agentName string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO dream_episodes (id, agent_id, agent_name, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		dreamID, agentID, agentName, at.UnixMilli(),
	)
	return err
}

// EndEpisode completes a dream episode with its motifs and insights.
func (s *Store) EndEpisode(dreamID string, motifs, wakeInsights []string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE dream_episodes SET ended_at = ?, motifs = ?, wake_insights = ?
		WHERE id = ?`,
		at.UnixMilli(), marshalList(motifs), marshalList(wakeInsights), dreamID,
	)
	return err
}

// RecentAgents returns agents touched within the window, most recent
// first, capped at limit.
func (s *Store) RecentAgents(window time.Duration, limit int) ([]protocol.AgentRecord, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`
		SELECT id, name, icon, status, x, y, connected_at, last_dream, dream_count, motifs, last_insight
		FROM agents
		WHERE updated_at >= ?
		ORDER BY updated_at DESC
		LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []protocol.AgentRecord
	for rows.Next() {
		var rec protocol.AgentRecord
		var motifs string
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Icon, &rec.Status, &rec.X, &rec.Y,
			&rec.ConnectedAt, &rec.LastDream, &rec.DreamCount, &motifs, &rec.LastInsight,
		); err != nil {
			return nil, err
		}
		rec.Motifs = unmarshalList(motifs)
		records = append(records, rec)
	}
	return records, rows.Err()
}
