package hub

import (
	"math/rand"
	"sort"
	"time"

	"github.com/lucid-hq/lucid/internal/protocol"
)

// Agent is one participant's presence record. All fields are owned by
// the room actor; nothing outside the hub goroutine touches them.
type Agent struct {
	ID             string
	Name           string
	Icon           string
	Status         string
	X, Y           float64
	Motifs         []string
	LastInsight    string
	DreamCount     int
	CurrentDreamID string
	ConnectedAt    time.Time
	LastDream      time.Time
}

func (a *Agent) record() protocol.AgentRecord {
	motifs := a.Motifs
	if motifs == nil {
		motifs = []string{}
	}
	rec := protocol.AgentRecord{
		ID:          a.ID,
		Name:        a.Name,
		Icon:        a.Icon,
		Status:      a.Status,
		X:           a.X,
		Y:           a.Y,
		ConnectedAt: a.ConnectedAt.UnixMilli(),
		DreamCount:  a.DreamCount,
		Motifs:      motifs,
		LastInsight: a.LastInsight,
	}
	if !a.LastDream.IsZero() {
		rec.LastDream = a.LastDream.UnixMilli()
	}
	return rec
}

// Layout bounds are percentages of the client viewport. Presets spread
// agents out before the random fallback kicks in.
var presetPositions = [][2]float64{
	{25, 30}, {75, 30}, {50, 55}, {25, 70},
	{75, 70}, {15, 50}, {85, 50}, {50, 20},
}

// directory is the in-memory agent registry for one room.
type directory struct {
	agents map[string]*Agent
}

func newDirectory() *directory {
	return &directory{agents: make(map[string]*Agent)}
}

func (d *directory) get(id string) *Agent {
	return d.agents[id]
}

func (d *directory) put(a *Agent) {
	d.agents[a.ID] = a
}

func (d *directory) remove(id string) *Agent {
	a := d.agents[id]
	delete(d.agents, id)
	return a
}

// list returns agent records ordered by connect time (ties broken by id)
// so that sync snapshots are stable.
func (d *directory) list() []protocol.AgentRecord {
	records := make([]protocol.AgentRecord, 0, len(d.agents))
	for _, a := range d.agents {
		records = append(records, a.record())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ConnectedAt != records[j].ConnectedAt {
			return records[i].ConnectedAt < records[j].ConnectedAt
		}
		return records[i].ID < records[j].ID
	})
	return records
}

// stats folds over the directory. Never cached: the directory is the
// single source of truth.
func (d *directory) stats() protocol.Stats {
	s := protocol.Stats{Total: len(d.agents)}
	for _, a := range d.agents {
		switch a.Status {
		case protocol.StatusDreaming:
			s.Dreaming++
		case protocol.StatusActive:
			s.Active++
		}
		s.TotalDreams += a.DreamCount
	}
	return s
}

// nextPosition picks the first preset not occupied by a current agent,
// comparing exact coordinate pairs. Once presets run out it falls back
// to a pseudo-random point inside the layout bounds; collisions there
// are tolerated since position is cosmetic.
func (d *directory) nextPosition() (float64, float64) {
	for _, p := range presetPositions {
		taken := false
		for _, a := range d.agents {
			if a.X == p[0] && a.Y == p[1] {
				taken = true
				break
			}
		}
		if !taken {
			return p[0], p[1]
		}
	}
	return 10 + rand.Float64()*80, 10 + rand.Float64()*80
}
