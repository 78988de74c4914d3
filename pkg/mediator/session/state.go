// Package session implements the per-session mediation core: the state
// record, the single-writer session loop, and the audio/event router.
package session

import (
	"time"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

type Mode string

const (
	ModeAI    Mode = "ai"
	ModeHuman Mode = "human"
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAI         Role = "ai"
	RoleSupervisor Role = "supervisor"
)

type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Frustration aggregates the sentiment signal over the call.
type Frustration struct {
	Score     float64 `json:"score"`
	Sentiment string  `json:"sentiment"`
	Reason    string  `json:"reason,omitempty"`
	Max       float64 `json:"maxScore"`
	Min       float64 `json:"minScore"`
	Sum       float64 `json:"-"`
	Samples   int     `json:"samples"`
}

func (f *Frustration) Observe(score float64, sentiment, reason string) {
	f.Score = score
	f.Sentiment = sentiment
	f.Reason = reason
	if f.Samples == 0 || score < f.Min {
		f.Min = score
	}
	if score > f.Max {
		f.Max = score
	}
	f.Sum += score
	f.Samples++
}

func (f Frustration) Avg() float64 {
	if f.Samples == 0 {
		return 0
	}
	return f.Sum / float64(f.Samples)
}

// State is the mutable per-session record. It is owned by the session loop;
// nothing else mutates it. External readers go through Snapshot and
// FullTranscript served by the loop.
type State struct {
	ID        string
	CreatedAt time.Time
	EndedAt   time.Time
	Status    Status
	Mode      Mode

	CustomerConnected bool

	ControllerID            string
	LastControllerID        string
	TakenOverAt             time.Time
	SupervisorInterventions int
	takeoverTotal           time.Duration

	Frustration      Frustration
	EscalationCount  int
	EscalationAlerts []string

	FirstMessageAt time.Time
	LastMessageAt  time.Time

	transcript []TranscriptEntry
	seq        int64
}

func NewState(id string, now time.Time) *State {
	return &State{
		ID:          id,
		CreatedAt:   now,
		Status:      StatusWaiting,
		Mode:        ModeAI,
		Frustration: Frustration{Sentiment: "neutral"},
	}
}

// NextSeq hands out the per-session sequence number shared by transcript
// entries and broadcast events, so cross-producer ordering is observable.
func (s *State) NextSeq() int64 {
	s.seq++
	return s.seq
}

// Append adds one transcript entry and assigns it the next sequence number.
func (s *State) Append(role Role, content string, now time.Time) TranscriptEntry {
	entry := TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Seq:       s.NextSeq(),
	}
	s.transcript = append(s.transcript, entry)
	if s.FirstMessageAt.IsZero() {
		s.FirstMessageAt = now
	}
	s.LastMessageAt = now
	return entry
}

func (s *State) TranscriptLen() int {
	return len(s.transcript)
}

// FullTranscript returns an ordered copy for analytics and the end-of-call
// summary.
func (s *State) FullTranscript() []TranscriptEntry {
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// LastEntries returns up to n trailing transcript entries.
func (s *State) LastEntries(n int) []TranscriptEntry {
	if n <= 0 || len(s.transcript) == 0 {
		return nil
	}
	start := len(s.transcript) - n
	if start < 0 {
		start = 0
	}
	out := make([]TranscriptEntry, len(s.transcript)-start)
	copy(out, s.transcript[start:])
	return out
}

// RecordTakeover marks a supervisor takeover.
func (s *State) RecordTakeover(supervisorID string, now time.Time) {
	s.Mode = ModeHuman
	s.ControllerID = supervisorID
	s.LastControllerID = supervisorID
	s.TakenOverAt = now
	s.SupervisorInterventions++
}

// RecordHandback clears the controller and accumulates the takeover span.
func (s *State) RecordHandback(now time.Time) {
	if !s.TakenOverAt.IsZero() {
		s.takeoverTotal += now.Sub(s.TakenOverAt)
	}
	s.Mode = ModeAI
	s.ControllerID = ""
	s.TakenOverAt = time.Time{}
}

// TakeoverDuration is the total time the session spent under human control.
func (s *State) TakeoverDuration(now time.Time) time.Duration {
	total := s.takeoverTotal
	if !s.TakenOverAt.IsZero() {
		total += now.Sub(s.TakenOverAt)
	}
	return total
}

// Snapshot is the serializable view of a session. It deliberately carries no
// transport handles and no AI binding.
type Snapshot struct {
	ID                      string      `json:"id"`
	CreatedAt               time.Time   `json:"createdAt"`
	EndedAt                 *time.Time  `json:"endedAt,omitempty"`
	Status                  Status      `json:"status"`
	Mode                    Mode        `json:"mode"`
	CustomerConnected       bool        `json:"customerConnected"`
	ControllerID            string      `json:"controllerId,omitempty"`
	TranscriptLength        int         `json:"transcriptLength"`
	LastMessage             string      `json:"lastMessage,omitempty"`
	Frustration             Frustration `json:"frustration"`
	SupervisorInterventions int         `json:"supervisorInterventions"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		ID:                      s.ID,
		CreatedAt:               s.CreatedAt,
		Status:                  s.Status,
		Mode:                    s.Mode,
		CustomerConnected:       s.CustomerConnected,
		ControllerID:            s.ControllerID,
		TranscriptLength:        len(s.transcript),
		Frustration:             s.Frustration,
		SupervisorInterventions: s.SupervisorInterventions,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		snap.EndedAt = &ended
	}
	if n := len(s.transcript); n > 0 {
		snap.LastMessage = s.transcript[n-1].Content
	}
	return snap
}
