package consultation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-telehealth/backend/internal/models"
)

// State is the lifecycle state of a consultation session.
type State string

const (
	StateEmpty  State = "empty"
	StateActive State = "active"
	StateClosed State = "closed"
)

// Member is one connected participant socket.
type Member struct {
	ParticipantID uuid.UUID   `json:"participant_id"`
	Role          models.Role `json:"role"`
	SocketID      string      `json:"socket_id"`
	JoinedAt      time.Time   `json:"joined_at"`
}

// session is the registry's mutable entry. Only the registry touches it.
type session struct {
	id            uuid.UUID
	state         State
	createdAt     time.Time
	startedAt     *time.Time
	members       map[string]*Member   // socketID -> member
	byParticipant map[uuid.UUID]string // participantID -> socketID
	epoch         uint64               // bumped on every join
	peak          int
}

func newSession(id uuid.UUID, now time.Time) *session {
	return &session{
		id:            id,
		state:         StateEmpty,
		createdAt:     now,
		members:       make(map[string]*Member),
		byParticipant: make(map[uuid.UUID]string),
	}
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		CreatedAt: s.createdAt,
		Peak:      s.peak,
		Members:   make([]Member, 0, len(s.members)),
	}
	if s.startedAt != nil {
		t := *s.startedAt
		snap.StartedAt = &t
	}
	for _, m := range s.members {
		snap.Members = append(snap.Members, *m)
	}
	sortMembers(snap.Members)
	return snap
}

// Snapshot is a consistent copy of a session taken under the registry lock.
type Snapshot struct {
	ID        uuid.UUID  `json:"appointment_id"`
	State     State      `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Peak      int        `json:"peak_participants"`
	Members   []Member   `json:"participants"`
}

// InProgress reports whether the consultation has been started.
func (s Snapshot) InProgress() bool { return s.StartedAt != nil }

// Sockets returns the socket ids of all members.
func (s Snapshot) Sockets() []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.SocketID)
	}
	return out
}

// Summary describes a finished consultation.
type Summary struct {
	AppointmentID uuid.UUID     `json:"appointment_id"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       time.Time     `json:"ended_at"`
	Duration      time.Duration `json:"-"`
	Peak          int           `json:"peak_participants"`
	EndedBy       uuid.UUID     `json:"ended_by"`
}

// DurationSeconds is Duration in whole seconds.
func (s Summary) DurationSeconds() int64 { return int64(s.Duration / time.Second) }

// FormatDuration renders d as "Xm Ys".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
