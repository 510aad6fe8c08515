package consultation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aura-telehealth/backend/internal/models"
)

// AddResult reports the effect of AddParticipant.
type AddResult struct {
	Members   int
	Evicted   string // previous socket of the same participant, if replaced
	Activated bool   // session moved from empty to active
	Unchanged bool   // socket was already joined; nothing was modified
}

// RemoveResult reports the effect of RemoveBySocket.
type RemoveResult struct {
	SessionID uuid.UUID
	Member    Member
	Remaining []Member
	Epoch     uint64
}

// Registry maps appointment ids to their live sessions. All mutations happen
// under one mutex and never perform I/O.
type Registry struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	sockets    map[string]uuid.UUID // socketID -> sessionID
	clock      clockwork.Clock
	maxMembers int
}

// NewRegistry creates an empty registry. maxMembers <= 0 means no cap.
func NewRegistry(clock clockwork.Clock, maxMembers int) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions:   make(map[uuid.UUID]*session),
		sockets:    make(map[string]uuid.UUID),
		clock:      clock,
		maxMembers: maxMembers,
	}
}

// GetOrCreate returns the session for id, creating an empty one if absent.
func (r *Registry) GetOrCreate(id uuid.UUID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, created := r.getOrCreateLocked(id)
	return s.snapshot(), created
}

func (r *Registry) getOrCreateLocked(id uuid.UUID) (*session, bool) {
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, r.clock.Now())
	r.sessions[id] = s
	return s, true
}

// Get returns the session for id if it exists.
func (r *Registry) Get(id uuid.UUID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddParticipant registers socketID for participantID in session id. A
// participant already present under another socket is replaced and the old
// socket is reported as evicted; it no longer belongs to any session.
func (r *Registry) AddParticipant(id, participantID uuid.UUID, role models.Role, socketID string) (AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, _ := r.getOrCreateLocked(id)
	var res AddResult

	oldSocket, rejoining := s.byParticipant[participantID]
	if rejoining && oldSocket == socketID {
		res.Members = len(s.members)
		res.Unchanged = true
		return res, nil
	}
	if !rejoining && r.maxMembers > 0 && len(s.members) >= r.maxMembers {
		return res, ErrSessionFull
	}

	// A socket lives in at most one session.
	if prev, ok := r.sockets[socketID]; ok && prev != id {
		r.removeLocked(socketID)
	}

	if rejoining {
		delete(s.members, oldSocket)
		delete(r.sockets, oldSocket)
		res.Evicted = oldSocket
	}

	s.members[socketID] = &Member{
		ParticipantID: participantID,
		Role:          role,
		SocketID:      socketID,
		JoinedAt:      r.clock.Now(),
	}
	s.byParticipant[participantID] = socketID
	r.sockets[socketID] = id
	s.epoch++
	if len(s.members) > s.peak {
		s.peak = len(s.members)
	}
	if s.state == StateEmpty {
		s.state = StateActive
		res.Activated = true
	}
	res.Members = len(s.members)
	return res, nil
}

// RemoveBySocket removes socketID from whichever session holds it.
func (r *Registry) RemoveBySocket(socketID string) (RemoveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(socketID)
}

func (r *Registry) removeLocked(socketID string) (RemoveResult, bool) {
	id, ok := r.sockets[socketID]
	if !ok {
		return RemoveResult{}, false
	}
	delete(r.sockets, socketID)
	s, ok := r.sessions[id]
	if !ok {
		return RemoveResult{}, false
	}
	m, ok := s.members[socketID]
	if !ok {
		return RemoveResult{}, false
	}
	delete(s.members, socketID)
	if s.byParticipant[m.ParticipantID] == socketID {
		delete(s.byParticipant, m.ParticipantID)
	}
	res := RemoveResult{SessionID: id, Member: *m, Epoch: s.epoch}
	for _, other := range s.members {
		res.Remaining = append(res.Remaining, *other)
	}
	sortMembers(res.Remaining)
	return res, true
}

// ListOthers returns every member of session id except excludingSocket.
func (r *Registry) ListOthers(id uuid.UUID, excludingSocket string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(s.members))
	for socketID, m := range s.members {
		if socketID != excludingSocket {
			out = append(out, *m)
		}
	}
	sortMembers(out)
	return out
}

// SessionOf returns the session a socket currently belongs to.
func (r *Registry) SessionOf(socketID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sockets[socketID]
	return id, ok
}

// MarkStarted records the start time once and returns the effective value.
func (r *Registry) MarkStarted(id uuid.UUID, at time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := r.getOrCreateLocked(id)
	if s.startedAt == nil {
		s.startedAt = &at
	}
	return *s.startedAt
}

// Close marks session id closed and discards it, returning its final state.
func (r *Registry) Close(id uuid.UUID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(id)
}

// CloseIfIdle closes session id only if it has no members and nobody joined
// since epoch was observed.
func (r *Registry) CloseIfIdle(id uuid.UUID, epoch uint64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || len(s.members) > 0 || s.epoch != epoch {
		return Snapshot{}, false
	}
	return r.closeLocked(id)
}

func (r *Registry) closeLocked(id uuid.UUID) (Snapshot, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := s.snapshot()
	snap.State = StateClosed
	s.state = StateClosed
	for socketID := range s.members {
		delete(r.sockets, socketID)
	}
	delete(r.sessions, id)
	return snap, true
}

// Epoch returns the join counter of session id.
func (r *Registry) Epoch(id uuid.UUID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	return s.epoch, true
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].SocketID < ms[j].SocketID
		}
		return ms[i].JoinedAt.Before(ms[j].JoinedAt)
	})
}
