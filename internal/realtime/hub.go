// Package realtime is the consultation signaling relay: it routes
// negotiation messages between the sockets of a consultation room.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/pkg/signaling"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	joinTimeout      = 10 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Sessions is the lifecycle controller as seen by the relay.
type Sessions interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID, socketID string) (*consultation.JoinResult, error)
	Leave(socketID string) (*consultation.RemoveResult, bool)
	SessionOf(socketID string) (uuid.UUID, bool)
	Peers(sessionID uuid.UUID, excludingSocket string) []consultation.Member
}

// StateSubscriber subscribes to session events published by any instance.
// ctx bounds only the subscription handshake.
type StateSubscriber interface {
	SubscribeSession(ctx context.Context, sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub tracks connected sockets and relays signaling between members of the
// same consultation. Membership is owned by Sessions; the hub only keeps the
// local connection index.
type Hub struct {
	sessions Sessions
	clients  map[string]*Client
	// sessionID -> local sockets joined to it
	rooms  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	logger *zap.Logger
	sub    StateSubscriber
}

// NewHub creates a relay hub. sub may be nil for single-instance deployments.
func NewHub(sessions Sessions, sub StateSubscriber, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: sessions,
		clients:  make(map[string]*Client),
		rooms:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		sub:      sub,
	}
}

// Register adds a connected socket.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("socket connected", zap.String("socket_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Unregister handles a transport disconnect exactly like an explicit leave.
func (h *Hub) Unregister(c *Client) {
	h.leave(c)
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("socket disconnected", zap.String("socket_id", c.ID))
}

// ConnectionCount returns the number of connected sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage dispatches one inbound message from c.
func (h *Hub) HandleMessage(c *Client, msg signaling.WSMessage) {
	switch msg.Event {
	case signaling.EventJoin:
		h.join(c, msg)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate:
		h.relay(c, msg)
	case signaling.EventToggleAudio:
		h.broadcastToggle(c, msg, signaling.EventPeerAudioToggle)
	case signaling.EventToggleVideo:
		h.broadcastToggle(c, msg, signaling.EventPeerVideoToggle)
	case signaling.EventLeave:
		h.leave(c)
	default:
		h.logger.Debug("ignoring unknown event", zap.String("event", msg.Event), zap.String("socket_id", c.ID))
	}
}

func (h *Hub) join(c *Client, msg signaling.WSMessage) {
	var p signaling.JoinPayload
	if err := msg.Decode(&p); err != nil {
		h.sendError(c, "bad_request", err.Error())
		return
	}
	sessionID, err := uuid.Parse(p.AppointmentID)
	if err != nil {
		h.sendError(c, "bad_request", "invalid appointmentId")
		return
	}
	if p.UserID != "" && p.UserID != c.UserID.String() {
		h.logger.Warn("join payload user differs from token, using token identity",
			zap.String("socket_id", c.ID), zap.String("payload_user_id", p.UserID))
	}
	if prev, ok := h.sessions.SessionOf(c.ID); ok && prev != sessionID {
		h.leave(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	res, err := h.sessions.Join(ctx, sessionID, c.UserID, c.ID)
	if err != nil {
		h.sendJoinError(c, sessionID, err)
		return
	}
	if res.Repeat {
		h.logger.Debug("repeat join ignored", zap.String("socket_id", c.ID), zap.String("appointment_id", sessionID.String()))
		return
	}
	h.attach(c, sessionID)

	if res.Evicted != "" {
		h.evict(sessionID, res.Evicted, res.Others)
	}

	existing := make([]signaling.Participant, 0, len(res.Others))
	for _, m := range res.Others {
		existing = append(existing, participant(m))
	}
	h.send(c, signaling.EventExistingParticipants, existing)

	joined := signaling.Participant{SocketID: c.ID, UserID: c.UserID.String(), Role: string(res.Role)}
	for _, m := range res.Others {
		h.sendTo(m.SocketID, signaling.EventUserJoined, joined)
	}
}

// evict detaches a socket replaced by a reconnect of the same participant.
func (h *Hub) evict(sessionID uuid.UUID, socketID string, others []consultation.Member) {
	h.sendTo(socketID, signaling.EventSessionReplaced, signaling.RoomPayload{AppointmentID: sessionID.String()})
	h.detach(socketID, sessionID)
	left := signaling.Participant{SocketID: socketID}
	for _, m := range others {
		h.sendTo(m.SocketID, signaling.EventUserLeft, left)
	}
	h.logger.Info("socket replaced by reconnect", zap.String("appointment_id", sessionID.String()), zap.String("socket_id", socketID))
}

// relay forwards offer/answer/ice-candidate to the addressed socket only.
func (h *Hub) relay(c *Client, msg signaling.WSMessage) {
	var p signaling.SignalPayload
	if err := msg.Decode(&p); err != nil {
		h.sendError(c, "bad_request", err.Error())
		return
	}
	sessionID, ok := h.sessions.SessionOf(c.ID)
	if !ok {
		h.sendError(c, "not_joined", "join the consultation before signaling")
		return
	}
	if p.AppointmentID != "" && p.AppointmentID != sessionID.String() {
		h.sendError(c, "wrong_session", "appointmentId does not match the joined consultation")
		return
	}
	target := p.To
	if target == "" {
		h.sendError(c, "bad_request", "missing target socket")
		return
	}
	if targetSession, ok := h.sessions.SessionOf(target); !ok || targetSession != sessionID {
		h.logger.Info("signaling target not in session, dropping",
			zap.String("event", msg.Event), zap.String("from", c.ID), zap.String("to", target))
		return
	}
	p.AppointmentID = sessionID.String()
	p.From = c.ID
	p.To = ""
	if !h.sendTo(target, msg.Event, p) {
		h.logger.Info("signaling target not connected, dropping",
			zap.String("event", msg.Event), zap.String("from", c.ID), zap.String("to", target))
	}
}

func (h *Hub) broadcastToggle(c *Client, msg signaling.WSMessage, event string) {
	var p signaling.TogglePayload
	if err := msg.Decode(&p); err != nil {
		h.sendError(c, "bad_request", err.Error())
		return
	}
	sessionID, ok := h.sessions.SessionOf(c.ID)
	if !ok {
		h.sendError(c, "not_joined", "join the consultation first")
		return
	}
	out := signaling.TogglePayload{AppointmentID: sessionID.String(), Enabled: p.Enabled, From: c.ID}
	for _, m := range h.sessions.Peers(sessionID, c.ID) {
		h.sendTo(m.SocketID, event, out)
	}
}

func (h *Hub) leave(c *Client) {
	rm, ok := h.sessions.Leave(c.ID)
	if !ok {
		return
	}
	h.detach(c.ID, rm.SessionID)
	left := participant(rm.Member)
	for _, m := range rm.Remaining {
		h.sendTo(m.SocketID, signaling.EventUserLeft, left)
	}
}

// EndSession sends consultation-ended to every socket of an ended session and
// detaches them from the room.
func (h *Hub) EndSession(sessionID uuid.UUID, sockets []string, summary consultation.Summary) {
	payload := signaling.EndedPayload{
		AppointmentID:   sessionID.String(),
		DurationSeconds: summary.DurationSeconds(),
		Duration:        consultation.FormatDuration(summary.Duration),
	}
	for _, socketID := range sockets {
		h.sendTo(socketID, signaling.EventConsultationEnded, payload)
		h.detach(socketID, sessionID)
	}
}

// PublishState delivers a state event to the local sockets of the session.
func (h *Hub) PublishState(_ context.Context, ev consultation.StateEvent) error {
	data, err := json.Marshal(statePayload(ev))
	if err != nil {
		return err
	}
	h.broadcastLocal(ev.SessionID, signaling.EventSessionState, data)
	return nil
}

func (h *Hub) broadcastLocal(sessionID uuid.UUID, event string, data []byte) {
	msg := signaling.WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[sessionID]))
	for _, c := range h.rooms[sessionID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(msg)
	}
}

// attach indexes c under sessionID. The first local socket of a session
// starts the cross-instance subscription, outside h.mu.
func (h *Hub) attach(c *Client, sessionID uuid.UUID) {
	h.mu.Lock()
	first := h.rooms[sessionID] == nil
	if first {
		h.rooms[sessionID] = make(map[string]*Client)
	}
	h.rooms[sessionID][c.ID] = c
	h.mu.Unlock()

	if first && h.sub != nil {
		h.subscribe(sessionID)
	}
}

func (h *Hub) subscribe(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	stop, err := h.sub.SubscribeSession(ctx, sessionID, func(event string, payload []byte) {
		h.broadcastLocal(sessionID, event, payload)
	})
	if err != nil {
		h.logger.Warn("session subscribe failed", zap.String("appointment_id", sessionID.String()), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// The room may have emptied, or been recreated and subscribed by
	// another join, while the handshake was in flight.
	if _, live := h.rooms[sessionID]; !live || h.subs[sessionID] != nil {
		stop()
		return
	}
	h.subs[sessionID] = stop
}

func (h *Hub) detach(socketID string, sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, socketID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
		if cancel, ok := h.subs[sessionID]; ok {
			cancel()
			delete(h.subs, sessionID)
		}
	}
}

// sendTo queues an event for a connected socket. It reports false when the
// socket is gone or its buffer is full.
func (h *Hub) sendTo(socketID, event string, payload interface{}) bool {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.send(c, event, payload)
}

func (h *Hub) send(c *Client, event string, payload interface{}) bool {
	msg, err := signaling.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.enqueue(msg)
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.send(c, signaling.EventError, signaling.ErrorPayload{
		Code:     code,
		Message:  message,
		Category: string(access.CategoryTechnical),
	})
}

func (h *Hub) sendJoinError(c *Client, sessionID uuid.UUID, err error) {
	p := signaling.ErrorPayload{Code: "join_rejected"}
	var accessErr *consultation.AccessError
	switch {
	case errors.As(err, &accessErr):
		p.Reason = string(accessErr.Result.Reason)
		p.Message = accessErr.Result.Message
		p.Category = string(accessErr.Result.Category)
		p.OpensAt = accessErr.Result.OpensAt
	case errors.Is(err, consultation.ErrNotParticipant):
		p.Reason = "not authorized"
		p.Message = "You are not a participant of this consultation"
		p.Category = string(access.CategoryAuthorization)
	case errors.Is(err, consultation.ErrAppointmentNotFound):
		p.Reason = "not found"
		p.Message = "Appointment not found"
		p.Category = string(access.CategoryAuthorization)
	case errors.Is(err, consultation.ErrSessionFull):
		p.Reason = "session full"
		p.Message = "The consultation already has the maximum number of participants"
		p.Category = string(access.CategoryAuthorization)
	default:
		p.Reason = "unavailable"
		p.Message = "Could not join the consultation, please retry"
		p.Category = string(access.CategoryTechnical)
		h.logger.Error("join failed", zap.String("appointment_id", sessionID.String()), zap.String("socket_id", c.ID), zap.Error(err))
	}
	h.send(c, signaling.EventError, p)
}

func participant(m consultation.Member) signaling.Participant {
	return signaling.Participant{SocketID: m.SocketID, UserID: m.ParticipantID.String(), Role: string(m.Role)}
}

func statePayload(ev consultation.StateEvent) signaling.SessionStatePayload {
	return signaling.SessionStatePayload{
		AppointmentID: ev.SessionID.String(),
		State:         string(ev.State),
		InProgress:    ev.InProgress,
		StartedAt:     ev.StartedAt,
		Participants:  ev.Participants,
	}
}
