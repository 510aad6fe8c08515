package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/pkg/signaling"
)

const (
	connEventBacklog = 32
	subscriberBuffer = 16
)

// Options configures a Coordinator.
type Options struct {
	AppointmentID uuid.UUID
	UserID        uuid.UUID
	Role          string
	AudioOnly     bool // skip the audio+video attempt
	Media         MediaSource
	Signaler      Signaler
	NewConnection ConnectionFactory
	Logger        *zap.Logger
}

// Coordinator runs one participant's side of a consultation: it joins the
// room, offers to everyone already present, answers newcomers and keeps one
// connection per remote socket.
type Coordinator struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
	// socketID -> negotiation; mutated only by Run
	peers map[string]*remotePeer

	local      LocalMedia
	connEvents chan connEvent
	leave      chan struct{}
	leaveOnce  sync.Once
	done       chan struct{}
}

type remotePeer struct {
	socketID  string
	conn      Connection
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
}

type connEvent struct {
	socketID string
	conn     Connection
	state    webrtc.PeerConnectionState
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Media == nil {
		opts.Media = SyntheticSource{}
	}
	if opts.NewConnection == nil {
		opts.NewConnection = PionFactory(webrtc.Configuration{})
	}
	return &Coordinator{
		opts:       opts,
		logger:     opts.Logger.With(zap.String("appointment_id", opts.AppointmentID.String())),
		state:      StateIdle,
		subs:       make(map[int]chan State),
		peers:      make(map[string]*remotePeer),
		connEvents: make(chan connEvent, connEventBacklog),
		leave:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel of state transitions. Slow subscribers miss
// intermediate states; State always returns the latest.
func (c *Coordinator) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan State, subscriberBuffer)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Peers returns the remote sockets with an open connection.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Leave asks Run to announce leave-consultation and stop.
func (c *Coordinator) Leave() {
	c.leaveOnce.Do(func() { close(c.leave) })
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run acquires media, joins the consultation and processes relay messages
// until the consultation ends, Leave is called or ctx is cancelled. Local
// tracks and all connections are released on return.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.teardown()

	c.setState(StateAcquiringMedia)
	local, err := acquire(ctx, c.opts.Media, c.opts.AudioOnly)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.local = local
	c.logger.Info("local media acquired", zap.Bool("video", local.HasVideo()))

	c.setState(StateJoining)
	join := signaling.JoinPayload{
		AppointmentID: c.opts.AppointmentID.String(),
		UserID:        c.opts.UserID.String(),
		UserType:      c.opts.Role,
	}
	if err := c.opts.Signaler.Send(signaling.EventJoin, join); err != nil {
		c.setState(StateFailed)
		return err
	}

	msgs := c.opts.Signaler.Messages()
	for {
		select {
		case <-ctx.Done():
			c.sendLeave()
			c.setState(StateEnded)
			return nil
		case <-c.leave:
			c.sendLeave()
			c.setState(StateEnded)
			return nil
		case ev := <-c.connEvents:
			c.onConnState(ev)
		case msg, ok := <-msgs:
			if !ok {
				c.setState(StateFailed)
				return ErrSignalingClosed
			}
			stop, err := c.handle(msg)
			if stop {
				return err
			}
		}
	}
}

// handle processes one relay message. stop ends Run with err.
func (c *Coordinator) handle(msg signaling.WSMessage) (stop bool, err error) {
	switch msg.Event {
	case signaling.EventExistingParticipants:
		var list []signaling.Participant
		if err := msg.Decode(&list); err != nil {
			c.logger.Warn("bad existing-participants", zap.Error(err))
			return false, nil
		}
		if len(list) == 0 {
			c.setState(StateWaiting)
			return false, nil
		}
		for _, p := range list {
			c.initiate(p.SocketID)
		}
		c.recompute()

	case signaling.EventUserJoined:
		var p signaling.Participant
		if err := msg.Decode(&p); err == nil {
			c.logger.Info("participant joined, waiting for offer", zap.String("socket_id", p.SocketID), zap.String("role", p.Role))
		}
		if s := c.State(); s == StateJoining || s == StatePeerDisconnected {
			c.setState(StateWaiting)
		}

	case signaling.EventOffer:
		var p signaling.SignalPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Warn("bad offer", zap.Error(err))
			return false, nil
		}
		c.answer(p)

	case signaling.EventAnswer:
		var p signaling.SignalPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Warn("bad answer", zap.Error(err))
			return false, nil
		}
		c.applyAnswer(p)

	case signaling.EventICECandidate:
		var p signaling.SignalPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Warn("bad ice-candidate", zap.Error(err))
			return false, nil
		}
		c.addCandidate(p)

	case signaling.EventUserLeft:
		var p signaling.Participant
		if err := msg.Decode(&p); err != nil {
			return false, nil
		}
		if c.removePeer(p.SocketID) {
			c.logger.Info("participant left", zap.String("socket_id", p.SocketID))
			c.recompute()
		}

	case signaling.EventConsultationEnded:
		var p signaling.EndedPayload
		_ = msg.Decode(&p)
		c.logger.Info("consultation ended", zap.String("duration", p.Duration))
		c.setState(StateEnded)
		return true, nil

	case signaling.EventSessionReplaced:
		c.logger.Warn("session taken over by another connection")
		c.setState(StateEnded)
		return true, ErrSessionReplaced

	case signaling.EventError:
		var p signaling.ErrorPayload
		_ = msg.Decode(&p)
		if c.State() == StateJoining {
			c.setState(StateFailed)
			return true, &JoinError{Code: p.Code, Reason: p.Reason, Message: p.Message, Category: p.Category}
		}
		c.logger.Warn("relay error", zap.String("code", p.Code), zap.String("message", p.Message))

	default:
		c.logger.Debug("relay event", zap.String("event", msg.Event))
	}
	return false, nil
}

// initiate creates a connection toward an existing participant and sends the offer.
func (c *Coordinator) initiate(socketID string) {
	p, err := c.peer(socketID)
	if err != nil {
		c.logger.Error("create connection", zap.String("socket_id", socketID), zap.Error(err))
		return
	}
	offer, err := p.conn.CreateOffer(nil)
	if err == nil {
		err = p.conn.SetLocalDescription(offer)
	}
	if err != nil {
		c.dropPeer(socketID, "create offer", err)
		return
	}
	c.signal(signaling.EventOffer, socketID, func(sp *signaling.SignalPayload, raw json.RawMessage) { sp.Offer = raw }, offer)
}

func (c *Coordinator) answer(sp signaling.SignalPayload) {
	offer, err := decodeDescription(sp.Offer)
	if err != nil {
		c.logger.Warn("bad offer sdp", zap.String("from", sp.From), zap.Error(err))
		return
	}
	p, err := c.peer(sp.From)
	if err != nil {
		c.logger.Error("create connection", zap.String("socket_id", sp.From), zap.Error(err))
		return
	}
	if err := c.setRemote(p, offer); err != nil {
		c.dropPeer(sp.From, "apply offer", err)
		return
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err == nil {
		err = p.conn.SetLocalDescription(answer)
	}
	if err != nil {
		c.dropPeer(sp.From, "create answer", err)
		return
	}
	c.signal(signaling.EventAnswer, sp.From, func(sp *signaling.SignalPayload, raw json.RawMessage) { sp.Answer = raw }, answer)
	c.recompute()
}

func (c *Coordinator) applyAnswer(sp signaling.SignalPayload) {
	p, ok := c.peers[sp.From]
	if !ok {
		c.logger.Info("answer from unknown socket, dropping", zap.String("from", sp.From))
		return
	}
	answer, err := decodeDescription(sp.Answer)
	if err != nil {
		c.logger.Warn("bad answer sdp", zap.String("from", sp.From), zap.Error(err))
		return
	}
	if err := c.setRemote(p, answer); err != nil {
		c.dropPeer(sp.From, "apply answer", err)
	}
}

// addCandidate applies a remote candidate, or buffers it until the remote
// description is set. Candidates may overtake the offer they belong to.
func (c *Coordinator) addCandidate(sp signaling.SignalPayload) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(sp.Candidate, &cand); err != nil {
		c.logger.Warn("bad ice candidate", zap.String("from", sp.From), zap.Error(err))
		return
	}
	p, err := c.peer(sp.From)
	if err != nil {
		c.logger.Error("create connection", zap.String("socket_id", sp.From), zap.Error(err))
		return
	}
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		return
	}
	if err := p.conn.AddICECandidate(cand); err != nil {
		c.logger.Warn("add ice candidate", zap.String("from", sp.From), zap.Error(err))
	}
}

func (c *Coordinator) setRemote(p *remotePeer, desc webrtc.SessionDescription) error {
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteSet = true
	for _, cand := range p.pending {
		if err := p.conn.AddICECandidate(cand); err != nil {
			c.logger.Warn("add buffered ice candidate", zap.String("socket_id", p.socketID), zap.Error(err))
		}
	}
	p.pending = nil
	return nil
}

// peer returns the negotiation for socketID, creating the connection and
// attaching local tracks on first use.
func (c *Coordinator) peer(socketID string) (*remotePeer, error) {
	if p, ok := c.peers[socketID]; ok {
		return p, nil
	}
	if socketID == "" {
		return nil, errors.New("missing socket id")
	}
	conn, err := c.opts.NewConnection()
	if err != nil {
		return nil, err
	}
	if c.local != nil {
		for _, t := range c.local.Tracks() {
			if _, err := conn.AddTrack(t); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
		}
	}
	conn.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.signal(signaling.EventICECandidate, socketID, func(sp *signaling.SignalPayload, raw json.RawMessage) { sp.Candidate = raw }, cand.ToJSON())
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case c.connEvents <- connEvent{socketID: socketID, conn: conn, state: s}:
		case <-c.done:
		}
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("remote track", zap.String("socket_id", socketID), zap.String("kind", track.Kind().String()))
	})

	p := &remotePeer{socketID: socketID, conn: conn, state: webrtc.PeerConnectionStateNew}
	c.mu.Lock()
	c.peers[socketID] = p
	c.mu.Unlock()
	return p, nil
}

func (c *Coordinator) removePeer(socketID string) bool {
	c.mu.Lock()
	p, ok := c.peers[socketID]
	delete(c.peers, socketID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.conn.Close(); err != nil {
		c.logger.Debug("close connection", zap.String("socket_id", socketID), zap.Error(err))
	}
	return true
}

func (c *Coordinator) dropPeer(socketID, what string, err error) {
	c.logger.Error(what, zap.String("socket_id", socketID), zap.Error(err))
	c.removePeer(socketID)
	c.recompute()
}

func (c *Coordinator) onConnState(ev connEvent) {
	p, ok := c.peers[ev.socketID]
	if !ok || p.conn != ev.conn {
		return
	}
	p.state = ev.state
	c.logger.Debug("connection state", zap.String("socket_id", ev.socketID), zap.String("state", ev.state.String()))
	c.recompute()
}

// recompute derives the coordinator state from its connections.
func (c *Coordinator) recompute() {
	if c.State().Terminal() {
		return
	}
	if len(c.peers) == 0 {
		switch c.State() {
		case StateConnecting, StateConnected:
			c.setState(StatePeerDisconnected)
		}
		return
	}
	connected, broken := 0, 0
	for _, p := range c.peers {
		switch p.state {
		case webrtc.PeerConnectionStateConnected:
			connected++
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			broken++
		}
	}
	switch {
	case connected > 0:
		c.setState(StateConnected)
	case broken == len(c.peers):
		c.setState(StatePeerDisconnected)
	default:
		c.setState(StateConnecting)
	}
}

// signal sends a negotiation message to socketID; set stores the encoded body.
func (c *Coordinator) signal(event, socketID string, set func(*signaling.SignalPayload, json.RawMessage), body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("encode "+event, zap.Error(err))
		return
	}
	sp := signaling.SignalPayload{AppointmentID: c.opts.AppointmentID.String(), To: socketID}
	set(&sp, raw)
	if err := c.opts.Signaler.Send(event, sp); err != nil {
		c.logger.Warn("send "+event, zap.String("to", socketID), zap.Error(err))
	}
}

func (c *Coordinator) sendLeave() {
	if c.State() == StateIdle || c.State().Terminal() {
		return
	}
	if err := c.opts.Signaler.Send(signaling.EventLeave, signaling.RoomPayload{AppointmentID: c.opts.AppointmentID.String()}); err != nil {
		c.logger.Debug("send leave", zap.Error(err))
	}
}

func (c *Coordinator) teardown() {
	for id := range c.peers {
		c.removePeer(id)
	}
	if c.local != nil {
		c.local.Stop()
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.logger.Info("state", zap.String("from", c.state.String()), zap.String("to", s.String()))
	c.state = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, errors.New("empty session description")
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, err
	}
	return desc, nil
}
