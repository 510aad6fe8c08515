package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/aura-telehealth/backend/pkg/signaling"
)

// fakeSignaler is an in-memory relay endpoint.
type fakeSignaler struct {
	in chan signaling.WSMessage

	mu   sync.Mutex
	sent []signaling.WSMessage
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{in: make(chan signaling.WSMessage, 32)}
}

func (s *fakeSignaler) Send(event string, payload interface{}) error {
	msg, err := signaling.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) Messages() <-chan signaling.WSMessage { return s.in }

func (s *fakeSignaler) Close() error { return nil }

func (s *fakeSignaler) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	msg, err := signaling.Encode(event, payload)
	require.NoError(t, err)
	s.in <- msg
}

func (s *fakeSignaler) sentEvents(event string) []signaling.WSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.WSMessage
	for _, m := range s.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// waitSent waits for the n-th (1-based) message of event and returns it.
func (s *fakeSignaler) waitSent(t *testing.T, event string, n int) signaling.WSMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sentEvents(event)) >= n }, 2*time.Second, 5*time.Millisecond, "no %s sent", event)
	return s.sentEvents(event)[n-1]
}

// fakeConn records negotiation calls. Connected fires once both
// descriptions are set.
type fakeConn struct {
	name string

	mu          sync.Mutex
	tracks      int
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	remoteFirst bool // remote description was set before the first candidate
	closed      bool
	onState     func(webrtc.PeerConnectionState)
	onCandidate func(*webrtc.ICECandidate)
	fired       bool
	emitICE     bool
}

func (f *fakeConn) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil, nil
}

func (f *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + f.name}, nil
}

func (f *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + f.name}, nil
}

func (f *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = &d
	emit := f.emitICE
	f.mu.Unlock()
	if emit {
		f.candidate(&webrtc.ICECandidate{
			Foundation: "1",
			Priority:   2130706431,
			Address:    "127.0.0.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       5000,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	f.maybeConnected()
	return nil
}

func (f *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remote = &d
	f.mu.Unlock()
	f.maybeConnected()
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return fmt.Errorf("%s: remote description not set", f.name)
	}
	if len(f.candidates) == 0 {
		f.remoteFirst = true
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		go fn(s)
	}
}

func (f *fakeConn) candidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		go fn(c)
	}
}

func (f *fakeConn) maybeConnected() {
	f.mu.Lock()
	ready := f.local != nil && f.remote != nil && !f.fired
	if ready {
		f.fired = true
	}
	f.mu.Unlock()
	if ready {
		f.setState(webrtc.PeerConnectionStateConnected)
	}
}

func (f *fakeConn) snapshot() (local, remote *webrtc.SessionDescription, candidates []webrtc.ICECandidateInit, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local, f.remote, append([]webrtc.ICECandidateInit(nil), f.candidates...), f.closed
}

// connFactory hands out fakeConns and remembers them in creation order.
type connFactory struct {
	name    string
	emitICE bool
	mu      sync.Mutex
	conns   []*fakeConn
}

func (cf *connFactory) New() (Connection, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	c := &fakeConn{name: fmt.Sprintf("%s-%d", cf.name, len(cf.conns)), emitICE: cf.emitICE}
	cf.conns = append(cf.conns, c)
	return c, nil
}

func (cf *connFactory) created() []*fakeConn {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return append([]*fakeConn(nil), cf.conns...)
}

// fakeSource fails the constraints listed in deny.
type fakeSource struct {
	denyVideo bool
	denyAudio bool
	mu        sync.Mutex
	attempts  []Constraints
	media     *fakeMedia
}

func (s *fakeSource) Acquire(_ context.Context, c Constraints) (LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, c)
	if c.Video && s.denyVideo {
		return nil, ErrNoDevice
	}
	if c.Audio && s.denyAudio {
		return nil, ErrPermissionDenied
	}
	s.media = &fakeMedia{video: c.Video}
	return s.media, nil
}

type fakeMedia struct {
	video   bool
	mu      sync.Mutex
	stopped bool
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) HasVideo() bool { return m.video }

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
