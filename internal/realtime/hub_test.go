package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/signaling"
)

var (
	doctorID  = uuid.MustParse("00000000-0000-0000-0000-00000000d0c7")
	patientID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
)

type memStore struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*models.Appointment
}

func (s *memStore) GetAppointment(_ context.Context, id uuid.UUID) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) SetStatus(_ context.Context, id uuid.UUID, status models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appts[id].Status = status
	return nil
}

type relayFixture struct {
	hub   *Hub
	ctrl  *consultation.Controller
	clock clockwork.FakeClock
	appt  *models.Appointment
}

func newRelayFixture(t *testing.T, at time.Time) *relayFixture {
	t.Helper()
	appt := &models.Appointment{
		ID:               uuid.New(),
		PatientID:        patientID,
		DoctorID:         doctorID,
		ScheduledDate:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ScheduledTime:    "10:00",
		ConsultationType: models.ConsultationOnline,
		Status:           models.StatusConfirmed,
	}
	clock := clockwork.NewFakeClockAt(at)
	store := &memStore{appts: map[uuid.UUID]*models.Appointment{appt.ID: appt}}
	ctrl := consultation.NewController(consultation.NewRegistry(clock, 0), store, nil, consultation.Options{
		Clock:     clock,
		Evaluator: access.New(time.UTC),
	})
	hub := NewHub(ctrl, nil, zap.NewNop())
	ctrl.SetTerminator(hub)
	ctrl.SetStatePublisher(hub)
	t.Cleanup(ctrl.Wait)
	return &relayFixture{hub: hub, ctrl: ctrl, clock: clock, appt: appt}
}

func (f *relayFixture) connect(userID uuid.UUID) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    f.hub,
		send:   make(chan signaling.WSMessage, sendBufferSize),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	f.hub.Register(c)
	return c
}

func (f *relayFixture) join(t *testing.T, c *Client) {
	t.Helper()
	f.hub.HandleMessage(c, mustEncode(t, signaling.EventJoin, signaling.JoinPayload{AppointmentID: f.appt.ID.String()}))
}

func mustEncode(t *testing.T, event string, payload interface{}) signaling.WSMessage {
	t.Helper()
	msg, err := signaling.Encode(event, payload)
	require.NoError(t, err)
	return msg
}

// next returns the next queued message for c, skipping session-state
// broadcasts, which are published asynchronously.
func next(t *testing.T, c *Client) signaling.WSMessage {
	t.Helper()
	for {
		select {
		case msg := <-c.send:
			if msg.Event == signaling.EventSessionState {
				continue
			}
			return msg
		case <-time.After(time.Second):
			t.Fatalf("no message for socket %s", c.ID)
			return signaling.WSMessage{}
		}
	}
}

func expectEvent(t *testing.T, c *Client, event string, v interface{}) {
	t.Helper()
	msg := next(t, c)
	require.Equal(t, event, msg.Event, "payload: %s", string(msg.Data))
	if v != nil {
		require.NoError(t, json.Unmarshal(msg.Data, v))
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	for {
		select {
		case msg := <-c.send:
			if msg.Event == signaling.EventSessionState {
				continue
			}
			t.Fatalf("unexpected %s for socket %s: %s", msg.Event, c.ID, string(msg.Data))
		default:
			return
		}
	}
}

func inWindow() time.Time { return time.Date(2025, 6, 1, 9, 50, 0, 0, time.UTC) }

func TestHub_JoinAnnouncesParticipants(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)

	f.join(t, doctor)
	var existing []signaling.Participant
	expectEvent(t, doctor, signaling.EventExistingParticipants, &existing)
	assert.Empty(t, existing)

	f.join(t, patient)
	expectEvent(t, patient, signaling.EventExistingParticipants, &existing)
	require.Len(t, existing, 1)
	assert.Equal(t, doctor.ID, existing[0].SocketID)
	assert.Equal(t, "doctor", existing[0].Role)

	var joined signaling.Participant
	expectEvent(t, doctor, signaling.EventUserJoined, &joined)
	assert.Equal(t, patient.ID, joined.SocketID)
	assert.Equal(t, patientID.String(), joined.UserID)
	expectSilence(t, patient)
}

func TestHub_RepeatJoinIsSilent(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, patient)
	next(t, doctor)
	next(t, doctor)
	next(t, patient)

	f.join(t, patient)
	expectSilence(t, patient)
	expectSilence(t, doctor)
	assert.Len(t, f.ctrl.Peers(f.appt.ID, doctor.ID), 1)
}

func TestHub_JoinOutsideWindowSendsError(t *testing.T) {
	f := newRelayFixture(t, time.Date(2025, 6, 1, 9, 40, 0, 0, time.UTC))
	doctor := f.connect(doctorID)

	f.join(t, doctor)
	var p signaling.ErrorPayload
	expectEvent(t, doctor, signaling.EventError, &p)
	assert.Equal(t, "too early", p.Reason)
	assert.Equal(t, "timing", p.Category)
	require.NotNil(t, p.OpensAt)

	_, ok := f.ctrl.SessionOf(doctor.ID)
	assert.False(t, ok)
}

func TestHub_JoinByStrangerRejected(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	stranger := f.connect(uuid.New())

	f.join(t, stranger)
	var p signaling.ErrorPayload
	expectEvent(t, stranger, signaling.EventError, &p)
	assert.Equal(t, "not authorized", p.Reason)
}

func TestHub_RelaysOnlyToAddressedPeer(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, patient)
	next(t, doctor) // existing-participants
	next(t, doctor) // user-joined
	next(t, patient)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	f.hub.HandleMessage(patient, mustEncode(t, signaling.EventOffer, signaling.SignalPayload{
		AppointmentID: f.appt.ID.String(),
		Offer:         offer,
		To:            doctor.ID,
	}))

	var got signaling.SignalPayload
	expectEvent(t, doctor, signaling.EventOffer, &got)
	assert.Equal(t, patient.ID, got.From)
	assert.Empty(t, got.To)
	assert.JSONEq(t, string(offer), string(got.Offer))
	expectSilence(t, patient)

	f.hub.HandleMessage(doctor, mustEncode(t, signaling.EventICECandidate, signaling.SignalPayload{
		Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`),
		To:        patient.ID,
	}))
	expectEvent(t, patient, signaling.EventICECandidate, &got)
	assert.Equal(t, doctor.ID, got.From)
}

func TestHub_RelayDropsTargetsOutsideSession(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	outsider := f.connect(patientID)
	f.join(t, doctor)
	next(t, doctor)

	// outsider is connected but never joined
	f.hub.HandleMessage(doctor, mustEncode(t, signaling.EventOffer, signaling.SignalPayload{
		Offer: json.RawMessage(`{}`),
		To:    outsider.ID,
	}))
	expectSilence(t, outsider)
	expectSilence(t, doctor)

	// and cannot signal before joining
	f.hub.HandleMessage(outsider, mustEncode(t, signaling.EventAnswer, signaling.SignalPayload{
		Answer: json.RawMessage(`{}`),
		To:     doctor.ID,
	}))
	var p signaling.ErrorPayload
	expectEvent(t, outsider, signaling.EventError, &p)
	assert.Equal(t, "not_joined", p.Code)
	expectSilence(t, doctor)
}

func TestHub_ToggleBroadcastsToOthers(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, patient)
	next(t, doctor)
	next(t, doctor)
	next(t, patient)

	f.hub.HandleMessage(patient, mustEncode(t, signaling.EventToggleVideo, signaling.TogglePayload{
		AppointmentID: f.appt.ID.String(),
		Enabled:       false,
	}))
	var p signaling.TogglePayload
	expectEvent(t, doctor, signaling.EventPeerVideoToggle, &p)
	assert.False(t, p.Enabled)
	assert.Equal(t, patient.ID, p.From)
	expectSilence(t, patient)
}

func TestHub_LeaveAndDisconnectNotifyOthers(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, patient)
	next(t, doctor)
	next(t, doctor)
	next(t, patient)

	f.hub.HandleMessage(patient, mustEncode(t, signaling.EventLeave, signaling.RoomPayload{AppointmentID: f.appt.ID.String()}))
	var left signaling.Participant
	expectEvent(t, doctor, signaling.EventUserLeft, &left)
	assert.Equal(t, patient.ID, left.SocketID)

	// a second leave is a no-op
	f.hub.HandleMessage(patient, mustEncode(t, signaling.EventLeave, signaling.RoomPayload{AppointmentID: f.appt.ID.String()}))
	expectSilence(t, doctor)

	f.join(t, patient)
	next(t, patient)
	next(t, doctor)
	f.hub.Unregister(patient)
	expectEvent(t, doctor, signaling.EventUserLeft, &left)
	assert.Equal(t, patient.ID, left.SocketID)
	assert.Equal(t, 1, f.hub.ConnectionCount())
}

func TestHub_ReconnectReplacesOldSocket(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	oldPatient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, oldPatient)
	next(t, doctor)
	next(t, doctor)
	next(t, oldPatient)

	newPatient := f.connect(patientID)
	f.join(t, newPatient)

	expectEvent(t, oldPatient, signaling.EventSessionReplaced, nil)
	var left signaling.Participant
	expectEvent(t, doctor, signaling.EventUserLeft, &left)
	assert.Equal(t, oldPatient.ID, left.SocketID)
	var joined signaling.Participant
	expectEvent(t, doctor, signaling.EventUserJoined, &joined)
	assert.Equal(t, newPatient.ID, joined.SocketID)

	var existing []signaling.Participant
	expectEvent(t, newPatient, signaling.EventExistingParticipants, &existing)
	require.Len(t, existing, 1)
	assert.Equal(t, doctor.ID, existing[0].SocketID)

	// the replaced socket can no longer signal
	f.hub.HandleMessage(oldPatient, mustEncode(t, signaling.EventOffer, signaling.SignalPayload{Offer: json.RawMessage(`{}`), To: doctor.ID}))
	expectEvent(t, oldPatient, signaling.EventError, nil)
	expectSilence(t, doctor)
}

func TestHub_EndDisconnectsEveryone(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	patient := f.connect(patientID)
	f.join(t, doctor)
	f.join(t, patient)
	next(t, doctor)
	next(t, doctor)
	next(t, patient)

	_, err := f.ctrl.Start(context.Background(), f.appt.ID, doctorID)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Minute)
	_, err = f.ctrl.End(context.Background(), f.appt.ID, doctorID)
	require.NoError(t, err)

	for _, c := range []*Client{doctor, patient} {
		var p signaling.EndedPayload
		expectEvent(t, c, signaling.EventConsultationEnded, &p)
		assert.Equal(t, int64(180), p.DurationSeconds)
		assert.Equal(t, "3m 0s", p.Duration)
		_, ok := f.ctrl.SessionOf(c.ID)
		assert.False(t, ok)
	}
}

func TestHub_PublishStateReachesRoom(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	f.join(t, doctor)
	next(t, doctor)
	f.ctrl.Wait()
	for len(doctor.send) > 0 {
		<-doctor.send
	}

	started := time.Date(2025, 6, 1, 9, 50, 0, 0, time.UTC)
	require.NoError(t, f.hub.PublishState(context.Background(), consultation.StateEvent{
		SessionID:    f.appt.ID,
		State:        consultation.StateActive,
		InProgress:   true,
		StartedAt:    &started,
		Participants: 1,
	}))

	select {
	case msg := <-doctor.send:
		require.Equal(t, signaling.EventSessionState, msg.Event)
		var p signaling.SessionStatePayload
		require.NoError(t, msg.Decode(&p))
		assert.True(t, p.InProgress)
		assert.Equal(t, "active", p.State)
	case <-time.After(time.Second):
		t.Fatal("no session-state delivered")
	}
}

func TestHub_UnknownEventIgnored(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	doctor := f.connect(doctorID)
	f.hub.HandleMessage(doctor, signaling.WSMessage{Event: "dance"})
	expectSilence(t, doctor)
}

// gatedSubscriber blocks SubscribeSession until release is closed.
type gatedSubscriber struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	stopped int
}

func newGatedSubscriber() *gatedSubscriber {
	return &gatedSubscriber{entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (s *gatedSubscriber) SubscribeSession(ctx context.Context, _ uuid.UUID, _ func(string, []byte)) (func(), error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}, nil
}

func (s *gatedSubscriber) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (f *relayFixture) subscriptions() int {
	f.hub.mu.RLock()
	defer f.hub.mu.RUnlock()
	return len(f.hub.subs)
}

func TestHub_SlowSubscribeDoesNotBlockOtherSockets(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	sub := newGatedSubscriber()
	f.hub.sub = sub
	doctor := f.connect(doctorID)
	bystander := f.connect(uuid.New())

	joinMsg := mustEncode(t, signaling.EventJoin, signaling.JoinPayload{AppointmentID: f.appt.ID.String()})
	joined := make(chan struct{})
	go func() {
		f.hub.HandleMessage(doctor, joinMsg)
		close(joined)
	}()
	<-sub.entered

	sent := make(chan bool, 1)
	go func() {
		sent <- f.hub.sendTo(bystander.ID, signaling.EventError, signaling.ErrorPayload{Code: "ping"})
	}()
	select {
	case ok := <-sent:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send to an unrelated socket blocked behind a subscription handshake")
	}
	expectEvent(t, bystander, signaling.EventError, nil)
	assert.Equal(t, 2, f.hub.ConnectionCount())

	close(sub.release)
	<-joined
	expectEvent(t, doctor, signaling.EventExistingParticipants, nil)
	assert.Equal(t, 1, f.subscriptions())

	f.hub.HandleMessage(doctor, mustEncode(t, signaling.EventLeave, signaling.RoomPayload{AppointmentID: f.appt.ID.String()}))
	assert.Equal(t, 0, f.subscriptions())
	assert.Equal(t, 1, sub.stops())
}

func TestHub_SubscriptionDroppedWhenRoomEmptiesFirst(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	sub := newGatedSubscriber()
	f.hub.sub = sub
	doctor := f.connect(doctorID)

	joinMsg := mustEncode(t, signaling.EventJoin, signaling.JoinPayload{AppointmentID: f.appt.ID.String()})
	joined := make(chan struct{})
	go func() {
		f.hub.HandleMessage(doctor, joinMsg)
		close(joined)
	}()
	<-sub.entered

	f.hub.HandleMessage(doctor, mustEncode(t, signaling.EventLeave, signaling.RoomPayload{AppointmentID: f.appt.ID.String()}))
	close(sub.release)
	<-joined

	assert.Equal(t, 0, f.subscriptions())
	assert.Equal(t, 1, sub.stops())
}
