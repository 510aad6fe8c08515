package consultation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/models"
)

var (
	scheduledDay = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doctorID     = uuid.MustParse("00000000-0000-0000-0000-00000000d0c7")
	patientID    = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	strangerID   = uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
)

func clockAt(hour, minute int) clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC))
}

type fakeStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	appts    map[uuid.UUID]*models.Appointment
	setErr   error
	getErr   error
	statuses []models.AppointmentStatus
}

func newFakeStore(clock clockwork.Clock, appts ...*models.Appointment) *fakeStore {
	s := &fakeStore{clock: clock, appts: make(map[uuid.UUID]*models.Appointment)}
	for _, a := range appts {
		s.appts[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetAppointment(_ context.Context, id uuid.UUID) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) SetStatus(_ context.Context, id uuid.UUID, status models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	a, ok := s.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	now := s.clock.Now()
	a.Status = status
	switch status {
	case models.StatusInProgress:
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
	case models.StatusCompleted:
		a.EndedAt = &now
	}
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) setCalls() []models.AppointmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AppointmentStatus(nil), s.statuses...)
}

func (s *fakeStore) status(id uuid.UUID) models.AppointmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id].Status
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) notifications() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.sent...)
}

type endCall struct {
	sessionID uuid.UUID
	sockets   []string
	summary   Summary
}

type fakeTerminator struct {
	mu    sync.Mutex
	calls []endCall
}

func (t *fakeTerminator) EndSession(sessionID uuid.UUID, sockets []string, summary Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, endCall{sessionID: sessionID, sockets: sockets, summary: summary})
}

type fakePublisher struct {
	mu     sync.Mutex
	events []StateEvent
}

func (p *fakePublisher) PublishState(_ context.Context, ev StateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) states() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.State)
	}
	return out
}

type fakeAttendance struct {
	mu     sync.Mutex
	joins  []Member
	leaves []Member
}

func (a *fakeAttendance) LogJoin(_ context.Context, _ uuid.UUID, m Member) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joins = append(a.joins, m)
	return nil
}

func (a *fakeAttendance) LogLeave(_ context.Context, _ uuid.UUID, m Member) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves = append(a.leaves, m)
	return nil
}

func onlineAppointment(status models.AppointmentStatus) *models.Appointment {
	return &models.Appointment{
		ID:               uuid.New(),
		PatientID:        patientID,
		DoctorID:         doctorID,
		ScheduledDate:    scheduledDay,
		ScheduledTime:    "10:00",
		ConsultationType: models.ConsultationOnline,
		Status:           status,
	}
}

type harness struct {
	clock      clockwork.FakeClock
	store      *fakeStore
	notifier   *fakeNotifier
	terminator *fakeTerminator
	publisher  *fakePublisher
	attendance *fakeAttendance
	registry   *Registry
	ctrl       *Controller
	appt       *models.Appointment
}

func newHarness(clock clockwork.FakeClock, appt *models.Appointment) *harness {
	h := &harness{
		clock:      clock,
		store:      newFakeStore(clock, appt),
		notifier:   &fakeNotifier{},
		terminator: &fakeTerminator{},
		publisher:  &fakePublisher{},
		attendance: &fakeAttendance{},
		registry:   NewRegistry(clock, 0),
		appt:       appt,
	}
	h.ctrl = NewController(h.registry, h.store, h.notifier, Options{
		Clock:     clock,
		Evaluator: access.New(time.UTC),
	})
	h.ctrl.SetTerminator(h.terminator)
	h.ctrl.SetStatePublisher(h.publisher)
	h.ctrl.SetAttendanceLogger(h.attendance)
	return h
}
