package peer

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/auth"
	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/internal/realtime"
)

type oneAppointment struct {
	mu   sync.Mutex
	appt models.Appointment
}

func (s *oneAppointment) GetAppointment(_ context.Context, id uuid.UUID) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.appt.ID {
		return nil, nil
	}
	cp := s.appt
	return &cp, nil
}

func (s *oneAppointment) SetStatus(_ context.Context, _ uuid.UUID, status models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appt.Status = status
	return nil
}

// TestCoordinators_ConnectThroughRelay runs a doctor and a patient
// coordinator against the real relay and controller.
func TestCoordinators_ConnectThroughRelay(t *testing.T) {
	doctor, patient := uuid.New(), uuid.New()
	store := &oneAppointment{appt: models.Appointment{
		ID:               uuid.New(),
		PatientID:        patient,
		DoctorID:         doctor,
		ScheduledDate:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ScheduledTime:    "10:00",
		ConsultationType: models.ConsultationOnline,
		Status:           models.StatusConfirmed,
	}}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 50, 0, 0, time.UTC))
	ctrl := consultation.NewController(consultation.NewRegistry(clock, 0), store, nil, consultation.Options{
		Clock:     clock,
		Evaluator: access.New(time.UTC),
	})
	hub := realtime.NewHub(ctrl, nil, zap.NewNop())
	ctrl.SetTerminator(hub)
	ctrl.SetStatePublisher(hub)
	t.Cleanup(ctrl.Wait)

	jwtService := auth.NewJWTService("secret", 1)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", realtime.ServeWs(hub, jwtService.Validate, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := func(userID uuid.UUID, role models.Role) *Coordinator {
		token, err := jwtService.Generate(userID, string(role)+"@example.com", role)
		require.NoError(t, err)
		sig, err := DialSignaler(ctx, wsURL, token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sig.Close() })
		c := NewCoordinator(Options{
			AppointmentID: store.appt.ID,
			UserID:        userID,
			Role:          string(role),
			Media:         &fakeSource{},
			Signaler:      sig,
			NewConnection: (&connFactory{name: string(role)}).New,
		})
		go func() { _ = c.Run(ctx) }()
		t.Cleanup(func() { <-c.Done() })
		return c
	}

	doc := start(doctor, models.RoleDoctor)
	require.Eventually(t, func() bool { return doc.State() == StateWaiting }, 3*time.Second, 10*time.Millisecond)

	pat := start(patient, models.RolePatient)
	require.Eventually(t, func() bool {
		return doc.State() == StateConnected && pat.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond, "doctor %s, patient %s", doc.State(), pat.State())
	assert.Len(t, doc.Peers(), 1)
	assert.Len(t, pat.Peers(), 1)

	pat.Leave()
	<-pat.Done()
	require.Eventually(t, func() bool { return doc.State() == StatePeerDisconnected }, 3*time.Second, 10*time.Millisecond)

	_, err := ctrl.End(context.Background(), store.appt.ID, doctor)
	require.NoError(t, err)
	select {
	case <-doc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("doctor did not see consultation-ended")
	}
	assert.Equal(t, StateEnded, doc.State())
}
