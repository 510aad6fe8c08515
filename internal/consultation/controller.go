// Package consultation owns the live consultation session: the in-memory
// registry of connected participants and the lifecycle controller that
// starts, ends and expires sessions against the appointment store.
package consultation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/models"
)

const (
	// DefaultGracePeriod is how long an empty session survives to allow reconnects.
	DefaultGracePeriod = 30 * time.Second
	sideEffectTimeout  = 10 * time.Second
)

// AppointmentStore reads appointments and applies status transitions.
// GetAppointment returns nil, nil when the appointment does not exist.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.AppointmentStatus) error
}

// Notifier delivers a user notification. Failures are logged by the caller.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// RecordKeeper persists consultation records.
type RecordKeeper interface {
	Open(ctx context.Context, appointmentID uuid.UUID, startedAt time.Time) error
	Close(ctx context.Context, summary Summary) error
}

// AttendanceLogger records participant joins and leaves.
type AttendanceLogger interface {
	LogJoin(ctx context.Context, appointmentID uuid.UUID, m Member) error
	LogLeave(ctx context.Context, appointmentID uuid.UUID, m Member) error
}

// Terminator force-disconnects the sockets of an ended session.
type Terminator interface {
	EndSession(sessionID uuid.UUID, sockets []string, summary Summary)
}

// StateEvent is published on every session state transition.
type StateEvent struct {
	SessionID    uuid.UUID  `json:"appointment_id"`
	State        State      `json:"state"`
	InProgress   bool       `json:"in_progress"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Participants int        `json:"participants"`
}

// StatePublisher fans state events out to interested sockets.
type StatePublisher interface {
	PublishState(ctx context.Context, ev StateEvent) error
}

// Options configures a Controller.
type Options struct {
	GracePeriod time.Duration
	Clock       clockwork.Clock
	Evaluator   access.Evaluator
	Logger      *zap.Logger
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	SessionID uuid.UUID
	Role      models.Role
	Others    []Member
	Evicted   string
	Members   int

	// Repeat is set when the socket had already joined this session.
	Repeat bool
}

// StartResult is returned by Start.
type StartResult struct {
	StartedAt      time.Time `json:"started_at"`
	AlreadyStarted bool      `json:"already_started"`
}

// AccessCheck is the outcome of CheckAccess.
type AccessCheck struct {
	Appointment *models.Appointment
	Result      access.Result
}

// Controller drives the consultation lifecycle. Join, Start, End and grace
// expiry are linearized per session.
type Controller struct {
	registry   *Registry
	store      AppointmentStore
	notifier   Notifier
	records    RecordKeeper
	attendance AttendanceLogger
	terminator Terminator
	publisher  StatePublisher
	evaluator  access.Evaluator
	clock      clockwork.Clock
	grace      time.Duration
	locks      *keyedMutex
	logger     *zap.Logger

	timersMu sync.Mutex
	timers   map[uuid.UUID]*task

	wg sync.WaitGroup
}

// NewController creates a lifecycle controller over registry and store.
func NewController(registry *Registry, store AppointmentStore, notifier Notifier, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Controller{
		registry:  registry,
		store:     store,
		notifier:  notifier,
		evaluator: opts.Evaluator,
		clock:     opts.Clock,
		grace:     opts.GracePeriod,
		locks:     newKeyedMutex(),
		logger:    opts.Logger,
		timers:    make(map[uuid.UUID]*task),
	}
}

// SetTerminator sets the component that disconnects sockets of ended sessions.
func (c *Controller) SetTerminator(t Terminator) { c.terminator = t }

// SetStatePublisher sets where state transitions are published.
func (c *Controller) SetStatePublisher(p StatePublisher) { c.publisher = p }

// SetRecordKeeper sets the optional consultation record store.
func (c *Controller) SetRecordKeeper(r RecordKeeper) { c.records = r }

// SetAttendanceLogger sets the optional attendance log.
func (c *Controller) SetAttendanceLogger(l AttendanceLogger) { c.attendance = l }

// CheckAccess evaluates the access window for userID without side effects.
func (c *Controller) CheckAccess(ctx context.Context, sessionID, userID uuid.UUID) (*AccessCheck, error) {
	appt, _, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return &AccessCheck{Appointment: appt, Result: c.evaluator.Evaluate(appt, c.clock.Now())}, nil
}

// Join gates and registers socketID for userID in the session.
func (c *Controller) Join(ctx context.Context, sessionID, userID uuid.UUID, socketID string) (*JoinResult, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	appt, role, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if res := c.evaluator.Evaluate(appt, c.clock.Now()); !res.Accessible {
		return nil, &AccessError{Result: res}
	}

	add, err := c.registry.AddParticipant(sessionID, userID, role, socketID)
	if err != nil {
		return nil, err
	}
	if add.Unchanged {
		return &JoinResult{
			SessionID: sessionID,
			Role:      role,
			Others:    c.registry.ListOthers(sessionID, socketID),
			Members:   add.Members,
			Repeat:    true,
		}, nil
	}
	c.cancelGrace(sessionID)
	if appt.Status == models.StatusInProgress && appt.StartedAt != nil {
		c.registry.MarkStarted(sessionID, *appt.StartedAt)
	}

	member := Member{ParticipantID: userID, Role: role, SocketID: socketID, JoinedAt: c.clock.Now()}
	if add.Evicted != "" {
		evicted := member
		evicted.SocketID = add.Evicted
		c.logLeave(sessionID, evicted)
	}
	c.logJoin(sessionID, member)
	if add.Activated {
		c.publish(sessionID)
	}

	c.logger.Info("participant joined consultation",
		zap.String("appointment_id", sessionID.String()),
		zap.String("user_id", userID.String()),
		zap.String("socket_id", socketID),
		zap.Int("participants", add.Members),
	)
	return &JoinResult{
		SessionID: sessionID,
		Role:      role,
		Others:    c.registry.ListOthers(sessionID, socketID),
		Evicted:   add.Evicted,
		Members:   add.Members,
	}, nil
}

// Leave removes socketID from its session. When the session becomes empty a
// grace timer is armed; the session closes if nobody rejoins before it fires.
func (c *Controller) Leave(socketID string) (*RemoveResult, bool) {
	sessionID, ok := c.registry.SessionOf(socketID)
	if !ok {
		return nil, false
	}
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rm, ok := c.registry.RemoveBySocket(socketID)
	if !ok {
		return nil, false
	}
	c.logLeave(rm.SessionID, rm.Member)
	if len(rm.Remaining) == 0 {
		c.armGrace(rm.SessionID, rm.Epoch)
	}
	c.logger.Info("participant left consultation",
		zap.String("appointment_id", rm.SessionID.String()),
		zap.String("socket_id", socketID),
		zap.Int("participants", len(rm.Remaining)),
	)
	return &rm, true
}

// Start moves the appointment to in_progress. Only the first call writes to
// the store; later calls return the recorded start time.
func (c *Controller) Start(ctx context.Context, sessionID, userID uuid.UUID) (*StartResult, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	appt, _, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if res := c.evaluator.Evaluate(appt, c.clock.Now()); !res.Accessible {
		return nil, &AccessError{Result: res}
	}

	snap, created := c.registry.GetOrCreate(sessionID)
	if created {
		c.armGrace(sessionID, 0)
	}
	if snap.StartedAt != nil {
		return &StartResult{StartedAt: *snap.StartedAt, AlreadyStarted: true}, nil
	}
	if appt.Status == models.StatusInProgress {
		at := c.clock.Now()
		if appt.StartedAt != nil {
			at = *appt.StartedAt
		}
		return &StartResult{StartedAt: c.registry.MarkStarted(sessionID, at), AlreadyStarted: true}, nil
	}

	now := c.clock.Now()
	if err := c.store.SetStatus(ctx, sessionID, models.StatusInProgress); err != nil {
		c.logger.Error("start consultation: status update failed", zap.String("appointment_id", sessionID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}
	startedAt := c.registry.MarkStarted(sessionID, now)

	if c.records != nil {
		c.async("open record", func(ctx context.Context) error {
			return c.records.Open(ctx, sessionID, startedAt)
		})
	}
	c.notify(appt.Counterpart(userID), sessionID, models.NotificationConsultationStarted,
		"Your online consultation has started. Join now.")
	c.publish(sessionID)

	c.logger.Info("consultation started", zap.String("appointment_id", sessionID.String()), zap.String("user_id", userID.String()))
	return &StartResult{StartedAt: startedAt}, nil
}

// End completes the appointment, closes the session and force-disconnects
// every remaining socket. Only an in_progress appointment or one with a live
// session can be ended.
func (c *Controller) End(ctx context.Context, sessionID, userID uuid.UUID) (*Summary, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	appt, _, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	switch res := c.evaluator.Evaluate(appt, c.clock.Now()); res.Reason {
	case access.ReasonCompleted:
		return nil, ErrAlreadyCompleted
	case access.ReasonWrongType, access.ReasonNotApproved, access.ReasonTooEarly:
		return nil, &AccessError{Result: res}
	}
	live, hasSession := c.registry.Get(sessionID)
	if appt.Status != models.StatusInProgress && !hasSession {
		return nil, ErrNotStarted
	}

	now := c.clock.Now()
	startedAt := appt.StartedAt
	if hasSession && live.StartedAt != nil {
		startedAt = live.StartedAt
	}
	if err := c.store.SetStatus(ctx, sessionID, models.StatusCompleted); err != nil {
		c.logger.Error("end consultation: status update failed", zap.String("appointment_id", sessionID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}

	snap, closed := c.registry.Close(sessionID)
	c.cancelGrace(sessionID)

	summary := Summary{AppointmentID: sessionID, StartedAt: startedAt, EndedAt: now, Peak: snap.Peak, EndedBy: userID}
	if startedAt != nil {
		summary.Duration = now.Sub(*startedAt).Truncate(time.Second)
	}
	if closed {
		if c.terminator != nil && len(snap.Members) > 0 {
			c.terminator.EndSession(sessionID, snap.Sockets(), summary)
		}
		for _, m := range snap.Members {
			c.logLeave(sessionID, m)
		}
	}
	if c.records != nil {
		c.async("close record", func(ctx context.Context) error {
			return c.records.Close(ctx, summary)
		})
	}
	msg := "Consultation completed. Duration: " + FormatDuration(summary.Duration)
	c.notify(appt.PatientID, sessionID, models.NotificationConsultationCompleted, msg)
	c.notify(appt.DoctorID, sessionID, models.NotificationConsultationCompleted, msg)
	c.publishClosed(sessionID, startedAt)

	c.logger.Info("consultation ended",
		zap.String("appointment_id", sessionID.String()),
		zap.String("user_id", userID.String()),
		zap.Duration("duration", summary.Duration),
	)
	return &summary, nil
}

// Snapshot returns the live session state for a participant.
func (c *Controller) Snapshot(ctx context.Context, sessionID, userID uuid.UUID) (Snapshot, error) {
	if _, _, err := c.participant(ctx, sessionID, userID); err != nil {
		return Snapshot{}, err
	}
	if snap, ok := c.registry.Get(sessionID); ok {
		return snap, nil
	}
	return Snapshot{ID: sessionID, State: StateEmpty, Members: []Member{}}, nil
}

// Authorize reports whether userID may read data about the consultation.
// Admins may read any existing appointment; everyone else must be a
// participant.
func (c *Controller) Authorize(ctx context.Context, sessionID, userID uuid.UUID, role models.Role) error {
	if role == models.RoleAdmin {
		appt, err := c.store.GetAppointment(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("get appointment: %w", err)
		}
		if appt == nil {
			return ErrAppointmentNotFound
		}
		return nil
	}
	_, _, err := c.participant(ctx, sessionID, userID)
	return err
}

// List returns every live session.
func (c *Controller) List() []Snapshot { return c.registry.List() }

// SessionOf returns the session socketID is joined to.
func (c *Controller) SessionOf(socketID string) (uuid.UUID, bool) {
	return c.registry.SessionOf(socketID)
}

// Peers returns the members of sessionID other than excludingSocket.
func (c *Controller) Peers(sessionID uuid.UUID, excludingSocket string) []Member {
	return c.registry.ListOthers(sessionID, excludingSocket)
}

// Wait blocks until background side effects have finished.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) participant(ctx context.Context, sessionID, userID uuid.UUID) (*models.Appointment, models.Role, error) {
	appt, err := c.store.GetAppointment(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("get appointment: %w", err)
	}
	if appt == nil {
		return nil, "", ErrAppointmentNotFound
	}
	role, ok := appt.ParticipantRole(userID)
	if !ok {
		return nil, "", ErrNotParticipant
	}
	return appt, role, nil
}

func (c *Controller) armGrace(sessionID uuid.UUID, epoch uint64) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[sessionID]; ok {
		t.Cancel()
	}
	c.timers[sessionID] = schedule(c.clock, c.grace, func() { c.expire(sessionID, epoch) })
}

func (c *Controller) cancelGrace(sessionID uuid.UUID) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[sessionID]; ok {
		t.Cancel()
		delete(c.timers, sessionID)
	}
}

func (c *Controller) expire(sessionID uuid.UUID, epoch uint64) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	snap, ok := c.registry.CloseIfIdle(sessionID, epoch)
	if !ok {
		return
	}
	c.timersMu.Lock()
	delete(c.timers, sessionID)
	c.timersMu.Unlock()

	c.publishClosed(sessionID, snap.StartedAt)
	c.logger.Info("consultation session expired after grace period",
		zap.String("appointment_id", sessionID.String()),
		zap.Bool("in_progress", snap.InProgress()),
	)
}

func (c *Controller) publish(sessionID uuid.UUID) {
	if c.publisher == nil {
		return
	}
	snap, ok := c.registry.Get(sessionID)
	if !ok {
		return
	}
	ev := StateEvent{
		SessionID:    sessionID,
		State:        snap.State,
		InProgress:   snap.InProgress(),
		StartedAt:    snap.StartedAt,
		Participants: len(snap.Members),
	}
	c.async("publish state", func(ctx context.Context) error { return c.publisher.PublishState(ctx, ev) })
}

func (c *Controller) publishClosed(sessionID uuid.UUID, startedAt *time.Time) {
	if c.publisher == nil {
		return
	}
	ev := StateEvent{SessionID: sessionID, State: StateClosed, InProgress: startedAt != nil, StartedAt: startedAt}
	c.async("publish state", func(ctx context.Context) error { return c.publisher.PublishState(ctx, ev) })
}

func (c *Controller) notify(userID, appointmentID uuid.UUID, kind models.NotificationKind, msg string) {
	if c.notifier == nil {
		return
	}
	n := models.Notification{UserID: userID, AppointmentID: &appointmentID, Kind: kind, Message: msg}
	c.async("notify", func(ctx context.Context) error { return c.notifier.Notify(ctx, n) })
}

func (c *Controller) logJoin(sessionID uuid.UUID, m Member) {
	if c.attendance == nil {
		return
	}
	c.async("log join", func(ctx context.Context) error { return c.attendance.LogJoin(ctx, sessionID, m) })
}

func (c *Controller) logLeave(sessionID uuid.UUID, m Member) {
	if c.attendance == nil {
		return
	}
	c.async("log leave", func(ctx context.Context) error { return c.attendance.LogLeave(ctx, sessionID, m) })
}

// async runs a best-effort side effect off the session path.
func (c *Controller) async(what string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Warn(what+" failed", zap.Error(err))
		}
	}()
}
