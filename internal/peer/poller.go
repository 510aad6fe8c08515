package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
)

// DefaultPollInterval is how often the access status is refreshed while waiting.
const DefaultPollInterval = 30 * time.Second

// AccessChecker evaluates access for the caller.
type AccessChecker interface {
	CheckAccess(ctx context.Context, appointmentID uuid.UUID) (access.Result, error)
}

// NotJoinableError is returned when the appointment can never be joined.
type NotJoinableError struct {
	Result access.Result
}

func (e *NotJoinableError) Error() string {
	return fmt.Sprintf("consultation not joinable (%s): %s", e.Result.Reason, e.Result.Message)
}

// AccessPoller refreshes the access status until the consultation opens.
type AccessPoller struct {
	checker  AccessChecker
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
	// OnStatus is called with every successful check.
	OnStatus func(access.Result)
}

// NewAccessPoller creates a poller. clock may be nil for the real clock.
func NewAccessPoller(checker AccessChecker, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *AccessPoller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessPoller{checker: checker, clock: clock, interval: interval, logger: logger}
}

// WaitUntilOpen checks immediately and then every interval. It returns once
// the consultation is accessible, with *NotJoinableError when it never will
// be, or ctx.Err() when cancelled. Failed checks are logged and retried.
func (p *AccessPoller) WaitUntilOpen(ctx context.Context, appointmentID uuid.UUID) (access.Result, error) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		res, err := p.checker.CheckAccess(ctx, appointmentID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return access.Result{}, ctx.Err()
			}
			p.logger.Warn("check access", zap.Error(err))
		case res.Accessible:
			p.status(res)
			return res, nil
		case res.Reason != access.ReasonTooEarly:
			p.status(res)
			return res, &NotJoinableError{Result: res}
		default:
			p.status(res)
		}

		select {
		case <-ctx.Done():
			return access.Result{}, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (p *AccessPoller) status(res access.Result) {
	p.logger.Info("access status", zap.Bool("accessible", res.Accessible), zap.String("reason", string(res.Reason)), zap.String("message", res.Message))
	if p.OnStatus != nil {
		p.OnStatus(res)
	}
}
