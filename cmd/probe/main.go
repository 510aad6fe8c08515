// Package main runs a headless consultation participant. It waits for the
// access window, optionally starts the consultation, joins through the relay
// with synthetic media and logs every state change until the consultation
// ends or it is interrupted.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-telehealth/backend/config"
	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/auth"
	"github.com/aura-telehealth/backend/internal/peer"
	"github.com/aura-telehealth/backend/internal/realtime"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := run(cfg.Probe, logger); err != nil {
		logger.Error("probe", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(pc config.ProbeConfig, logger *zap.Logger) error {
	appointmentID, err := uuid.Parse(pc.AppointmentID)
	if err != nil {
		return errors.New("PROBE_APPOINTMENT_ID must be a uuid")
	}
	claims, err := auth.PeekClaims(pc.Token)
	if err != nil {
		return errors.New("PROBE_TOKEN is not a valid access token")
	}
	logger = logger.With(zap.String("appointment_id", appointmentID.String()), zap.String("user_id", claims.UserID.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := &peer.API{BaseURL: pc.BaseURL, Token: pc.Token}
	poller := peer.NewAccessPoller(api, nil, time.Duration(pc.PollSec)*time.Second, logger)
	poller.OnStatus = func(r access.Result) {
		if r.OpensAt != nil {
			logger.Info("waiting for consultation window", zap.Time("opens_at", *r.OpensAt))
		}
	}
	if _, err := poller.WaitUntilOpen(ctx, appointmentID); err != nil {
		return err
	}

	if pc.Start {
		if err := api.Start(ctx, appointmentID); err != nil {
			return err
		}
		logger.Info("consultation started")
	}

	iceServers, err := api.ICEServers(ctx)
	if err != nil {
		logger.Warn("ice servers unavailable, using default", zap.Error(err))
		iceServers = []webrtc.ICEServer{{URLs: []string{realtime.DefaultICEURL}}}
	}

	sig, err := peer.DialSignaler(ctx, api.WebSocketURL(), pc.Token, logger)
	if err != nil {
		return err
	}
	defer sig.Close()

	coord := peer.NewCoordinator(peer.Options{
		AppointmentID: appointmentID,
		UserID:        claims.UserID,
		Role:          string(claims.Role),
		AudioOnly:     pc.AudioOnly,
		Media:         peer.SyntheticSource{StreamID: claims.UserID.String()},
		Signaler:      sig,
		NewConnection: peer.PionFactory(webrtc.Configuration{ICEServers: iceServers}),
		Logger:        logger,
	})
	states, unsubscribe := coord.Subscribe()
	defer unsubscribe()
	go func() {
		for s := range states {
			logger.Info("participant state", zap.String("state", s.String()), zap.Strings("peers", coord.Peers()))
		}
	}()

	return coord.Run(ctx)
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
