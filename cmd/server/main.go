// Package main runs the consultation API server with the signaling websocket,
// the inline job worker and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-telehealth/backend/config"
	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/appointments"
	"github.com/aura-telehealth/backend/internal/auth"
	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/middleware"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/internal/notifications"
	"github.com/aura-telehealth/backend/internal/realtime"
	"github.com/aura-telehealth/backend/internal/records"
	"github.com/aura-telehealth/backend/internal/sessionlog"
	"github.com/aura-telehealth/backend/internal/worker"
	"github.com/aura-telehealth/backend/pkg/database"
	"github.com/aura-telehealth/backend/pkg/queue"
	"github.com/aura-telehealth/backend/pkg/redis"
	"github.com/aura-telehealth/backend/pkg/response"
	"github.com/aura-telehealth/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client := newS3(ctx, cfg, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Consultation core
	appointmentRepo := appointments.NewRepository(pool)
	registry := consultation.NewRegistry(clockwork.NewRealClock(), cfg.Consultation.MaxParticipants)
	ctrl := consultation.NewController(registry, appointmentRepo, notifications.NewQueueNotifier(jobQueue), consultation.Options{
		GracePeriod: cfg.Consultation.GracePeriod(),
		Evaluator:   access.New(cfg.Consultation.Location),
		Logger:      logger.Named("consultation"),
	})

	// Signaling relay; state events fan out through Redis so every instance's hub sees them
	bus := realtime.NewRedisEventBus(rdb.Client, logger)
	hub := realtime.NewHub(ctrl, bus, logger.Named("relay"))
	ctrl.SetTerminator(hub)
	ctrl.SetStatePublisher(bus)

	// Records and attendance
	recordRepo := records.NewRepository(pool)
	ctrl.SetRecordKeeper(records.NewKeeper(recordRepo, jobQueue, logger))
	attendanceRepo := sessionlog.NewRepository(pool)
	ctrl.SetAttendanceLogger(attendanceRepo)

	var presigner records.Presigner
	if s3Client != nil {
		presigner = s3Client
	}

	notificationRepo := notifications.NewRepository(pool)

	consultationHandler := consultation.NewHandler(ctrl, logger)
	attendanceHandler := sessionlog.NewHandler(attendanceRepo, ctrl, logger)
	recordsHandler := records.NewHandler(recordRepo, ctrl, presigner, logger)
	notificationHandler := notifications.NewHandler(notificationRepo, logger)
	iceServers := realtime.ICEServers(cfg.WebRTC.ICEUrls, cfg.WebRTC.TURNUsername, cfg.WebRTC.TURNCredential)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health"))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
	})

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Consultation lifecycle
		api.GET("/appointments/:id/check-access", consultationHandler.CheckAccess)
		api.POST("/appointments/:id/end-consultation", consultationHandler.End)
		api.POST("/consultations/:id/start", consultationHandler.Start)
		api.POST("/consultations/:id/end", consultationHandler.End)
		api.GET("/consultations/:id", consultationHandler.Get)
		api.GET("/consultations/:id/attendance", attendanceHandler.GetAttendance)
		api.GET("/consultations/:id/records", recordsHandler.List)
		api.GET("/admin/consultations", middleware.RequireRole(models.RoleAdmin), consultationHandler.List)

		// Notifications
		api.GET("/notifications", notificationHandler.List)
		api.PATCH("/notifications/:id/read", notificationHandler.MarkRead)

		api.GET("/webrtc/ice-servers", realtime.ICEServersHandler(iceServers))
	}

	// WebSocket (token in query or Authorization header)
	router.GET("/ws", realtime.ServeWs(hub, jwtService.Validate, logger.Named("ws")))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Background worker (notifications and consultation reports)
	if cfg.Worker.Inline {
		dispatcher := newDispatcher(jobQueue, notificationRepo, recordRepo, attendanceRepo, s3Client, logger)
		g.Go(func() error {
			dispatcher.Run(gctx)
			return nil
		})
	}

	runErr := g.Wait()
	ctrl.Wait()
	if runErr != nil {
		logger.Error("server", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// newS3 returns nil when S3 is not configured or cannot be reached.
func newS3(ctx context.Context, cfg *config.Config, logger *zap.Logger) *storage.S3 {
	if cfg.AWS.Region == "" {
		return nil
	}
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		ReportsBucket:        cfg.AWS.ReportsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Warn("s3 disabled", zap.Error(err))
		return nil
	}
	return s3Client
}

func newDispatcher(q *queue.Queue, notes *notifications.Repository, recs *records.Repository, attendance *sessionlog.Repository, s3Client *storage.S3, logger *zap.Logger) *worker.Dispatcher {
	d := worker.NewDispatcher(q, logger.Named("worker"))
	d.Handle(queue.JobTypeNotification, queue.QueueNotifications, worker.NewNotificationProcessor(notes, logger))
	if s3Client != nil {
		d.Handle(queue.JobTypeSessionReport, queue.QueueReports, worker.NewReportProcessor(recs, attendance, s3Client, logger))
	} else {
		logger.Warn("report processor disabled: S3 not configured")
	}
	return d
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
