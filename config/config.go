package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	WebRTC       WebRTCConfig
	AWS          AWSConfig
	Consultation ConsultationConfig
	Worker       WorkerConfig
	Probe        ProbeConfig
}

// WebRTCConfig holds STUN/TURN ICE server URLs for WebRTC.
type WebRTCConfig struct {
	ICEUrls        []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUsername   string
	TURNCredential string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	ShutdownTimeout    int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/telehealth?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the reports bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	ReportsBucket        string
	PresignExpireMinutes int
}

// ConsultationConfig tunes the live session lifecycle.
type ConsultationConfig struct {
	GracePeriodSec  int
	MaxParticipants int    // 0 = no cap
	Timezone        string // IANA name used to interpret appointment date and time
	Location        *time.Location
}

// GracePeriod returns how long an empty session is kept for reconnects.
func (c ConsultationConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// WorkerConfig controls background job processing.
type WorkerConfig struct {
	Inline bool // run the job dispatcher inside the API server
}

// ProbeConfig configures the headless participant in cmd/probe.
type ProbeConfig struct {
	BaseURL       string
	Token         string
	AppointmentID string
	AudioOnly     bool
	Start         bool
	PollSec       int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			ShutdownTimeout:    getEnvInt("SHUTDOWN_TIMEOUT_SEC", 15),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "telehealth"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:        splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername:   getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNCredential: getEnv("WEBRTC_TURN_CREDENTIAL", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			ReportsBucket:        getEnv("AWS_S3_REPORTS_BUCKET", "telehealth-consultation-reports"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Consultation: ConsultationConfig{
			GracePeriodSec:  getEnvInt("CONSULTATION_GRACE_PERIOD_SEC", 30),
			MaxParticipants: getEnvInt("CONSULTATION_MAX_PARTICIPANTS", 0),
			Timezone:        getEnv("CONSULTATION_TIMEZONE", "UTC"),
		},
		Worker: WorkerConfig{
			Inline: getEnvBool("WORKER_INLINE", true),
		},
		Probe: ProbeConfig{
			BaseURL:       getEnv("PROBE_BASE_URL", "http://localhost:8080"),
			Token:         getEnv("PROBE_TOKEN", ""),
			AppointmentID: getEnv("PROBE_APPOINTMENT_ID", ""),
			AudioOnly:     getEnvBool("PROBE_AUDIO_ONLY", false),
			Start:         getEnvBool("PROBE_START", false),
			PollSec:       getEnvInt("PROBE_POLL_SEC", 30),
		},
	}

	loc, err := time.LoadLocation(cfg.Consultation.Timezone)
	if err != nil {
		return nil, fmt.Errorf("CONSULTATION_TIMEZONE %q: %w", cfg.Consultation.Timezone, err)
	}
	cfg.Consultation.Location = loc
	if cfg.Consultation.GracePeriodSec <= 0 {
		return nil, fmt.Errorf("CONSULTATION_GRACE_PERIOD_SEC must be positive, got %d", cfg.Consultation.GracePeriodSec)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
