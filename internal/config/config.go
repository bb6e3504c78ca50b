// Package config loads process configuration from the environment. An
// optional .env file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve in minimal containers

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lalithlochan/classpush/internal/scheduler"
)

// ErrInvalidConfig wraps every parse and validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Env      string `envconfig:"ENV" default:"development" validate:"oneof=development staging production test"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Push     PushConfig
	Schedule ScheduleConfig
	AWS      AWSConfig
	Report   ReportConfig
	Breaker  BreakerConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	AdminAPIKey     string        `envconfig:"ADMIN_API_KEY"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Per-IP limit on the registration endpoints. Needs Redis.
	RegisterRateLimit  int           `envconfig:"REGISTER_RATE_LIMIT" default:"30" validate:"min=1"`
	RegisterRateWindow time.Duration `envconfig:"REGISTER_RATE_WINDOW" default:"1m"`
}

type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres redis"`
}

type DatabaseConfig struct {
	URL      string `envconfig:"DATABASE_URL"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"classpush"`
	Password string `envconfig:"DB_PASSWORD"`
	Name     string `envconfig:"DB_NAME" default:"classpush"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`
}

// RedisConfig is optional unless STORE_DRIVER=redis. An empty host disables
// rate limiting and idempotency replay.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

type PushConfig struct {
	Driver            string        `envconfig:"PUSH_DRIVER" default:"fcm" validate:"oneof=fcm log"`
	ProjectID         string        `envconfig:"FIREBASE_PROJECT_ID"`
	ClientEmail       string        `envconfig:"FIREBASE_CLIENT_EMAIL"`
	PrivateKey        string        `envconfig:"FIREBASE_PRIVATE_KEY"`
	CredentialsFile   string        `envconfig:"FIREBASE_CREDENTIALS_FILE"`
	SendTimeout       time.Duration `envconfig:"PUSH_SEND_TIMEOUT" default:"10s"`
	FanOutConcurrency int           `envconfig:"FANOUT_CONCURRENCY" default:"16" validate:"min=1,max=256"`
}

type ScheduleConfig struct {
	Timezone            string    `envconfig:"TIMEZONE" default:"Asia/Seoul" validate:"required"`
	StartCron           string    `envconfig:"START_CRON" default:"0 8 * * 1-5" validate:"required"`
	StopCron            string    `envconfig:"STOP_CRON" default:"30 16 * * 1-5" validate:"required"`
	WakeIntervalMinutes int       `envconfig:"WAKE_INTERVAL_MINUTES" default:"10" validate:"oneof=1 2 3 4 5 6 10 12 15 20 30 60"`
	ActiveHours         HourRange `envconfig:"ACTIVE_HOURS" default:"8-16"`
	ActiveWeekdays      []int     `envconfig:"ACTIVE_WEEKDAYS" default:"1,2,3,4,5" validate:"min=1,dive,min=0,max=6"`
}

type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	SNSTopicARN string `envconfig:"SNS_TOPIC_ARN"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ReportConfig enables the operator webhook that receives cycle summaries.
// Timeout caps the whole reporter chain after each fan-out.
type ReportConfig struct {
	WebhookURL     string        `envconfig:"CYCLE_WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret  string        `envconfig:"CYCLE_WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `envconfig:"CYCLE_WEBHOOK_TIMEOUT" default:"10s"`
	Timeout        time.Duration `envconfig:"CYCLE_REPORT_TIMEOUT" default:"3s"`
}

type BreakerConfig struct {
	MaxFailures     int           `envconfig:"BREAKER_MAX_FAILURES" default:"5" validate:"min=1"`
	RecoveryTimeout time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"30s"`
}

// HourRange is an inclusive "from-to" range of hours, e.g. "8-16".
type HourRange struct {
	From int
	To   int
}

// Decode implements envconfig.Decoder.
func (h *HourRange) Decode(value string) error {
	from, to, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return fmt.Errorf("hour range %q must look like 8-16", value)
	}
	f, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return fmt.Errorf("hour range %q: %w", value, err)
	}
	t, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return fmt.Errorf("hour range %q: %w", value, err)
	}
	if f < 0 || t > 23 || f > t {
		return fmt.Errorf("hour range %q out of bounds", value)
	}
	h.From, h.To = f, t
	return nil
}

func (h HourRange) String() string { return fmt.Sprintf("%d-%d", h.From, h.To) }

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints plus the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Store.Driver == "redis" && !c.Redis.Enabled() {
		return fmt.Errorf("%w: STORE_DRIVER=redis requires REDIS_HOST", ErrInvalidConfig)
	}
	if _, err := c.Schedule.Window(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Window converts the schedule settings into a scheduler.WindowConfig.
func (s ScheduleConfig) Window() (scheduler.WindowConfig, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return scheduler.WindowConfig{}, fmt.Errorf("TIMEZONE %q: %w", s.Timezone, err)
	}

	weekdays := make([]time.Weekday, 0, len(s.ActiveWeekdays))
	for _, d := range s.ActiveWeekdays {
		weekdays = append(weekdays, time.Weekday(d))
	}

	cfg := scheduler.WindowConfig{
		StartCron:      s.StartCron,
		StopCron:       s.StopCron,
		WakeInterval:   time.Duration(s.WakeIntervalMinutes) * time.Minute,
		ActiveHours:    scheduler.ActiveHours{From: s.ActiveHours.From, To: s.ActiveHours.To},
		ActiveWeekdays: weekdays,
		Location:       loc,
	}
	if _, err := scheduler.NewScheduleWindow(cfg); err != nil {
		return scheduler.WindowConfig{}, err
	}
	return cfg, nil
}
