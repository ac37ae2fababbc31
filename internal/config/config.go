// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/reflex/errs"
)

// APIConfig configures the HTTP ingest and admin surface. A zero
// RateLimitPerSecond disables per-client rate limiting.
type APIConfig struct {
	Host               string  `yaml:"host"`
	Port               int     `yaml:"port"`
	RateLimitPerSecond float64 `yaml:"rateLimitPerSecond"`
	RateLimitBurst     int     `yaml:"rateLimitBurst"`
}

// Addr returns the listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// EventsConfig tunes the event store retry policy.
type EventsConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
	ClaimBatchSize    int           `yaml:"claimBatchSize"`
	NotifyPollTimeout time.Duration `yaml:"notifyPollTimeout"`
}

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	MaxConcurrent   int           `yaml:"maxConcurrent"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
	LockWaitTimeout time.Duration `yaml:"lockWaitTimeout"`
}

// Lock backends.
const (
	LockBackendLocal    = "local"
	LockBackendAdvisory = "advisory"
)

// LockConfig selects the scope lock backend.
type LockConfig struct {
	Backend  string `yaml:"backend"`
	Replicas int    `yaml:"replicas"`
}

// TimerSpec declares a periodic event producer.
type TimerSpec struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
}

// TriggerSpec declares a script-backed trigger loaded at startup.
type TriggerSpec struct {
	Name     string   `yaml:"name"`
	Kinds    []string `yaml:"kinds"`
	Priority int      `yaml:"priority"`
	Script   string   `yaml:"script"`
}

// Settings is the unified application configuration.
type Settings struct {
	Environment string          `yaml:"environment"`
	DatabaseURL string          `yaml:"databaseUrl"`
	API         APIConfig       `yaml:"api"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Events      EventsConfig    `yaml:"events"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Lock        LockConfig      `yaml:"lock"`
	Timers      []TimerSpec     `yaml:"timers"`
	Triggers    []TriggerSpec   `yaml:"triggers"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		Environment: "development",
		API: APIConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Telemetry:   TelemetryConfig{ServiceName: "reflexd"},
		Events: EventsConfig{
			MaxAttempts:       3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     60 * time.Second,
			ClaimBatchSize:    100,
			NotifyPollTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:   10,
			DrainTimeout:    10 * time.Second,
			LockWaitTimeout: 30 * time.Second,
		},
		Lock: LockConfig{Backend: LockBackendLocal, Replicas: 1},
	}
}

// Load builds Settings with precedence: defaults, then YAML, then REFLEX_*
// environment variables. An empty path skips the YAML step; a missing file
// at an explicit path is an error.
func Load(path string) (Settings, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Settings{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *Settings) applyEnvOverrides() error {
	if v := os.Getenv("REFLEX_ENVIRONMENT"); v != "" {
		s.Environment = v
	}
	if v := os.Getenv("REFLEX_DATABASE_URL"); v != "" {
		s.DatabaseURL = v
	}
	if v := os.Getenv("REFLEX_API_HOST"); v != "" {
		s.API.Host = v
	}
	if v := os.Getenv("REFLEX_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_API_PORT: %w", err)
		}
		s.API.Port = port
	}
	if v := os.Getenv("REFLEX_API_RATE_LIMIT"); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: REFLEX_API_RATE_LIMIT: %w", err)
		}
		s.API.RateLimitPerSecond = limit
	}
	if v := os.Getenv("REFLEX_API_RATE_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_API_RATE_BURST: %w", err)
		}
		s.API.RateLimitBurst = burst
	}
	if v := os.Getenv("REFLEX_OTLP_ENDPOINT"); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("REFLEX_SERVICE_NAME"); v != "" {
		s.Telemetry.ServiceName = v
	}
	if v := os.Getenv("REFLEX_EVENT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_EVENT_MAX_ATTEMPTS: %w", err)
		}
		s.Events.MaxAttempts = n
	}
	if v := os.Getenv("REFLEX_EVENT_RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_EVENT_RETRY_BASE_DELAY: %w", err)
		}
		s.Events.RetryBaseDelay = d
	}
	if v := os.Getenv("REFLEX_EVENT_RETRY_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_EVENT_RETRY_MAX_DELAY: %w", err)
		}
		s.Events.RetryMaxDelay = d
	}
	if v := os.Getenv("REFLEX_LOCK_BACKEND"); v != "" {
		s.Lock.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REFLEX_LOCK_REPLICAS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REFLEX_LOCK_REPLICAS: %w", err)
		}
		s.Lock.Replicas = n
	}
	return nil
}

// Validate rejects configurations the runtime cannot honor.
func (s Settings) Validate() error {
	if s.Events.MaxAttempts <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("events.maxAttempts must be positive"))
	}
	if s.Events.RetryBaseDelay <= 0 || s.Events.RetryMaxDelay <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("retry delays must be positive"))
	}
	if s.Events.RetryBaseDelay > s.Events.RetryMaxDelay {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("retryBaseDelay exceeds retryMaxDelay"))
	}
	if s.API.Port <= 0 || s.API.Port > 65535 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("api.port out of range"))
	}
	if s.API.RateLimitPerSecond < 0 || s.API.RateLimitBurst < 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("api rate limit values must not be negative"))
	}
	if s.API.RateLimitPerSecond > 0 && s.API.RateLimitBurst == 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("api.rateLimitBurst required when rate limiting is enabled"))
	}
	switch s.Lock.Backend {
	case LockBackendLocal, LockBackendAdvisory:
	default:
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown lock backend %q", s.Lock.Backend)))
	}
	if s.Lock.Backend == LockBackendAdvisory && s.DatabaseURL == "" {
		return errs.New("config", errs.CodeInvalid,
			errs.WithMessage("advisory lock backend requires databaseUrl"))
	}
	seen := make(map[string]struct{}, len(s.Triggers))
	for _, spec := range s.Triggers {
		if spec.Name == "" {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("trigger name required"))
		}
		if _, dup := seen[spec.Name]; dup {
			return errs.New("config", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("duplicate trigger %q", spec.Name)))
		}
		seen[spec.Name] = struct{}{}
		if spec.Script == "" {
			return errs.New("config", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("trigger %q: script required", spec.Name)))
		}
	}
	for _, timer := range s.Timers {
		if timer.Name == "" || timer.Schedule == "" {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("timer name and schedule required"))
		}
	}
	return nil
}
