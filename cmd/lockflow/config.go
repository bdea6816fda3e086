package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/scheduler"
	"github.com/rendis/lockflow/internal/stages"
)

// Channel backends.
const (
	channelSQL    = "sql"
	channelMemory = "memory"
)

// Config holds all lockflow configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBPath            string                               `yaml:"db_path"`
	LogLevel          string                               `yaml:"log_level"`
	LogFormat         string                               `yaml:"log_format"`
	Channel           string                               `yaml:"channel"`
	Workers           int                                  `yaml:"workers"`
	BatchSize         int                                  `yaml:"batch_size"`
	PollInterval      time.Duration                        `yaml:"poll_interval"`
	VisibilityTimeout time.Duration                        `yaml:"visibility_timeout"`
	Retry             engine.RetryPolicy                   `yaml:"retry"`
	Schedule          scheduler.Config                     `yaml:"schedule"`
	SLA               exceptions.SLA                       `yaml:"sla"`
	Breaker           engine.CircuitBreakerConfig          `yaml:"breaker"`
	Guards            map[string]collaborators.GuardConfig `yaml:"guards,omitempty"`
	Pricing           collaborators.PricingConfig          `yaml:"pricing"`
	ComplianceRules   []collaborators.ComplianceRule       `yaml:"compliance_rules,omitempty"`
	EligibilityRules  []stages.EligibilityRule             `yaml:"eligibility_rules,omitempty"`
	IntakeFields      map[string]string                    `yaml:"intake_fields,omitempty"`
	// LOSFile is a JSON array of loan contexts served as the loan
	// origination system.
	LOSFile           string                               `yaml:"los_file,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(lockflowDir(), "lockflow.db"),
		LogLevel:          "info",
		LogFormat:         "json",
		Channel:           channelSQL,
		Workers:           4,
		BatchSize:         16,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             engine.DefaultRetryPolicy(),
		Schedule:          scheduler.DefaultConfig(),
		SLA:               exceptions.DefaultSLA(),
		Breaker:           engine.DefaultCircuitBreakerConfig(),
		Guards: map[string]collaborators.GuardConfig{
			collaborators.NameLOS:     {RPS: 20, Burst: 5, Timeout: 10 * time.Second},
			collaborators.NamePricing: {RPS: 10, Burst: 2, Timeout: 10 * time.Second},
		},
		Pricing: collaborators.DefaultPricingConfig(),
	}
}

func lockflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lockflow"
	}
	return filepath.Join(home, ".lockflow")
}

func settingsPath() string {
	return filepath.Join(lockflowDir(), "settings.yaml")
}

func binDir() string {
	return filepath.Join(lockflowDir(), "bin")
}

// loadConfig layers the settings file and the environment over the
// defaults. An empty path means LOCKFLOW_CONFIG or the default settings
// file; a missing default file is not an error, a missing explicit one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		if v := os.Getenv("LOCKFLOW_CONFIG"); v != "" {
			path, explicit = v, true
		} else {
			path = settingsPath()
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"LOCKFLOW_DB_PATH":         &cfg.DBPath,
		"LOCKFLOW_LOG_LEVEL":       &cfg.LogLevel,
		"LOCKFLOW_LOG_FORMAT":      &cfg.LogFormat,
		"LOCKFLOW_CHANNEL":         &cfg.Channel,
		"LOCKFLOW_SWEEP_CRON":      &cfg.Schedule.ExpirationSweep,
		"LOCKFLOW_ESCALATION_CRON": &cfg.Schedule.CaseEscalation,
		"LOCKFLOW_LOS_FILE":        &cfg.LOSFile,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LOCKFLOW_WORKERS":      &cfg.Workers,
		"LOCKFLOW_MAX_ATTEMPTS": &cfg.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"LOCKFLOW_RETRY_BASE_DELAY":   &cfg.Retry.BaseDelay,
		"LOCKFLOW_RETRY_MAX_DELAY":    &cfg.Retry.MaxDelay,
		"LOCKFLOW_VISIBILITY_TIMEOUT": &cfg.VisibilityTimeout,
		"LOCKFLOW_POLL_INTERVAL":      &cfg.PollInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" && c.Channel == channelSQL {
		errs = append(errs, errors.New("db_path is required for the sql channel"))
	}
	if c.Channel != channelSQL && c.Channel != channelMemory {
		errs = append(errs, fmt.Errorf("channel must be %q or %q, got %q", channelSQL, channelMemory, c.Channel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must be positive with max_delay >= base_delay"))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("visibility_timeout must be positive"))
	}
	if c.SLA.High <= 0 || c.SLA.Medium <= 0 || c.SLA.Low <= 0 {
		errs = append(errs, errors.New("sla thresholds must be positive"))
	}
	for name, expr := range map[string]string{
		"schedule.expiration_sweep": c.Schedule.ExpirationSweep,
		"schedule.case_escalation":  c.Schedule.CaseEscalation,
	} {
		if expr == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// writeConfig persists cfg as the default settings file.
func writeConfig(cfg Config) (string, error) {
	if err := os.MkdirAll(lockflowDir(), 0o700); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	path := settingsPath()
	return path, os.WriteFile(path, data, 0o644)
}
