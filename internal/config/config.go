package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patient-intake-service/internal/automation"
	"patient-intake-service/internal/service"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// Config is the complete service configuration: YAML file first, then
// environment overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Queue     QueueConfig     `yaml:"queue"`
	Clinic    ClinicConfig    `yaml:"clinic"`
	Browser   BrowserConfig   `yaml:"browser"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig enables the job history store when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	FailedArchive int           `yaml:"failed_archive"`
}

type ClinicConfig struct {
	LoginURL      string               `yaml:"login_url"`
	NewPatientURL string               `yaml:"new_patient_url"`
	Username      string               `yaml:"username"`
	Password      string               `yaml:"password"`
	Selectors     automation.Selectors `yaml:"selectors"`
}

type BrowserConfig struct {
	ChromePath         string        `yaml:"chrome_path"`
	Headless           bool          `yaml:"headless"`
	UserAgent          string        `yaml:"user_agent"`
	NavigationTimeout  time.Duration `yaml:"navigation_timeout"`
	LoginTimeout       time.Duration `yaml:"login_timeout"`
	FormTimeout        time.Duration `yaml:"form_timeout"`
	NetworkIdleTimeout time.Duration `yaml:"network_idle_timeout"`
}

type ArtifactsConfig struct {
	ScreenshotDir string `yaml:"screenshot_dir"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func (t TelegramConfig) Enabled() bool { return t.BotToken != "" && t.ChatID != "" }

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	policy := service.DefaultRetryPolicy()
	return &Config{
		Server: ServerConfig{
			Port:              3000,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   90 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "intake",
		},
		Queue: QueueConfig{
			MaxAttempts:   policy.MaxAttempts,
			BackoffBase:   policy.BaseDelay,
			FailedArchive: 50,
		},
		Clinic: ClinicConfig{
			Selectors: automation.DefaultSelectors(),
		},
		Browser: BrowserConfig{
			Headless:           true,
			NavigationTimeout:  60 * time.Second,
			LoginTimeout:       30 * time.Second,
			FormTimeout:        25 * time.Second,
			NetworkIdleTimeout: 15 * time.Second,
		},
		Artifacts: ArtifactsConfig{ScreenshotDir: "screenshots"},
		AMQP:      AMQPConfig{Exchange: "patient-intake"},
		Logging:   LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. CSS selectors are
// file-only.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &c.Server.Port)
	e.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	e.str("WEBHOOK_SECRET", &c.Webhook.Secret)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)
	e.str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	e.str("POSTGRES_DSN", &c.Postgres.DSN)

	e.int("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	e.duration("QUEUE_BACKOFF_BASE", &c.Queue.BackoffBase)
	e.int("QUEUE_FAILED_ARCHIVE", &c.Queue.FailedArchive)

	e.str("ISICLINIC_LOGIN_URL", &c.Clinic.LoginURL)
	e.str("ISICLINIC_NEW_PATIENT_URL", &c.Clinic.NewPatientURL)
	e.str("ISICLINIC_USER", &c.Clinic.Username)
	e.str("ISICLINIC_PASSWORD", &c.Clinic.Password)

	e.str("CHROME_PATH", &c.Browser.ChromePath)
	e.bool("HEADLESS", &c.Browser.Headless)
	e.duration("NAVIGATION_TIMEOUT", &c.Browser.NavigationTimeout)
	e.duration("LOGIN_TIMEOUT", &c.Browser.LoginTimeout)
	e.duration("FORM_TIMEOUT", &c.Browser.FormTimeout)
	e.duration("NETWORK_IDLE_TIMEOUT", &c.Browser.NetworkIdleTimeout)

	e.str("SCREENSHOT_DIR", &c.Artifacts.ScreenshotDir)
	e.str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	e.str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	e.str("AMQP_URL", &c.AMQP.URL)
	e.str("AMQP_EXCHANGE", &c.AMQP.Exchange)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(e.errs...)
}

// Validate checks everything the service needs to start.
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be greater than 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue backoff_base must be greater than 0")
	}
	if c.Queue.FailedArchive < 1 {
		return fmt.Errorf("queue failed_archive must be at least 1")
	}
	for name, raw := range map[string]string{
		"clinic login_url":       c.Clinic.LoginURL,
		"clinic new_patient_url": c.Clinic.NewPatientURL,
	} {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Clinic.Username == "" || c.Clinic.Password == "" {
		return fmt.Errorf("clinic username and password are required")
	}
	if c.Browser.NavigationTimeout <= 0 || c.Browser.LoginTimeout <= 0 ||
		c.Browser.FormTimeout <= 0 || c.Browser.NetworkIdleTimeout <= 0 {
		return fmt.Errorf("browser timeouts must be greater than 0")
	}
	if c.Artifacts.ScreenshotDir == "" {
		return fmt.Errorf("artifacts screenshot_dir is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) url, got %q", raw)
	}
	return nil
}

func (c *Config) RetryPolicy() service.RetryPolicy {
	return service.RetryPolicy{MaxAttempts: c.Queue.MaxAttempts, BaseDelay: c.Queue.BackoffBase}
}

func (c *Config) Automation() automation.Config {
	return automation.Config{
		LoginURL:           c.Clinic.LoginURL,
		NewPatientURL:      c.Clinic.NewPatientURL,
		Username:           c.Clinic.Username,
		Password:           c.Clinic.Password,
		NavigationTimeout:  c.Browser.NavigationTimeout,
		LoginTimeout:       c.Browser.LoginTimeout,
		FormTimeout:        c.Browser.FormTimeout,
		NetworkIdleTimeout: c.Browser.NetworkIdleTimeout,
		Selectors:          c.Clinic.Selectors,
	}.WithDefaults()
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("env %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("env %s: %w", key, err))
		return
	}
	*dst = b
}

// duration accepts Go durations ("30s") or bare milliseconds ("30000").
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("env %s: %w", key, err))
		return
	}
	*dst = d
}
