// Package config loads the care backend settings.
//
// Values come from two koanf layers, later layers winning:
//
//  1. an optional YAML file named by CONFIG_FILE, whose keys are the
//     environment variable names in lower case (port: 8080, jwt_secret: ...)
//  2. the process environment (.env is merged into it by the CLI beforehand)
//
// Unparseable values fall back to the default rather than failing, and the
// assembled Config is then validated as a whole.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// CORSConfig lists the allowed browser origins. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig configures the OTLP trace exporter.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string // host:port of the collector
	Insecure    bool
	ServiceName string
	SampleRatio float64 // [0,1]
}

// DBConfig selects the storage driver. SQLite uses Path, Postgres uses DSN.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string
	DSN    string
}

// AuthConfig holds token signing and password hashing settings.
type AuthConfig struct {
	JWTSecret  string
	JWTTTL     time.Duration
	BcryptCost int
}

// ClassifierConfig selects and tunes the message classifier.
type ClassifierConfig struct {
	Mode             string // llm|playbook
	BaseURL          string
	APIKey           string
	Model            string
	Timeout          time.Duration
	MaxHistoryTokens int
	PlaybookPath     string
	RulesPath        string // optional YAML keyword rules
}

// SMTPConfig configures outbound mail.
type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	From     string
	StartTLS bool
}

// RedisConfig configures the optional failed-dispatch queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// Config holds all configuration values for the application.
type Config struct {
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	DB DBConfig

	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL  time.Duration
	MaxMessageRunes int

	Auth AuthConfig

	Classifier  ClassifierConfig
	SMTP        SMTPConfig
	Redis       RedisConfig
	NotifyAsync bool

	OTEL OTELConfig
}

// MustLoad is Load that panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads CONFIG_FILE (if set) and the environment, applies defaults and
// validates the result.
func Load() (Config, error) {
	src, err := newSource()
	if err != nil {
		return Config{}, err
	}
	cfg := src.config()
	cfg.normalize()
	return cfg, cfg.Validate()
}

// source is the merged koanf tree with lenient typed getters.
type source struct {
	k *koanf.Koanf
}

func newSource() (source, error) {
	k := koanf.New(".")
	envKeys := func(s string) string { return strings.ToLower(s) }

	// A first env pass only to discover CONFIG_FILE.
	if err := k.Load(env.Provider("CONFIG_FILE", ".", envKeys), nil); err != nil {
		return source{}, fmt.Errorf("read environment: %w", err)
	}
	if path := strings.TrimSpace(k.String("config_file")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return source{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKeys), nil); err != nil {
		return source{}, fmt.Errorf("read environment: %w", err)
	}
	return source{k: k}, nil
}

func (s source) config() Config {
	return Config{
		Port:              s.str("port", "8080"),
		ReadTimeout:       s.dur("read_timeout", 15*time.Second),
		ReadHeaderTimeout: s.dur("read_header_timeout", 10*time.Second),
		WriteTimeout:      s.dur("write_timeout", 30*time.Second),
		IdleTimeout:       s.dur("idle_timeout", time.Minute),
		MaxHeaderBytes:    s.int("max_header_bytes", 1<<20),
		GinMode:           strings.ToLower(s.str("gin_mode", "release")),

		LogLevel:       strings.ToLower(s.str("log_level", "info")),
		LogPretty:      s.bool("log_pretty", false),
		SwaggerEnabled: s.bool("swagger_enabled", false),
		APIBasePath:    normalizeBasePath(s.str("api_base_path", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(s.str("db_driver", "sqlite")),
			Path:   s.str("db_path", "care.db"),
			DSN:    s.str("db_dsn", ""),
		},

		RateRPS:   s.float("rate_rps", 5),
		RateBurst: s.int("rate_burst", 10),

		CORS:     CORSConfig{AllowedOrigins: s.list("cors_allowed_origins")},
		Security: SecurityConfig{EnableHSTS: s.bool("enable_hsts", false), HSTSMaxAge: s.dur("hsts_max_age", 180*24*time.Hour)},

		IdempotencyTTL:  s.dur("idempotency_ttl", 24*time.Hour),
		MaxMessageRunes: s.int("max_message_runes", 4000),

		Auth: AuthConfig{
			JWTSecret:  s.str("jwt_secret", ""),
			JWTTTL:     s.dur("jwt_ttl", 24*time.Hour),
			BcryptCost: s.int("bcrypt_cost", 12),
		},

		Classifier: ClassifierConfig{
			Mode:             strings.ToLower(s.str("classifier_mode", "playbook")),
			BaseURL:          s.str("llm_base_url", "https://api.openai.com/v1"),
			APIKey:           s.str("llm_api_key", ""),
			Model:            s.str("llm_model", "gpt-4o-mini"),
			Timeout:          s.dur("llm_timeout", 20*time.Second),
			MaxHistoryTokens: s.int("llm_max_history_tokens", 3000),
			PlaybookPath:     s.str("playbook_path", ""),
			RulesPath:        s.str("classifier_rules_path", ""),
		},

		SMTP: SMTPConfig{
			Enabled:  s.bool("smtp_enabled", false),
			Host:     s.str("smtp_host", "localhost"),
			Port:     s.int("smtp_port", 587),
			User:     s.str("smtp_user", ""),
			Password: s.str("smtp_password", ""),
			From:     s.str("smtp_from", "careops@localhost"),
			StartTLS: s.bool("smtp_starttls", true),
		},

		Redis: RedisConfig{
			Addr:     s.str("redis_addr", ""),
			Password: s.str("redis_password", ""),
			DB:       s.int("redis_db", 0),
			Queue:    s.str("redis_failed_queue", "careops:notify:failed"),
		},
		NotifyAsync: s.bool("notify_async", true),

		OTEL: OTELConfig{
			Enabled:     s.bool("otel_enabled", false),
			Endpoint:    s.str("otel_exporter_otlp_endpoint", "localhost:4317"),
			Insecure:    s.bool("otel_exporter_otlp_insecure", true),
			ServiceName: s.str("otel_service_name", "go-care-backend"),
			SampleRatio: s.float("otel_traces_sampler_arg", 1),
		},
	}
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		c.GinMode = "release"
	}
}

// Validate reports every invalid setting at once, named by its environment
// variable.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error, fatal, panic", c.LogLevel))
	}
	check(strings.TrimSpace(c.Port) == "", "PORT must not be empty")
	check(c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
		"server timeouts must be positive durations")
	check(c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0")

	switch c.DB.Driver {
	case "sqlite":
		check(strings.TrimSpace(c.DB.Path) == "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(c.DB.DSN) == "", "DB_DSN is required when DB_DRIVER=postgres")
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q must be sqlite or postgres", c.DB.Driver))
	}

	check(c.RateRPS < 0, "RATE_RPS must be >= 0")
	check(c.RateBurst < 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL <= 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.MaxMessageRunes <= 0, "MAX_MESSAGE_RUNES must be > 0")

	check(len(c.Auth.JWTSecret) < 16, "JWT_SECRET must be at least 16 characters")
	check(c.Auth.JWTTTL <= 0, "JWT_TTL must be > 0")
	check(c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31, "BCRYPT_COST must be between 4 and 31")

	switch c.Classifier.Mode {
	case "playbook":
	case "llm":
		check(strings.TrimSpace(c.Classifier.APIKey) == "", "LLM_API_KEY is required when CLASSIFIER_MODE=llm")
	default:
		errs = append(errs, fmt.Errorf("CLASSIFIER_MODE %q must be llm or playbook", c.Classifier.Mode))
	}
	check(c.Classifier.Timeout <= 0, "LLM_TIMEOUT must be > 0")

	check(c.SMTP.Enabled && (strings.TrimSpace(c.SMTP.Host) == "" || c.SMTP.Port <= 0),
		"SMTP_HOST and SMTP_PORT are required when SMTP_ENABLED")
	check(c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	return errors.Join(errs...)
}

func (s source) str(key, def string) string {
	if v := strings.TrimSpace(s.k.String(key)); v != "" {
		return v
	}
	return def
}

func (s source) int(key string, def int) int {
	if i, err := strconv.Atoi(s.str(key, "")); err == nil {
		return i
	}
	return def
}

func (s source) float(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(s.str(key, ""), 64); err == nil {
		return f
	}
	return def
}

func (s source) bool(key string, def bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func (s source) dur(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return def
}

// list accepts a YAML sequence or a comma-separated string.
func (s source) list(key string) []string {
	if items, ok := s.k.Get(key).([]interface{}); ok {
		out := make([]string, 0, len(items))
		for _, it := range items {
			if v := strings.TrimSpace(fmt.Sprint(it)); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return splitCSV(s.k.String(key))
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing ones, except
// for the root itself.
func normalizeBasePath(p string) string {
	return "/" + strings.Trim(strings.TrimSpace(p), "/")
}
