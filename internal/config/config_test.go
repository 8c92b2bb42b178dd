package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
)

const testSecret = "0123456789abcdef0123"

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" || cfg.APIBasePath != "/api/v1" || cfg.GinMode != "release" {
		t.Fatalf("server defaults unexpected: %+v", cfg)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "care.db" {
		t.Fatalf("db defaults unexpected: %+v", cfg.DB)
	}
	if cfg.Classifier.Mode != "playbook" || cfg.Classifier.MaxHistoryTokens != 3000 {
		t.Fatalf("classifier defaults unexpected: %+v", cfg.Classifier)
	}
	if cfg.SMTP.Enabled || cfg.Redis.Addr != "" || !cfg.NotifyAsync {
		t.Fatalf("collaborator defaults unexpected: %+v %+v", cfg.SMTP, cfg.Redis)
	}
	if cfg.Auth.BcryptCost != 12 || cfg.Auth.JWTTTL != 24*time.Hour {
		t.Fatalf("auth defaults unexpected: %+v", cfg.Auth)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://care@localhost/care")
	t.Setenv("RATE_RPS", "x")
	t.Setenv("RATE_BURST", "nope")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("CLASSIFIER_MODE", "LLM")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_TIMEOUT", "5s")
	t.Setenv("SMTP_ENABLED", "on")
	t.Setenv("SMTP_HOST", "mail.internal")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NOTIFY_ASYNC", "false")
	t.Setenv("BCRYPT_COST", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN == "" {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Classifier.Mode != "llm" || cfg.Classifier.Timeout != 5*time.Second {
		t.Fatalf("classifier unexpected: %+v", cfg.Classifier)
	}
	if !cfg.SMTP.Enabled || cfg.SMTP.Host != "mail.internal" || cfg.SMTP.Port != 2525 {
		t.Fatalf("smtp unexpected: %+v", cfg.SMTP)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.NotifyAsync {
		t.Fatalf("redis/notify unexpected: %+v", cfg)
	}
	if cfg.Auth.BcryptCost != 4 {
		t.Fatalf("bcrypt cost unexpected: %d", cfg.Auth.BcryptCost)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad timeouts", map[string]string{"READ_TIMEOUT": "-1s"}, "timeouts"},
		{"bad header bytes", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"postgres without dsn", map[string]string{"DB_DRIVER": "postgres"}, "DB_DSN"},
		{"negative rps", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"zero burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"short secret", map[string]string{"JWT_SECRET": "short"}, "JWT_SECRET"},
		{"bcrypt cost", map[string]string{"BCRYPT_COST": "2"}, "BCRYPT_COST"},
		{"unknown classifier", map[string]string{"CLASSIFIER_MODE": "magic"}, "CLASSIFIER_MODE"},
		{"llm without key", map[string]string{"CLASSIFIER_MODE": "llm"}, "LLM_API_KEY"},
		{"smtp without port", map[string]string{"SMTP_ENABLED": "1", "SMTP_PORT": "-5"}, "SMTP_HOST"},
		{"message limit", map[string]string{"MAX_MESSAGE_RUNES": "-1"}, "MAX_MESSAGE_RUNES"},
		{"sample ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", testSecret)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"  ":       "/",
		"api":      "/api",
		"/api/":    "/api",
		"/api/v1/": "/api/v1",
		"/":        "/",
	}
	for in, want := range cases {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
	if got := splitCSV(" a, ,b ,"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected split: %#v", got)
	}
}

func TestSource_LenientGetters(t *testing.T) {
	k := koanf.New(".")
	for key, v := range map[string]any{
		"x_int": "abc", "x_float": "abc", "x_bool": "maybe", "x_dur": "soon",
		"y_int": 42, "y_bool": "ON", "y_dur": "90s", "y_str": "  padded  ",
	} {
		k.Set(key, v)
	}
	s := source{k: k}

	if s.int("x_int", 7) != 7 || s.float("x_float", 1.5) != 1.5 || !s.bool("x_bool", true) || s.dur("x_dur", time.Second) != time.Second {
		t.Fatal("unparseable values should fall back to defaults")
	}
	if s.int("y_int", 0) != 42 || !s.bool("y_bool", false) || s.dur("y_dur", 0) != 90*time.Second || s.str("y_str", "") != "padded" {
		t.Fatal("typed values not parsed")
	}
	if s.str("missing", "def") != "def" {
		t.Fatal("missing key should use default")
	}
}

func TestLoad_ConfigFileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "careops.yaml")
	yml := `jwt_secret: from-file-0123456789
port: 9090
rate_burst: 3
log_pretty: true
cors_allowed_origins:
  - https://hr.example.com
  - https://intranet.example.com
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-file-0123456789" || cfg.RateBurst != 3 || !cfg.LogPretty {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Port != "7070" {
		t.Fatalf("environment should override the file, port = %q", cfg.Port)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://hr.example.com", "https://intranet.example.com"}) {
		t.Fatalf("origins = %#v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected config file error, got %v", err)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("RATE_BURST", "0")
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"JWT_SECRET", "RATE_BURST", "DB_DRIVER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
