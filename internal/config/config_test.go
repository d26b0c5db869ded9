package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("PORT", "")

		cfg, err := LoadFile(missingFile(t))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8000 {
			t.Errorf("port = %v, want 8000", cfg.Server.Port)
		}
		if cfg.QnA.Threshold != 0.5 {
			t.Errorf("threshold = %v, want 0.5", cfg.QnA.Threshold)
		}
		if cfg.QnA.Top != 3 || cfg.QnA.APIVersion != "2021-10-01" || cfg.QnA.Timeout != "10s" {
			t.Errorf("unexpected qna defaults: %+v", cfg.QnA)
		}
		if cfg.Audit.Path != "traffic.log" || cfg.Audit.BodyPreviewBytes != 2000 || cfg.Audit.ResponsePreviewBytes != 1000 {
			t.Errorf("unexpected audit defaults: %+v", cfg.Audit)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("PORT", "")
		t.Setenv("QNABOT_SERVER__PORT", "9000")
		t.Setenv("QNABOT_QNA__THRESHOLD", "0.7")
		t.Setenv("QNABOT_BOT__APP_ID", "app-1234")

		cfg, err := LoadFile(missingFile(t))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.QnA.Threshold != 0.7 {
			t.Errorf("threshold = %v, want 0.7", cfg.QnA.Threshold)
		}
		if cfg.Bot.AppID != "app-1234" {
			t.Errorf("app_id = %q, want app-1234", cfg.Bot.AppID)
		}
	})

	t.Run("PORT wins", func(t *testing.T) {
		t.Setenv("QNABOT_SERVER__PORT", "9000")
		t.Setenv("PORT", "3978")

		cfg, err := LoadFile(missingFile(t))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.Port != 3978 {
			t.Errorf("port = %v, want 3978", cfg.Server.Port)
		}
	})
}

func TestLoadFile_YAMLWithEnvOverrideAndSubstitution(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("FAQ_KEY", "k-123")
	t.Setenv("QNABOT_QNA__DEPLOYMENT", "staging")

	path := writeConfig(t, `
server:
  port: 8100
qna:
  endpoint: https://faq-language.cognitiveservices.azure.com
  api_key: ${FAQ_KEY}
  project: my-faq-project
  deployment: production
  threshold: 0.5
audit:
  path: logs/traffic.log
  sqlite_path: logs/audit.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 8100 {
		t.Errorf("port = %v, want 8100", cfg.Server.Port)
	}
	if cfg.QnA.APIKey != "k-123" {
		t.Errorf("api_key = %q, want substituted value", cfg.QnA.APIKey)
	}
	if cfg.QnA.Deployment != "staging" {
		t.Errorf("deployment = %q, want env override", cfg.QnA.Deployment)
	}
	if cfg.Audit.SQLitePath != "logs/audit.db" {
		t.Errorf("sqlite_path = %q", cfg.Audit.SQLitePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if cfg.QueryTimeout() != 10*time.Second || cfg.RequestTimeout() != 30*time.Second {
		t.Errorf("unexpected timeouts %v %v", cfg.QueryTimeout(), cfg.RequestTimeout())
	}
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [port")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile() expected error for malformed yaml")
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8000, RequestTimeout: "30s"},
		QnA: QnAConfig{
			Endpoint:   "https://example.cognitiveservices.azure.com",
			Project:    "p",
			Deployment: "production",
			Top:        3,
			Threshold:  0.5,
			Timeout:    "10s",
		},
		Audit: AuditConfig{Path: "traffic.log", BodyPreviewBytes: 2000, ResponsePreviewBytes: 1000},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "threshold zero ok", mutate: func(c *Config) { c.QnA.Threshold = 0 }},
		{name: "threshold one ok", mutate: func(c *Config) { c.QnA.Threshold = 1 }},
		{name: "threshold too high", mutate: func(c *Config) { c.QnA.Threshold = 1.01 }, wantErr: "qna.threshold"},
		{name: "threshold negative", mutate: func(c *Config) { c.QnA.Threshold = -0.1 }, wantErr: "qna.threshold"},
		{name: "bad timeout", mutate: func(c *Config) { c.QnA.Timeout = "soon" }, wantErr: "qna.timeout"},
		{name: "zero timeout", mutate: func(c *Config) { c.QnA.Timeout = "0s" }, wantErr: "qna.timeout"},
		{name: "missing endpoint", mutate: func(c *Config) { c.QnA.Endpoint = "" }, wantErr: "qna.endpoint"},
		{name: "missing project", mutate: func(c *Config) { c.QnA.Project = "" }, wantErr: "qna.project"},
		{name: "missing deployment", mutate: func(c *Config) { c.QnA.Deployment = "" }, wantErr: "qna.deployment"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "app id without password", mutate: func(c *Config) { c.Bot.AppID = "app" }, wantErr: "app_password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogValueRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Bot.AppID = "0f3c2a1b-aaaa-bbbb"
	cfg.Bot.AppPassword = "hunter2hunter2"
	cfg.QnA.APIKey = "super-secret-key"

	var buf strings.Builder
	slog.New(slog.NewTextHandler(&buf, nil)).Info("config", slog.Any("config", cfg))
	out := buf.String()

	for _, secret := range []string{"hunter2hunter2", "super-secret-key", "0f3c2a1b-aaaa-bbbb"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked into %s", secret, out)
		}
	}
	if !strings.Contains(out, "0f3c2a…") {
		t.Errorf("expected masked app id in %s", out)
	}
}

func TestLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", cfg.LogLevel())
	}
	cfg.Logging.Level = "nonsense"
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", cfg.LogLevel())
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR_QNABOT}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaskID(t *testing.T) {
	tests := map[string]string{
		"":                                     "<empty>",
		"abc":                                  "…",
		"0f3c2a1b-1111-2222-3333-444455556666": "0f3c2a…",
	}
	for in, want := range tests {
		if got := MaskID(in); got != want {
			t.Errorf("MaskID(%q) = %q, want %q", in, got, want)
		}
	}
}
