// Package config loads the bot's settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override; "__" separates levels,
	// so QNABOT_QNA__THRESHOLD sets qna.threshold.
	EnvPrefix = "QNABOT_"

	// ConfigPathEnv names the YAML file to load. Defaults to config.yaml.
	ConfigPathEnv     = "QNABOT_CONFIG"
	DefaultConfigPath = "config.yaml"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Bot       BotConfig       `koanf:"bot"`
	QnA       QnAConfig       `koanf:"qna"`
	Audit     AuditConfig     `koanf:"audit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port           int    `koanf:"port"`
	RequestTimeout string `koanf:"request_timeout"`
}

// BotConfig holds the platform app registration. An empty AppID runs the bot
// without authentication, as the local emulator expects.
type BotConfig struct {
	AppID         string `koanf:"app_id"`
	AppPassword   string `koanf:"app_password"`
	TokenEndpoint string `koanf:"token_endpoint"`
	OAuthScope    string `koanf:"oauth_scope"`
	// OpenIDMetadata and ChannelIssuer locate and name the channel token
	// signer. Empty values use the Bot Framework defaults.
	OpenIDMetadata string `koanf:"openid_metadata"`
	ChannelIssuer  string `koanf:"channel_issuer"`
}

type QnAConfig struct {
	Endpoint   string  `koanf:"endpoint"`
	APIKey     string  `koanf:"api_key"`
	Project    string  `koanf:"project"`
	Deployment string  `koanf:"deployment"`
	APIVersion string  `koanf:"api_version"`
	Top        int     `koanf:"top"`
	Threshold  float64 `koanf:"threshold"`
	Timeout    string  `koanf:"timeout"`
}

type AuditConfig struct {
	Path                 string `koanf:"path"`
	BodyPreviewBytes     int    `koanf:"body_preview_bytes"`
	ResponsePreviewBytes int    `koanf:"response_preview_bytes"`
	// SQLitePath optionally mirrors every record into a queryable database.
	SQLitePath string `koanf:"sqlite_path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"server.port":                  8000,
	"server.request_timeout":       "30s",
	"qna.api_version":              "2021-10-01",
	"qna.top":                      3,
	"qna.threshold":                0.50,
	"qna.timeout":                  "10s",
	"audit.path":                   "traffic.log",
	"audit.body_preview_bytes":     2000,
	"audit.response_preview_bytes": 1000,
	"telemetry.service_name":       "qnabot",
	"logging.level":                "info",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file named by QNABOT_CONFIG (or config.yaml), then the
// environment.
func Load() (*Config, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile loads path, which may be missing, then applies QNABOT_ variables,
// the PORT override and defaults. Secrets may reference other variables as
// ${VAR}.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// App Service and most PaaS hosts assign the listen port this way.
	if port := os.Getenv("PORT"); port != "" {
		if err := k.Set("server.port", port); err != nil {
			return nil, err
		}
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Bot.AppID = substituteEnvVars(cfg.Bot.AppID)
	cfg.Bot.AppPassword = substituteEnvVars(cfg.Bot.AppPassword)
	cfg.QnA.APIKey = substituteEnvVars(cfg.QnA.APIKey)
	cfg.QnA.Endpoint = substituteEnvVars(cfg.QnA.Endpoint)

	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := parsePositiveDuration(c.Server.RequestTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.request_timeout: %w", err))
	}

	if c.QnA.Endpoint == "" {
		errs = append(errs, errors.New("qna.endpoint is required"))
	}
	if c.QnA.Project == "" {
		errs = append(errs, errors.New("qna.project is required"))
	}
	if c.QnA.Deployment == "" {
		errs = append(errs, errors.New("qna.deployment is required"))
	}
	if c.QnA.Threshold < 0 || c.QnA.Threshold > 1 {
		errs = append(errs, fmt.Errorf("qna.threshold %v must be within [0,1]", c.QnA.Threshold))
	}
	if c.QnA.Top < 1 {
		errs = append(errs, fmt.Errorf("qna.top %d must be positive", c.QnA.Top))
	}
	if _, err := parsePositiveDuration(c.QnA.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("qna.timeout: %w", err))
	}

	if c.Audit.Path == "" {
		errs = append(errs, errors.New("audit.path is required"))
	}
	if c.Audit.BodyPreviewBytes < 1 || c.Audit.ResponsePreviewBytes < 1 {
		errs = append(errs, errors.New("audit preview sizes must be positive"))
	}

	if c.Bot.AppID != "" && c.Bot.AppPassword == "" {
		errs = append(errs, errors.New("bot.app_password is required when bot.app_id is set"))
	}

	return errors.Join(errs...)
}

// QueryTimeout is qna.timeout parsed. Call after Validate.
func (c *Config) QueryTimeout() time.Duration {
	d, _ := parsePositiveDuration(c.QnA.Timeout)
	return d
}

// RequestTimeout is server.request_timeout parsed. Call after Validate.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := parsePositiveDuration(c.Server.RequestTimeout)
	return d
}

// LogLevel maps logging.level to a slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogValue renders the configuration with secrets redacted.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Server.Port),
		slog.String("app_id", MaskID(c.Bot.AppID)),
		slog.String("app_password", describeSecret(c.Bot.AppPassword)),
		slog.String("qna_endpoint", c.QnA.Endpoint),
		slog.String("qna_project", c.QnA.Project),
		slog.String("qna_deployment", c.QnA.Deployment),
		slog.String("qna_api_key", describeSecret(c.QnA.APIKey)),
		slog.Float64("threshold", c.QnA.Threshold),
		slog.String("qna_timeout", c.QnA.Timeout),
		slog.String("audit_path", c.Audit.Path),
		slog.String("audit_sqlite_path", c.Audit.SQLitePath),
		slog.Bool("telemetry", c.Telemetry.Enabled),
	)
}

// MaskID keeps the first six characters of an identifier.
func MaskID(id string) string {
	if id == "" {
		return "<empty>"
	}
	if len(id) <= 6 {
		return "…"
	}
	return id[:6] + "…"
}

func describeSecret(s string) string {
	if s == "" {
		return "unset"
	}
	return fmt.Sprintf("set (%d chars)", len(s))
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
