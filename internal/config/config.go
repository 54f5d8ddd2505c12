package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/codex-relay/internal/effort"
)

// EnvPrefix prefixes every environment override; "__" separates levels,
// e.g. RELAY_UPSTREAM__API_KEY.
const EnvPrefix = "RELAY_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Images     ImagesConfig     `koanf:"images"`
	Reasoning  ReasoningConfig  `koanf:"reasoning"`
	Prompt     PromptConfig     `koanf:"prompt"`
	RequestLog RequestLogConfig `koanf:"request_log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// MaxConcurrency caps in-flight sessions; 0 means unlimited.
	MaxConcurrency      int           `koanf:"max_concurrency"`
	IgnoreProbeRequests bool          `koanf:"ignore_probe_requests"`
	CORSOrigins         []string      `koanf:"cors_origins"`
	ShutdownTimeout     time.Duration `koanf:"shutdown_timeout"`
	ReadHeaderTimeout   time.Duration `koanf:"read_header_timeout"`
}

type UpstreamConfig struct {
	URL string `koanf:"url"`
	// APIKey, when set, replaces the client's credential upstream.
	APIKey string `koanf:"api_key"`
	// Model is the fallback for client models no reasoning rule matches.
	Model       string        `koanf:"model"`
	Models      ModelsConfig  `koanf:"models"`
	UserAgent   string        `koanf:"user_agent"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// ModelsConfig names the upstream model per effort tier.
type ModelsConfig struct {
	Opus   string `koanf:"opus"`
	Sonnet string `koanf:"sonnet"`
	Haiku  string `koanf:"haiku"`
}

type ImagesConfig struct {
	MaxBytes          int64         `koanf:"max_bytes"`
	FetchTimeout      time.Duration `koanf:"fetch_timeout"`
	FileReadTimeout   time.Duration `koanf:"file_read_timeout"`
	RootDir           string        `koanf:"root_dir"`
	AllowPrivateHosts bool          `koanf:"allow_private_hosts"`
	Concurrency       int           `koanf:"concurrency"`
}

type ReasoningConfig struct {
	Default string        `koanf:"default"`
	Rules   []effort.Rule `koanf:"rules"`
}

type PromptConfig struct {
	Instructions       string `koanf:"instructions"`
	WorkDir            string `koanf:"work_dir"`
	EnvironmentContext bool   `koanf:"environment_context"`
	Shell              string `koanf:"shell"`
	// SkillPrompt follows the skill blocks lifted out of tool results.
	SkillPrompt string `koanf:"skill_prompt"`
}

type RequestLogConfig struct {
	JSONLPath  string `koanf:"jsonl_path"`
	SQLitePath string `koanf:"sqlite_path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	PrettyPrint bool   `koanf:"pretty_print"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"server.port":                8889,
	"server.shutdown_timeout":    "15s",
	"server.read_header_timeout": "10s",
	"server.cors_origins":        []string{"*"},
	"upstream.url":               "https://chatgpt.com/backend-api/codex/responses",
	"upstream.model":             "gpt-5.3-codex",
	"upstream.models.opus":       "gpt-5.3-codex",
	"upstream.models.sonnet":     "gpt-5.2-codex",
	"upstream.models.haiku":      "gpt-5.1-codex-mini",
	"upstream.user_agent":        "Anthropic-Node/0.3.4",
	"upstream.read_timeout":      "300s",
	"images.max_bytes":           20 << 20,
	"images.fetch_timeout":       "30s",
	"images.file_read_timeout":   "10s",
	"images.concurrency":         4,
	"reasoning.default":          string(effort.Medium),
	"prompt.work_dir":            "/",
	"prompt.shell":               "bash",
	"telemetry.service_name":     "codex-relay",
	"logging.level":              "info",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (config.yaml when empty; a missing file is fine), then
// RELAY_ environment variables, then fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.Replace(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".", -1)
		if key == "server.cors_origins" {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	if len(cfg.Reasoning.Rules) == 0 {
		cfg.Reasoning.Rules = effort.DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrency must not be negative"))
	}
	if c.Upstream.URL == "" {
		errs = append(errs, fmt.Errorf("upstream.url is required"))
	}
	if c.Images.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("images.max_bytes must be positive"))
	}
	if c.Reasoning.Default != "" {
		if _, ok := effort.Parse(c.Reasoning.Default); !ok {
			errs = append(errs, fmt.Errorf("reasoning.default %q is not an effort tier", c.Reasoning.Default))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
