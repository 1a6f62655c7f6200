// Package config loads engine settings from defaults, an optional YAML file,
// an optional profile overlay and VALIANT_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides
// (VALIANT_ENGINE_JOURNEY_STALL_TURNS -> engine.journey.stall_turns).
const EnvPrefix = "VALIANT_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	LLM        LLMConfig        `koanf:"llm"`
	Engine     EngineConfig     `koanf:"engine"`
	Store      StoreConfig      `koanf:"store"`
	Repository RepositoryConfig `koanf:"repository"`
	Server     ServerConfig     `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type LLMConfig struct {
	Provider    string  `koanf:"provider"` // ollama, openai, anthropic, mock
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

type EngineConfig struct {
	Matcher          MatcherConfig    `koanf:"matcher"`
	Tools            ToolsConfig      `koanf:"tools"`
	Generation       GenerationConfig `koanf:"generation"`
	Journey          JourneyConfig    `koanf:"journey"`
	TranscriptWindow int              `koanf:"transcript_window"`
}

type MatcherConfig struct {
	Concurrency   int           `koanf:"concurrency"`
	Timeout       time.Duration `koanf:"timeout"`
	MinConfidence float64       `koanf:"min_confidence"`
}

type ToolsConfig struct {
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
	Allow       []string      `koanf:"allow"`
	Deny        []string      `koanf:"deny"`
	Policies    []PolicyRule  `koanf:"policies"`
	// MCP servers whose tools are bound as capabilities at startup.
	MCP []MCPServer `koanf:"mcp"`
}

// MCPServer is an MCP endpoint reached over stdio (Command) or streamable
// HTTP (URL).
type MCPServer struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	URL     string   `koanf:"url"`
	// Prefix is stripped from MCP tool names before they are matched
	// against repository tool ids.
	Prefix string `koanf:"prefix"`
	// Tools limits binding to these ids; empty binds every tool the
	// published agents declare.
	Tools []string `koanf:"tools"`
}

// PolicyRule is an ordered tool policy; the first matching rule decides.
type PolicyRule struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"` // allow, deny
	Tool   string `koanf:"tool"`   // glob
	Agent  string `koanf:"agent"`  // glob, empty matches every agent
	Reason string `koanf:"reason"`
}

type GenerationConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialDelay      time.Duration `koanf:"initial_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	FallbackUtterance string        `koanf:"fallback_utterance"`
	BreakerThreshold  int           `koanf:"breaker_threshold"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown"`
}

type JourneyConfig struct {
	// StallTurns is the number of consecutive turns without step progress
	// after which the active journey is abandoned. Zero disables stall detection.
	StallTurns int `koanf:"stall_turns"`
}

type StoreConfig struct {
	Driver   string `koanf:"driver"` // memory, sqlite, postgres
	DSN      string `koanf:"dsn"`
	AuditDSN string `koanf:"audit_dsn"` // empty keeps the audit trail in memory
}

type RepositoryConfig struct {
	Path            string        `koanf:"path"`
	Watch           bool          `koanf:"watch"`
	Debounce        time.Duration `koanf:"debounce"`
	RefreshSchedule string        `koanf:"refresh_schedule"` // cron spec, empty disables
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"telemetry.exporter":      "none",
		"telemetry.service_name":  "valiant",
		"telemetry.otlp_endpoint": "localhost:4317",
		"telemetry.otlp_insecure": true,

		"llm.provider":    "ollama",
		"llm.model":       "qwen2.5:7b-instruct",
		"llm.base_url":    "http://localhost:11434",
		"llm.temperature": 0.0,
		"llm.max_tokens":  1024,
		"llm.api_key":     "",

		"engine.matcher.concurrency":           16,
		"engine.matcher.timeout":               "10s",
		"engine.matcher.min_confidence":        0.5,
		"engine.tools.concurrency":             8,
		"engine.tools.timeout":                 "30s",
		"engine.tools.allow":                   []string{},
		"engine.tools.deny":                    []string{},
		"engine.generation.timeout":            "30s",
		"engine.generation.max_attempts":       3,
		"engine.generation.initial_delay":      "200ms",
		"engine.generation.max_delay":          "5s",
		"engine.generation.fallback_utterance": "",
		"engine.generation.breaker_threshold":  5,
		"engine.generation.breaker_cooldown":   "30s",
		"engine.journey.stall_turns":           3,
		"engine.transcript_window":             10,

		"store.driver":    "memory",
		"store.dsn":       "",
		"store.audit_dsn": "",

		"repository.path":             "agents",
		"repository.watch":            false,
		"repository.debounce":         "250ms",
		"repository.refresh_schedule": "",

		"server.addr": ":8080",
	}
	for key, value := range defaults {
		_ = k.Set(key, value)
	}
}

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus an overlay file named config.<profile>.yaml
// next to path. A missing overlay is ignored.
func LoadWithProfile(path, profile string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Base file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// 2. Profile overlay
	if path != "" && profile != "" {
		overlay := profilePath(path, profile)
		if _, err := os.Stat(overlay); err == nil {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", overlay, err)
			}
		}
	}

	// 3. Env (VALIANT_LLM_PROVIDER -> llm.provider). Underscores inside a key
	// segment are kept when the dotted form is not a known key.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKey(k, s)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps VALIANT_ENGINE_JOURNEY_STALL_TURNS to engine.journey.stall_turns
// by matching the longest known key segments.
func envKey(k *koanf.Koanf, s string) string {
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_")
	var segments []string
	for i := 0; i < len(parts); {
		matched := false
		for j := len(parts); j > i+1; j-- {
			candidate := strings.Join(append(append([]string{}, segments...), strings.Join(parts[i:j], "_")), ".")
			if k.Exists(candidate) {
				segments = append(segments, strings.Join(parts[i:j], "_"))
				i = j
				matched = true
				break
			}
		}
		if !matched {
			segments = append(segments, parts[i])
			i++
		}
	}
	return strings.Join(segments, ".")
}

func profilePath(path, profile string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".yaml"
	}
	return base + "." + profile + ext
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unsupported %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required for driver %q", c.Store.Driver)
	}
	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("llm.provider: unsupported %q", c.LLM.Provider)
	}
	if c.Engine.Journey.StallTurns < 0 {
		return fmt.Errorf("engine.journey.stall_turns: must be >= 0")
	}
	if c.Engine.Matcher.MinConfidence < 0 || c.Engine.Matcher.MinConfidence > 1 {
		return fmt.Errorf("engine.matcher.min_confidence: must be within [0,1]")
	}
	for i, m := range c.Engine.Tools.MCP {
		if (m.Command == "") == (m.URL == "") {
			return fmt.Errorf("engine.tools.mcp[%d]: exactly one of command or url is required", i)
		}
	}
	if c.Engine.Generation.MaxAttempts < 1 {
		return fmt.Errorf("engine.generation.max_attempts: must be >= 1")
	}
	return nil
}
