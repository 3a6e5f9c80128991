// Package config loads weft.yaml and applies environment overrides. API
// keys never live in the yaml file; they come from the environment, with
// .env files loaded on startup for convenience.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/runner"
)

// DefaultAddr is where the server listens when weft.yaml does not say.
const DefaultAddr = "127.0.0.1:8700"

const defaultMaxOutputTokens = 8192

// Config is the full weft.yaml shape. Zero values fall back to defaults
// during Load, so a partial file works.
type Config struct {
	// Provider selects the model backend: "gemini" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// BaseURL points the openai provider at any compatible endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	Store   StoreConfig   `yaml:"store"`
	Run     RunConfig     `yaml:"run"`
	Compact CompactConfig `yaml:"compact"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Server  ServerConfig  `yaml:"server"`
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	// Backend is "jsonl" or "sqlite".
	Backend string `yaml:"backend"`

	// Root is the directory holding sessions and profiles.
	Root string `yaml:"root"`
}

// RunConfig caps the agent loop.
type RunConfig struct {
	MaxParallelTools int `yaml:"max_parallel_tools"`
	MaxAttempts      int `yaml:"max_attempts"`
	MaxIterations    int `yaml:"max_iterations"`
	MaxOutputTokens  int `yaml:"max_output_tokens"`
}

// CompactConfig tunes context compaction.
type CompactConfig struct {
	Threshold float64 `yaml:"threshold"`
	KeepTurns int     `yaml:"keep_turns"`
}

// SandboxConfig describes the docker tool sandbox.
type SandboxConfig struct {
	// Image enables the sandbox when set; empty runs tools on the host.
	Image string `yaml:"image"`

	// Ports are container ports published to random localhost ports, for
	// dev servers the agent starts inside the sandbox.
	Ports []int `yaml:"ports,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: "gemini",
		Model:    "models/gemini-2.5-flash",
		Store: StoreConfig{
			Backend: "jsonl",
		},
		Run: RunConfig{
			MaxParallelTools: runner.DefaultMaxParallelTools,
			MaxAttempts:      runner.DefaultMaxAttempts,
			MaxIterations:    runner.DefaultMaxIterations,
			MaxOutputTokens:  defaultMaxOutputTokens,
		},
		Compact: CompactConfig{
			Threshold: compact.DefaultThreshold,
			KeepTurns: compact.DefaultKeepTurns,
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
	}
}

// Load reads configuration in precedence order: defaults, then the yaml
// file, then environment variables. A .env file in the working directory
// is loaded first so key lookups see it. An explicit path must exist;
// with no path the standard locations are tried and a missing file just
// means defaults.
func Load(path string) (Config, error) {
	// Missing .env is fine; exported variables win over its contents.
	godotenv.Load()

	cfg := Default()

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes cfg as YAML, for seeding an editable weft.yaml.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// APIKey resolves the active provider's key from the environment.
func (c Config) APIKey() string {
	switch c.Provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("GEMINI_API_KEY")
	}
}

func findConfigFile() string {
	candidates := []string{"weft.yaml", "weft.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "weft", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Provider, "WEFT_PROVIDER")
	setString(&cfg.Model, "WEFT_MODEL")
	setString(&cfg.BaseURL, "WEFT_BASE_URL")
	setString(&cfg.Store.Backend, "WEFT_STORE_BACKEND")
	setString(&cfg.Store.Root, "WEFT_STORE_ROOT")
	setString(&cfg.Sandbox.Image, "WEFT_SANDBOX_IMAGE")
	setString(&cfg.Server.Addr, "WEFT_ADDR")

	if v := os.Getenv("WEFT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.MaxIterations = n
		}
	}
}

// normalize fills blanks and clamps out-of-range values so downstream
// components never see nonsense.
func normalize(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "jsonl"
	}
	if cfg.Store.Root == "" {
		cfg.Store.Root = defaultRoot()
	}
	if cfg.Run.MaxParallelTools <= 0 {
		cfg.Run.MaxParallelTools = runner.DefaultMaxParallelTools
	}
	if cfg.Run.MaxAttempts <= 0 {
		cfg.Run.MaxAttempts = runner.DefaultMaxAttempts
	}
	if cfg.Run.MaxIterations <= 0 {
		cfg.Run.MaxIterations = runner.DefaultMaxIterations
	}
	if cfg.Run.MaxOutputTokens <= 0 {
		cfg.Run.MaxOutputTokens = defaultMaxOutputTokens
	}
	if cfg.Compact.Threshold <= 0 || cfg.Compact.Threshold >= 1 {
		cfg.Compact.Threshold = compact.DefaultThreshold
	}
	if cfg.Compact.KeepTurns <= 0 {
		cfg.Compact.KeepTurns = compact.DefaultKeepTurns
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}
