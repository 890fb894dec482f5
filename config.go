// Package silverbuild wires the orchestration service together: config,
// storage, LLM client, sandbox provisioner, event bus and HTTP API.
package silverbuild

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values come from an
// optional YAML file, overridden by environment variables, overridden
// by CLI flags.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataPath string `yaml:"data_path"`

	// Model is a provider:model spec, e.g. "openai:gpt-4o" or
	// "anthropic:claude-sonnet-4-0".
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	LLMBaseURL string `yaml:"llm_base_url"`

	// NATSURL targets an external broker; empty runs an embedded one.
	NATSURL string `yaml:"nats_url"`

	MaxTurns int `yaml:"max_turns"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig controls sandbox provisioning.
type SandboxConfig struct {
	Template      string `yaml:"template"`
	DockerHost    string `yaml:"docker_host"`
	PreviewDomain string `yaml:"preview_domain"`
	PreviewPort   int    `yaml:"preview_port"`
	Workdir       string `yaml:"workdir"`
}

// LoadConfig builds the configuration. CLI flags take precedence over
// env vars, which take precedence over the YAML file.
func LoadConfig() (*Config, error) {
	host := flag.String("host", "", "Listen host (env: HOST, default: 0.0.0.0)")
	port := flag.Int("port", 0, "Listen port (env: PORT, default: 8000)")
	model := flag.String("model", "", "Model spec provider:model (env: SILVERBUILD_MODEL)")
	dataPath := flag.String("data", "", "Path to the database file (env: SILVERBUILD_DATA)")
	configFile := flag.String("config", "", "Path to config YAML file (env: SILVERBUILD_CONFIG)")
	flag.Parse()

	cfg := &Config{
		Host:     "0.0.0.0",
		Port:     8000,
		DataPath: "silverbuild.db",
		Model:    "openai:gpt-4o",
		MaxTurns: 15,
		Sandbox: SandboxConfig{
			Template:    "silver-nextjs",
			PreviewPort: 3000,
			Workdir:     "/home/user",
		},
	}

	path := *configFile
	if path == "" {
		path = os.Getenv("SILVERBUILD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Env overrides
	cfg.Host = envOr("HOST", cfg.Host)
	cfg.Port = envIntOr("PORT", cfg.Port)
	cfg.Model = envOr("SILVERBUILD_MODEL", cfg.Model)
	cfg.DataPath = envOr("SILVERBUILD_DATA", cfg.DataPath)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	if cfg.APIKey == "" {
		cfg.APIKey = firstEnv("LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
	}

	// Flag overrides
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}

	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 15
	}
	if cfg.Sandbox.PreviewPort == 0 {
		cfg.Sandbox.PreviewPort = 3000
	}
	return cfg, nil
}

// envOr returns the environment variable or a default value.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr returns the environment variable as int or a default value.
func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
