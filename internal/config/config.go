// Package config loads the memory daemon's typed Config from environment
// variables, an optional YAML overlay, and a .env file for local
// development — mirroring the reference service's loadConfig plus the
// reflex engine's yaml.v3 usage.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the daemon and its engine depend on. Fields
// correspond to the Open Question defaults recorded in DESIGN.md; all have
// sane defaults so a bare `Config{}` plus Load never panics.
type Config struct {
	Port       string `yaml:"port"`
	DataDir    string `yaml:"data_dir"`
	OllamaURL  string `yaml:"ollama_url"`
	EmbedModel string `yaml:"embed_model"`
	EmbedDims  int    `yaml:"embed_dims"`

	BufferCapacity   int     `yaml:"buffer_capacity"`
	BufferDecayMs    float64 `yaml:"buffer_decay_ms"`
	BufferMaxBoost   float64 `yaml:"buffer_max_boost"`

	GraphCacheTTL time.Duration `yaml:"graph_cache_ttl"`
	GraphMaxHops  int           `yaml:"graph_max_hops"`
	GraphHopDecay float64       `yaml:"graph_hop_decay"`

	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	SessionCacheTTL          time.Duration `yaml:"session_cache_ttl"`

	EpisodeBoundaryGapMinutes int `yaml:"episode_boundary_gap_minutes"`
	EpisodeMaxEvents          int `yaml:"episode_max_events"`

	ConsolidationMemoryCap int `yaml:"consolidation_memory_cap"`

	Debug bool `yaml:"debug"`
}

// Default returns the daemon's baked-in defaults, matching the package
// constants each subsystem already exports.
func Default() Config {
	return Config{
		Port:       "8420",
		DataDir:    "./data",
		OllamaURL:  "http://localhost:11434",
		EmbedModel: "nomic-embed-text",
		EmbedDims:  768,

		BufferCapacity: 7,
		BufferDecayMs:  4000,
		BufferMaxBoost: 1.0,

		GraphCacheTTL: 60 * time.Second,
		GraphMaxHops:  3,
		GraphHopDecay: 0.7,

		SessionInactivityTimeout: 30 * time.Minute,
		SessionCacheTTL:          60 * time.Second,

		EpisodeBoundaryGapMinutes: 30,
		EpisodeMaxEvents:          50,

		ConsolidationMemoryCap: 50000,

		Debug: false,
	}
}

// Load builds a Config by layering: defaults, then an optional YAML file at
// yamlPath (if non-empty and present), then environment variables (which
// always win), following the reference codebase's envOr-wins-last
// convention. A .env file in the working directory is loaded first via
// godotenv so those values are visible to the environment step; a missing
// .env file is not an error.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	cfg.Port = envOr("MEMORY_PORT", cfg.Port)
	cfg.DataDir = envOr("MEMORY_DATA_DIR", cfg.DataDir)
	cfg.OllamaURL = envOr("OLLAMA_URL", cfg.OllamaURL)
	cfg.EmbedModel = envOr("OLLAMA_EMBED_MODEL", cfg.EmbedModel)
	cfg.EmbedDims = envOrInt("OLLAMA_EMBED_DIMS", cfg.EmbedDims)

	cfg.BufferCapacity = envOrInt("MEMORY_BUFFER_CAPACITY", cfg.BufferCapacity)
	cfg.GraphMaxHops = envOrInt("MEMORY_GRAPH_MAX_HOPS", cfg.GraphMaxHops)
	cfg.ConsolidationMemoryCap = envOrInt("MEMORY_CAP", cfg.ConsolidationMemoryCap)

	cfg.SessionInactivityTimeout = envOrDuration("MEMORY_SESSION_TIMEOUT", cfg.SessionInactivityTimeout)
	cfg.Debug = envOrBool("DEBUG", cfg.Debug)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
