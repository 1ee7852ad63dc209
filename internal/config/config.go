package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the Opshive platform.
type Config struct {
	DataDir   string
	Catalogue string // service catalogue YAML path
	Registry  string // agent registry YAML path

	Orchestrator OrchestratorConfig
	Fixer        FixerConfig
	Bus          BusConfig
	API          APIConfig
	Telemetry    TelemetryConfig
}

type OrchestratorConfig struct {
	WatchDir      string
	WatchInterval time.Duration
	AgentTimeout  time.Duration
	MaxRetries    int
}

type FixerConfig struct {
	MaxAttempts int
	// RetryDelays between fix attempts. Index k is the sleep after
	// attempt k+1.
	RetryDelays []time.Duration
	// ProvenServices is the platform-admin shortcut set: targets for
	// which the platform auto-heal operation is tried first.
	ProvenServices []string
	AITimeout      time.Duration
	// DiagnoseCommand, when set, is the external command the research
	// path pipes diagnosis prompts through.
	DiagnoseCommand string
}

type BusConfig struct {
	DLQThreshold int
	MaxRetries   int
	CleanupDays  int
}

type APIConfig struct {
	Enabled bool
	Port    int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	dataDir := envStr("OPSHIVE_DATA_DIR", defaultDataDir())
	return &Config{
		DataDir:   dataDir,
		Catalogue: envStr("OPSHIVE_CATALOGUE", filepath.Join(dataDir, "services.yaml")),
		Registry:  envStr("OPSHIVE_AGENTS", filepath.Join(dataDir, "agents.yaml")),
		Orchestrator: OrchestratorConfig{
			WatchDir:      envStr("OPSHIVE_WATCH_DIR", filepath.Join(dataDir, "inbox")),
			WatchInterval: envDur("OPSHIVE_WATCH_INTERVAL", 30*time.Second),
			AgentTimeout:  envDur("OPSHIVE_AGENT_TIMEOUT", 300*time.Second),
			MaxRetries:    envInt("OPSHIVE_TASK_MAX_RETRIES", 3),
		},
		Fixer: FixerConfig{
			MaxAttempts: envInt("OPSHIVE_FIX_MAX_ATTEMPTS", 5),
			RetryDelays: []time.Duration{
				15 * time.Second, 30 * time.Second, 60 * time.Second,
				90 * time.Second, 120 * time.Second,
			},
			ProvenServices:  envList("OPSHIVE_PROVEN_SERVICES"),
			AITimeout:       envDur("OPSHIVE_AI_TIMEOUT", 90*time.Second),
			DiagnoseCommand: envStr("OPSHIVE_DIAGNOSE_CMD", ""),
		},
		Bus: BusConfig{
			DLQThreshold: envInt("OPSHIVE_BUS_DLQ_THRESHOLD", 5),
			MaxRetries:   envInt("OPSHIVE_BUS_MAX_RETRIES", 3),
			CleanupDays:  envInt("OPSHIVE_BUS_CLEANUP_DAYS", 7),
		},
		API: APIConfig{
			Enabled: envBool("OPSHIVE_API_ENABLED", true),
			Port:    envInt("OPSHIVE_API_PORT", 8090),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opshive"),
		},
	}
}

// Database file paths under DataDir.

func (c *Config) TasksDB() string    { return filepath.Join(c.DataDir, "tasks.db") }
func (c *Config) LearningDB() string { return filepath.Join(c.DataDir, "learning.db") }
func (c *Config) MessagesDB() string { return filepath.Join(c.DataDir, "agent_messages.db") }
func (c *Config) DLQDB() string      { return filepath.Join(c.DataDir, "dead_letters.db") }

// ArchiveDir is where processed task list files are moved.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive", "processed")
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.Orchestrator.WatchDir, c.ArchiveDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opshive"
	}
	return filepath.Join(home, ".opshive")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if s := v[start:i]; s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	return out
}
