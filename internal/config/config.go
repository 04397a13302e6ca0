package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hub        HubConfig        `yaml:"hub"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodySize  int    `yaml:"max_body_size"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// HubConfig contains subscription hub settings
type HubConfig struct {
	MaxIdleTime       int `yaml:"max_idle_time"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	SendBufferSize    int `yaml:"send_buffer_size"`
}

// WorkflowConfig contains deletion workflow settings
type WorkflowConfig struct {
	PollIntervalMs        int                 `yaml:"poll_interval_ms"`
	ConfirmTimeoutSeconds int                 `yaml:"confirm_timeout_seconds"`
	Collaborators         CollaboratorsConfig `yaml:"collaborators"`
}

// CollaboratorsConfig contains the base URLs of the external services the
// deletion workflow delegates to
type CollaboratorsConfig struct {
	StorageURL     string `yaml:"storage_url"`
	ProverURL      string `yaml:"prover_url"`
	LedgerURL      string `yaml:"ledger_url"`
	IndexerURL     string `yaml:"indexer_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResilienceConfig contains cache and retry queue settings
type ResilienceConfig struct {
	DataDir               string `yaml:"data_dir"`
	CacheSize             int    `yaml:"cache_size"`
	CacheTTLSeconds       int    `yaml:"cache_ttl_seconds"`
	QueueMaxAttempts      int    `yaml:"queue_max_attempts"`
	DrainIntervalSeconds  int    `yaml:"drain_interval_seconds"`
	HealthIntervalSeconds int    `yaml:"health_interval_seconds"`
}

// AuditConfig contains audit store settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodySize:  1048576, // 1MB
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Hub: HubConfig{
			MaxIdleTime:       300,
			HeartbeatInterval: 5,
			SendBufferSize:    100,
		},
		Workflow: WorkflowConfig{
			PollIntervalMs:        3000,
			ConfirmTimeoutSeconds: 45,
			Collaborators: CollaboratorsConfig{
				StorageURL:     "http://localhost:8181",
				ProverURL:      "http://localhost:8282",
				LedgerURL:      "http://localhost:8383",
				IndexerURL:     "http://localhost:8383",
				TimeoutSeconds: 30,
			},
		},
		Resilience: ResilienceConfig{
			DataDir:               "./data/queue",
			CacheSize:             10000,
			CacheTTLSeconds:       300,
			QueueMaxAttempts:      10,
			DrainIntervalSeconds:  30,
			HealthIntervalSeconds: 15,
		},
		Audit: AuditConfig{
			Enabled: true,
			DataDir: "./data/audit",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "expunge",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Resilience.DataDir = filepath.Join(absDataDir, "queue")
		config.Audit.DataDir = filepath.Join(absDataDir, "audit")
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("EXPUNGE_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	if dataDir := os.Getenv("EXPUNGE_QUEUE_DATA_DIR"); dataDir != "" {
		config.Resilience.DataDir = dataDir
	}
	if dataDir := os.Getenv("EXPUNGE_AUDIT_DATA_DIR"); dataDir != "" {
		config.Audit.DataDir = dataDir
	}

	if pollStr := os.Getenv("EXPUNGE_WORKFLOW_POLL_INTERVAL_MS"); pollStr != "" {
		if val, err := strconv.Atoi(pollStr); err == nil {
			config.Workflow.PollIntervalMs = val
		}
	}
	if budgetStr := os.Getenv("EXPUNGE_WORKFLOW_CONFIRM_TIMEOUT_SECONDS"); budgetStr != "" {
		if val, err := strconv.Atoi(budgetStr); err == nil {
			config.Workflow.ConfirmTimeoutSeconds = val
		}
	}

	if url := os.Getenv("EXPUNGE_STORAGE_URL"); url != "" {
		config.Workflow.Collaborators.StorageURL = url
	}
	if url := os.Getenv("EXPUNGE_PROVER_URL"); url != "" {
		config.Workflow.Collaborators.ProverURL = url
	}
	if url := os.Getenv("EXPUNGE_LEDGER_URL"); url != "" {
		config.Workflow.Collaborators.LedgerURL = url
	}
	if url := os.Getenv("EXPUNGE_INDEXER_URL"); url != "" {
		config.Workflow.Collaborators.IndexerURL = url
	}

	if level := os.Getenv("EXPUNGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("EXPUNGE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
