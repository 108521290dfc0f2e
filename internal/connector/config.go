package connector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g.
// EDC_TRANSFER_SEND_RETRY_LIMIT.
const EnvPrefix = "EDC"

// Config is the complete connector configuration. Values come from the YAML
// file first and are then overridden by EDC_* environment variables. Only
// the state machine tunables carry explicit names; their unprefixed form is
// honored as well.
type Config struct {
	Participant struct {
		ID string `yaml:"id" split_words:"true"`
	} `yaml:"participant"`

	Store struct {
		Type             string        `yaml:"type" split_words:"true"` // memory, sqlite or postgres
		DSN              string        `yaml:"dsn" split_words:"true"`
		LeaseDuration    time.Duration `yaml:"lease_duration" split_words:"true"`
		SnapshotPath     string        `yaml:"snapshot_path" split_words:"true"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval" split_words:"true"`
		SnapshotBackups  int           `yaml:"snapshot_backups" split_words:"true"`
	} `yaml:"store"`

	Journal struct {
		Path          string        `yaml:"path" split_words:"true"`
		SyncOnAppend  bool          `yaml:"sync_on_append" split_words:"true"`
		BufferSize    int           `yaml:"buffer_size" split_words:"true"`
		FlushInterval time.Duration `yaml:"flush_interval" split_words:"true"`
	} `yaml:"journal"`

	Transfer struct {
		CallbackAddress      string        `yaml:"callback_address" split_words:"true"`
		BatchSize            int           `yaml:"batch_size" envconfig:"STATE_MACHINE_BATCH_SIZE"`
		IterationWaitMillis  int           `yaml:"iteration_wait_millis" envconfig:"STATE_MACHINE_ITERATION_WAIT_MILLIS"`
		MaxIterationWait     time.Duration `yaml:"max_iteration_wait" envconfig:"STATE_MACHINE_MAX_ITERATION_WAIT"`
		RetryLimit           int           `yaml:"retry_limit" envconfig:"STATE_MACHINE_RETRY_LIMIT"`
		SendRetryLimit       int           `yaml:"send_retry_limit" envconfig:"SEND_RETRY_LIMIT"`
		SendRetryBaseDelayMs int           `yaml:"send_retry_base_delay_ms" envconfig:"SEND_RETRY_BASE_DELAY_MS"`
		SendTimeout          time.Duration `yaml:"send_timeout" envconfig:"SEND_TIMEOUT"`
		CommandQueueCapacity int           `yaml:"command_queue_capacity" envconfig:"COMMAND_QUEUE_CAPACITY"`
		CommandMaxAttempts   int           `yaml:"command_max_attempts" envconfig:"COMMAND_QUEUE_MAX_ATTEMPTS"`
		ProvisionRoot        string        `yaml:"provision_root" split_words:"true"`
		CheckFileDestination bool          `yaml:"check_file_destination" split_words:"true"`
	} `yaml:"transfer"`

	Pipeline struct {
		Workers       int `yaml:"workers" split_words:"true"`
		QueueSize     int `yaml:"queue_size" split_words:"true"`
		PartitionSize int `yaml:"partition_size" split_words:"true"`
	} `yaml:"pipeline"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr" split_words:"true"`
		HTTPAddr string `yaml:"http_addr" split_words:"true"`
	} `yaml:"server"`

	Callbacks struct {
		Timeout time.Duration `yaml:"timeout" split_words:"true"`
		Retries int           `yaml:"retries" split_words:"true"`
	} `yaml:"callbacks"`

	Vault struct {
		Path string `yaml:"path" split_words:"true"`
	} `yaml:"vault"`

	Metrics struct {
		Enabled       bool          `yaml:"enabled" split_words:"true"`
		Port          int           `yaml:"port" split_words:"true"`
		StateInterval time.Duration `yaml:"state_interval" split_words:"true"`
	} `yaml:"metrics"`

	// Assets offered to counterparties, keyed by asset id.
	Assets map[string]types.DataAddress `yaml:"assets" ignored:"true"`
	// Transfers initiated at start; ids make them idempotent across restarts.
	Transfers []transfer.TransferRequest `yaml:"transfers" ignored:"true"`
}

// DefaultConfig returns a single node configuration with an in-memory store.
func DefaultConfig() Config {
	var cfg Config
	cfg.Participant.ID = "connector"
	cfg.Store.Type = "memory"
	cfg.Store.LeaseDuration = 60 * time.Second
	cfg.Store.SnapshotInterval = 30 * time.Second
	cfg.Store.SnapshotBackups = 3
	cfg.Journal.BufferSize = 256
	cfg.Journal.FlushInterval = time.Second
	cfg.Journal.SyncOnAppend = true
	cfg.Transfer.BatchSize = 20
	cfg.Transfer.IterationWaitMillis = 1000
	cfg.Transfer.MaxIterationWait = 30 * time.Second
	cfg.Transfer.RetryLimit = 7
	cfg.Transfer.SendRetryLimit = 7
	cfg.Transfer.SendRetryBaseDelayMs = 1000
	cfg.Transfer.SendTimeout = 30 * time.Second
	cfg.Transfer.CommandQueueCapacity = 1000
	cfg.Transfer.CommandMaxAttempts = 30
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.QueueSize = 100
	cfg.Pipeline.PartitionSize = 5
	cfg.Server.GRPCAddr = ":9191"
	cfg.Callbacks.Timeout = 10 * time.Second
	cfg.Callbacks.Retries = 2
	cfg.Metrics.Port = 9090
	cfg.Metrics.StateInterval = 15 * time.Second
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults and applies the
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Type))
		}
		if c.Store.SnapshotPath != "" {
			errs = append(errs, errors.New("store.snapshot_path only applies to the memory store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}
	if c.Participant.ID == "" {
		errs = append(errs, errors.New("participant.id is required"))
	}
	if c.Store.LeaseDuration <= 0 {
		errs = append(errs, errors.New("store.lease_duration must be positive"))
	}
	if c.Transfer.BatchSize <= 0 {
		errs = append(errs, errors.New("transfer.batch_size must be positive"))
	}
	if c.Transfer.RetryLimit <= 0 || c.Transfer.SendRetryLimit <= 0 {
		errs = append(errs, errors.New("retry limits must be positive"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	for id, a := range c.Assets {
		if a.Type == "" {
			errs = append(errs, fmt.Errorf("asset %s has no type", id))
		}
	}
	return errors.Join(errs...)
}

// transferConfig maps the settings onto the manager configuration.
func (c Config) transferConfig() transfer.Config {
	cfg := transfer.DefaultConfig()
	cfg.BatchSize = c.Transfer.BatchSize
	cfg.IterationWait = time.Duration(c.Transfer.IterationWaitMillis) * time.Millisecond
	cfg.MaxIterationWait = c.Transfer.MaxIterationWait
	cfg.RetryLimit = c.Transfer.RetryLimit
	cfg.CommandMaxAttempts = c.Transfer.CommandMaxAttempts
	cfg.CallbackAddress = c.Transfer.CallbackAddress
	cfg.SendRetry.Limit = c.Transfer.SendRetryLimit
	cfg.SendRetry.BaseDelay = time.Duration(c.Transfer.SendRetryBaseDelayMs) * time.Millisecond
	return cfg
}
