// Package config loads the server configuration from a YAML file,
// optional .env files and LOKI_* environment variables, in that order of
// increasing precedence.
package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"lokiseq/domain/orderbook"
	"lokiseq/infra/logger"
)

// Start modes.
const (
	ModeAll                = "all"
	ModeSequencer          = "sequencer"
	ModeGateway            = "gateway"
	ModeProcessor          = "processor"
	ModeAllExceptSequencer = "all-except-sequencer"
)

var Modes = []string{ModeAll, ModeSequencer, ModeGateway, ModeProcessor, ModeAllExceptSequencer}

type Config struct {
	Mode      string          `yaml:"mode"`
	DataDir   string          `yaml:"data_dir"`
	WAL       WALConfig       `yaml:"wal"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Processor ProcessorConfig `yaml:"processor"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       logger.Config   `yaml:"log"`
}

type WALConfig struct {
	SegmentSize  int64         `yaml:"segment_size"`
	SyncOnAppend bool          `yaml:"sync_on_append"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SequencerConfig struct {
	CheckpointEnabled  bool          `yaml:"checkpoint_enabled"`
	CheckpointEvery    uint64        `yaml:"checkpoint_every"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointRetain   int           `yaml:"checkpoint_retain"`
	StrictReplay       bool          `yaml:"strict_replay"`
	Allocation         string        `yaml:"allocation"` // fifo or pro-rata
}

type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	Timeout        time.Duration `yaml:"timeout"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	AuthURL        string        `yaml:"auth_url"`
}

type ProcessorConfig struct {
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	// Consumers names the sinks to feed: sqlite, kafka, broadcaster.
	Consumers []string `yaml:"consumers"`
}

type SinksConfig struct {
	SQLitePath        string   `yaml:"sqlite_path"`
	KafkaBrokers      []string `yaml:"kafka_brokers"`
	EventsTopic       string   `yaml:"events_topic"`
	NotificationTopic string   `yaml:"notification_topic"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Mode:    ModeAll,
		DataDir: "data",
		WAL: WALConfig{
			SegmentSize:  64 << 20,
			SyncOnAppend: true,
			PollInterval: 10 * time.Millisecond,
		},
		Sequencer: SequencerConfig{
			CheckpointEnabled:  true,
			CheckpointEvery:    10000,
			CheckpointInterval: time.Minute,
			CheckpointRetain:   2,
			Allocation:         "fifo",
		},
		Gateway: GatewayConfig{
			Addr:           ":50051",
			Timeout:        5 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
		},
		Processor: ProcessorConfig{
			RetryBase:  50 * time.Millisecond,
			RetryMax:   5 * time.Second,
			MaxElapsed: 30 * time.Second,
		},
		Sinks: SinksConfig{
			EventsTopic:       "lokiseq.events",
			NotificationTopic: "lokiseq.orders",
		},
		Admin: AdminConfig{Addr: ":8080"},
		Log:   logger.Config{Level: "info", Format: "text"},
	}
}

// Load reads path (optional) on top of the defaults, then the given .env
// files, then the environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return cfg, errors.Wrapf(err, "load %s", f)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("LOKI_" + key); ok {
			*dst = v
		}
	}
	var err error
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv("LOKI_" + key); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Wrapf(perr, "LOKI_%s", key)
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv("LOKI_" + key); ok && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = errors.Wrapf(perr, "LOKI_%s", key)
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv("LOKI_" + key); ok {
			*dst = splitList(v)
		}
	}

	str("MODE", &c.Mode)
	str("DATA_DIR", &c.DataDir)
	boolean("WAL_SYNC_ON_APPEND", &c.WAL.SyncOnAppend)
	boolean("CHECKPOINT_ENABLED", &c.Sequencer.CheckpointEnabled)
	dur("CHECKPOINT_INTERVAL", &c.Sequencer.CheckpointInterval)
	boolean("STRICT_REPLAY", &c.Sequencer.StrictReplay)
	str("ALLOCATION", &c.Sequencer.Allocation)
	str("GATEWAY_ADDR", &c.Gateway.Addr)
	dur("GATEWAY_TIMEOUT", &c.Gateway.Timeout)
	str("AUTH_URL", &c.Gateway.AuthURL)
	dur("MAX_ELAPSED", &c.Processor.MaxElapsed)
	list("CONSUMERS", &c.Processor.Consumers)
	str("SQLITE_PATH", &c.Sinks.SQLitePath)
	list("KAFKA_BROKERS", &c.Sinks.KafkaBrokers)
	str("ADMIN_ADDR", &c.Admin.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	if v, ok := os.LookupEnv("LOKI_CHECKPOINT_EVERY"); ok && err == nil {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return errors.Wrap(perr, "LOKI_CHECKPOINT_EVERY")
		}
		c.Sequencer.CheckpointEvery = n
	}
	return err
}

func (c Config) Validate() error {
	if !ValidMode(c.Mode) {
		return errors.Errorf("unknown mode %q (want one of %s)", c.Mode, strings.Join(Modes, ", "))
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.WAL.SegmentSize <= 0 {
		return errors.New("wal.segment_size must be positive")
	}
	if _, err := c.Allocation(); err != nil {
		return err
	}
	if c.Sequencer.CheckpointRetain < 1 {
		return errors.New("sequencer.checkpoint_retain must be at least 1")
	}
	if c.Gateway.Timeout <= 0 {
		return errors.New("gateway.timeout must be positive")
	}
	if c.Processor.MaxElapsed <= 0 {
		return errors.New("processor.max_elapsed must be positive")
	}
	for _, name := range c.Processor.Consumers {
		switch name {
		case "sqlite":
			if c.Sinks.SQLitePath == "" {
				return errors.New("consumer sqlite needs sinks.sqlite_path")
			}
		case "kafka", "broadcaster":
			if len(c.Sinks.KafkaBrokers) == 0 {
				return errors.Errorf("consumer %s needs sinks.kafka_brokers", name)
			}
		default:
			return errors.Errorf("unknown consumer %q", name)
		}
	}
	return nil
}

// Allocation maps the configured allocation policy to the order book's.
func (c Config) Allocation() (orderbook.Allocation, error) {
	switch strings.ToLower(c.Sequencer.Allocation) {
	case "", "fifo":
		return orderbook.FIFO, nil
	case "pro-rata", "prorata":
		return orderbook.ProRata, nil
	}
	return 0, errors.Errorf("unknown allocation %q", c.Sequencer.Allocation)
}

func ValidMode(m string) bool {
	return slices.Contains(Modes, m)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
