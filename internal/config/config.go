package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ROMER_"

type (
	Config struct {
		Network NetworkConfig `yaml:"network"`
		Session SessionConfig `yaml:"session"`
		Batch   BatchConfig   `yaml:"batch"`
		Storage StorageConfig `yaml:"storage"`
		Redis   RedisConfig   `yaml:"redis"`
		NATS    NATSConfig    `yaml:"nats"`
		Ops     OpsConfig     `yaml:"ops"`
		Log     LogConfig     `yaml:"log"`
	}

	NetworkConfig struct {
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		MaxConnections int           `yaml:"max_connections"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		MaxMessageSize int           `yaml:"max_message_size"`
		ReadBufferSize int           `yaml:"read_buffer_size"`
		OutboxSize     int           `yaml:"outbox_size"`
		RateLimit      float64       `yaml:"rate_limit"`
		RateBurst      int           `yaml:"rate_burst"`
	}

	SessionConfig struct {
		CompID           string        `yaml:"comp_id"`
		BeginString      string        `yaml:"begin_string"`
		MinHeartbeat     time.Duration `yaml:"min_heartbeat"`
		MaxHeartbeat     time.Duration `yaml:"max_heartbeat"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		ForwardTimeout   time.Duration `yaml:"forward_timeout"`
		MaxClockSkew     time.Duration `yaml:"max_clock_skew"`
		ChannelSize      int           `yaml:"channel_size"`
		ParticipantsFile string        `yaml:"participants_file"`
	}

	BatchConfig struct {
		MaxSize      int           `yaml:"max_size"`
		MaxAge       time.Duration `yaml:"max_age"`
		TickInterval time.Duration `yaml:"tick_interval"`
		ChannelSize  int           `yaml:"channel_size"`
	}

	StorageConfig struct {
		// Driver is "pebble" or "mongo".
		Driver     string `yaml:"driver"`
		PebblePath string `yaml:"pebble_path"`
		MongoURI   string `yaml:"mongo_uri"`
		MongoDB    string `yaml:"mongo_db"`
	}

	RedisConfig struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	NATSConfig struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	}

	OpsConfig struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	}

	LogConfig struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}
)

func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:           "0.0.0.0",
			Port:           8585,
			MaxConnections: 1000,
			IdleTimeout:    30 * time.Second,
			MaxMessageSize: 4096,
			ReadBufferSize: 4096,
			OutboxSize:     64,
			RateLimit:      500,
			RateBurst:      100,
		},
		Session: SessionConfig{
			CompID:         "ROMER",
			BeginString:    "FIX.4.4",
			MinHeartbeat:   10 * time.Second,
			MaxHeartbeat:   60 * time.Second,
			SweepInterval:  time.Second,
			ForwardTimeout: time.Second,
			MaxClockSkew:   30 * time.Second,
			ChannelSize:    1024,
		},
		Batch: BatchConfig{
			MaxSize:      100,
			MaxAge:       time.Second,
			TickInterval: 100 * time.Millisecond,
			ChannelSize:  16,
		},
		Storage: StorageConfig{
			Driver:     "pebble",
			PebblePath: "data/blocks",
			MongoURI:   "mongodb://localhost:27017",
			MongoDB:    "romer",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "romer.blocks",
		},
		Ops: OpsConfig{
			Enabled: true,
			Addr:    "localhost:9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the startup configuration: defaults, then the YAML file at
// path (if any), then .env, then ROMER_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HOST":              &c.Network.Host,
		"COMP_ID":           &c.Session.CompID,
		"BEGIN_STRING":      &c.Session.BeginString,
		"PARTICIPANTS_FILE": &c.Session.ParticipantsFile,
		"STORAGE_DRIVER":    &c.Storage.Driver,
		"PEBBLE_PATH":       &c.Storage.PebblePath,
		"MONGO_URI":         &c.Storage.MongoURI,
		"MONGO_DB":          &c.Storage.MongoDB,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"NATS_URL":          &c.NATS.URL,
		"NATS_SUBJECT":      &c.NATS.Subject,
		"OPS_ADDR":          &c.Ops.Addr,
		"LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":             &c.Network.Port,
		"MAX_CONNECTIONS":  &c.Network.MaxConnections,
		"MAX_MESSAGE_SIZE": &c.Network.MaxMessageSize,
		"BATCH_MAX_SIZE":   &c.Batch.MaxSize,
		"REDIS_DB":         &c.Redis.DB,
	}
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"IDLE_TIMEOUT":   &c.Network.IdleTimeout,
		"BATCH_MAX_AGE":  &c.Batch.MaxAge,
		"SWEEP_INTERVAL": &c.Session.SweepInterval,
	}
	for key, dst := range durations {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"REDIS_ENABLED":   &c.Redis.Enabled,
		"NATS_ENABLED":    &c.NATS.Enabled,
		"OPS_ENABLED":     &c.Ops.Enabled,
		"LOG_DEVELOPMENT": &c.Log.Development,
	}
	for key, dst := range bools {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.Network.MaxConnections <= 0 {
		errs = append(errs, errors.New("network.max_connections must be positive"))
	}
	if c.Network.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("network.max_message_size must be positive"))
	}
	if c.Network.IdleTimeout <= 0 {
		errs = append(errs, errors.New("network.idle_timeout must be positive"))
	}
	if c.Session.CompID == "" {
		errs = append(errs, errors.New("session.comp_id cannot be empty"))
	}
	if c.Session.MinHeartbeat <= 0 || c.Session.MaxHeartbeat < c.Session.MinHeartbeat {
		errs = append(errs, errors.New("session heartbeat bounds are invalid"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, errors.New("batch.max_size must be positive"))
	}
	if c.Batch.MaxAge <= 0 || c.Batch.TickInterval <= 0 {
		errs = append(errs, errors.New("batch.max_age and batch.tick_interval must be positive"))
	}
	switch c.Storage.Driver {
	case "pebble":
		if c.Storage.PebblePath == "" {
			errs = append(errs, errors.New("storage.pebble_path cannot be empty"))
		}
	case "mongo":
		if c.Storage.MongoURI == "" || c.Storage.MongoDB == "" {
			errs = append(errs, errors.New("storage.mongo_uri and storage.mongo_db are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not pebble or mongo", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}
