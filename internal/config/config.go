// Package config loads the weft YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures logging, sharding, engine, model, image and server settings.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Shard  ShardConfig  `yaml:"shard"`
	Engine EngineConfig `yaml:"engine"`
	Model  ModelConfig  `yaml:"model"`
	Image  ImageConfig  `yaml:"image"`
	Server ServerConfig `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ShardConfig places this process in a tensor parallel group.
type ShardConfig struct {
	Rank      int `yaml:"rank"`
	WorldSize int `yaml:"world_size"`
}

type EngineConfig struct {
	PrefixMargin int `yaml:"prefix_margin"`
	// MaskedTokens is a half open [lo, hi) range of ids that are never
	// generated. Empty means everything from the first special token on.
	MaskedTokens []int `yaml:"masked_tokens"`
	MaxNewTokens int   `yaml:"max_new_tokens"`
	Truncate     int   `yaml:"truncate"`
}

// ModelConfig sizes the in-process toy backend.
type ModelConfig struct {
	// Weights is a checkpoint written by "weft save-weights". When set the
	// geometry and seed come from the file.
	Weights     string  `yaml:"weights"`
	Hidden      int     `yaml:"hidden"`
	Layers      int     `yaml:"layers"`
	Heads       int     `yaml:"heads"`
	Seed        int64   `yaml:"seed"`
	RopeTheta   float64 `yaml:"rope_theta"`
	KeysSeqLast bool    `yaml:"keys_seq_last"`
}

type ImageConfig struct {
	Size      int        `yaml:"size"`
	Mean      [3]float32 `yaml:"mean"`
	Std       [3]float32 `yaml:"std"`
	MaxImages int        `yaml:"max_images"`
}

type ServerConfig struct {
	Address        string        `yaml:"address"`
	MetricsAddress string        `yaml:"metrics_address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	QueueSize      int           `yaml:"queue_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "pretty"},
		Shard: ShardConfig{
			Rank:      0,
			WorldSize: 1,
		},
		Engine: EngineConfig{
			PrefixMargin: 5,
			MaxNewTokens: 64,
			Truncate:     512,
		},
		Model: ModelConfig{
			Hidden:    16,
			Layers:    2,
			Heads:     2,
			Seed:      1,
			RopeTheta: 10000,
		},
		Image: ImageConfig{
			Size:      224,
			Mean:      [3]float32{0.48145466, 0.4578275, 0.40821073},
			Std:       [3]float32{0.26862954, 0.26130258, 0.27577711},
			MaxImages: 4,
		},
		Server: ServerConfig{
			Address:        "127.0.0.1:8080",
			MetricsAddress: "127.0.0.1:9090",
			ReadTimeout:    30 * time.Second,
			MaxBatchSize:   32,
			QueueSize:      256,
		},
	}
}

// Path returns the default config file location, or "" when the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "weft", "config.yaml")
}

// Load reads path over the defaults and applies WEFT_* environment
// overrides. A missing file at the default path is not an error; a missing
// file that was asked for explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = Path()
	}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %q: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("WEFT_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("WEFT_ADDRESS")); v != "" {
		cfg.Server.Address = v
	}
	for name, dst := range map[string]*int{
		"WEFT_RANK":       &cfg.Shard.Rank,
		"WEFT_WORLD_SIZE": &cfg.Shard.WorldSize,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "pretty", "text", "json":
	default:
		return fmt.Errorf("log.format must be pretty, text or json, got %q", c.Log.Format)
	}
	if c.Shard.WorldSize < 1 {
		return fmt.Errorf("shard.world_size must be at least 1, got %d", c.Shard.WorldSize)
	}
	if c.Shard.Rank < 0 || c.Shard.Rank >= c.Shard.WorldSize {
		return fmt.Errorf("shard.rank %d outside world size %d", c.Shard.Rank, c.Shard.WorldSize)
	}
	if c.Engine.PrefixMargin < 0 {
		return fmt.Errorf("engine.prefix_margin must not be negative, got %d", c.Engine.PrefixMargin)
	}
	if n := len(c.Engine.MaskedTokens); n != 0 && (n != 2 || c.Engine.MaskedTokens[0] > c.Engine.MaskedTokens[1]) {
		return fmt.Errorf("engine.masked_tokens must be [lo, hi], got %v", c.Engine.MaskedTokens)
	}
	if c.Engine.MaxNewTokens < 1 {
		return fmt.Errorf("engine.max_new_tokens must be positive, got %d", c.Engine.MaxNewTokens)
	}
	if c.Engine.Truncate < 1 {
		return fmt.Errorf("engine.truncate must be positive, got %d", c.Engine.Truncate)
	}
	if c.Model.Hidden < 1 || c.Model.Layers < 1 || c.Model.Heads < 1 {
		return errors.New("model.hidden, model.layers and model.heads must be positive")
	}
	if c.Model.Hidden%c.Model.Heads != 0 || (c.Model.Hidden/c.Model.Heads)%2 != 0 {
		return fmt.Errorf("model.hidden %d must split into even heads of %d", c.Model.Hidden, c.Model.Heads)
	}
	if c.Image.Size < 1 {
		return fmt.Errorf("image.size must be positive, got %d", c.Image.Size)
	}
	for i, s := range c.Image.Std {
		if s == 0 {
			return fmt.Errorf("image.std[%d] is zero", i)
		}
	}
	if c.Server.MaxBatchSize < 1 {
		return fmt.Errorf("server.max_batch_size must be positive, got %d", c.Server.MaxBatchSize)
	}
	if c.Server.QueueSize < 1 {
		return fmt.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	}
	return nil
}
