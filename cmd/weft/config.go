package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/config"
	"github.com/samcharles93/weft/internal/logger"
)

// settings is the loaded config file with explicitly set flags applied on
// top. Subcommands finish the overlay for their own flags.
var settings config.Config

func setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = logLevel
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = logFormat
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	settings = cfg
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return logger.WithContext(ctx, log), nil
}

// applyModelConfig overrides shard, model and image settings with the
// flags given on the command line.
func applyModelConfig(c *cli.Command, cfg *config.Config) {
	if c.IsSet("weights") {
		cfg.Model.Weights = weights
	}
	if c.IsSet("rank") {
		cfg.Shard.Rank = int(rank)
	}
	if c.IsSet("world-size") {
		cfg.Shard.WorldSize = int(worldSize)
	}
	if c.IsSet("keys-seq-last") {
		cfg.Model.KeysSeqLast = keysSeqLast
	}
	if c.IsSet("model-seed") {
		cfg.Model.Seed = modelSeed
	}
	if c.IsSet("image-size") {
		cfg.Image.Size = int(imageSize)
	}
}

// applyServeConfig overrides server settings with explicit flags.
func applyServeConfig(c *cli.Command, cfg *config.Config) {
	if c.IsSet("addr") {
		cfg.Server.Address = addr
	}
	if c.IsSet("metrics-addr") {
		cfg.Server.MetricsAddress = metricsAddr
	}
	if c.IsSet("read-timeout") {
		cfg.Server.ReadTimeout = readTimeout
	}
	if c.IsSet("max-batch-size") {
		cfg.Server.MaxBatchSize = int(maxBatchSize)
	}
}
