package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	debug      bool

	weights     string
	rank        int64
	worldSize   int64
	keysSeqLast bool
	modelSeed   int64
	imageSize   int64
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Sources:     cli.EnvVars("WEFT_CONFIG"),
			Destination: &configPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "toy checkpoint to load instead of seeded weights",
			TakesFile:   true,
			Destination: &weights,
		},
		&cli.Int64Flag{
			Name:        "rank",
			Usage:       "rank of this shard",
			Destination: &rank,
		},
		&cli.Int64Flag{
			Name:        "world-size",
			Usage:       "number of shards",
			Value:       1,
			Destination: &worldSize,
		},
		&cli.BoolFlag{
			Name:        "keys-seq-last",
			Usage:       "store cached keys with the sequence axis last",
			Destination: &keysSeqLast,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "weight seed of the toy backend",
			Value:       1,
			Destination: &modelSeed,
		},
		&cli.Int64Flag{
			Name:        "image-size",
			Usage:       "side length images are resized to",
			Value:       224,
			Destination: &imageSize,
		},
	}
}

// Serve flags.
var (
	addr         string
	metricsAddr  string
	readTimeout  time.Duration
	maxBatchSize int64
)

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "prometheus listen address, empty to disable",
			Value:       "127.0.0.1:9090",
			Destination: &metricsAddr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-batch-size",
			Usage:       "maximum number of requests in the running batch",
			Value:       32,
			Destination: &maxBatchSize,
		},
	}
}
