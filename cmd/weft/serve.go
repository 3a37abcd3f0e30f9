package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/weft/internal/api"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/metrics"
	"github.com/samcharles93/weft/internal/policy"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API backed by a continuous batch",
		Flags: append(modelFlags(), serveFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := settings
			applyModelConfig(cmd, &cfg)
			applyServeConfig(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Shard.WorldSize > 1 {
				return fmt.Errorf("serve runs a single shard, got world size %d", cfg.Shard.WorldSize)
			}
			st, err := newStack(cfg, log)
			if err != nil {
				return err
			}

			sched, err := api.NewScheduler(st.engine, st.pre, api.SchedulerConfig{
				MaxBatchSize: cfg.Server.MaxBatchSize,
				QueueSize:    cfg.Server.QueueSize,
				Build:        st.build,
				Logger:       log.With("component", "scheduler"),
			})
			if err != nil {
				return err
			}
			server := api.NewServer(sched, policy.Defaults{MaxNewTokens: cfg.Engine.MaxNewTokens}, cfg.Engine.Truncate)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sched.Run(ctx)
			})
			g.Go(func() error {
				log.Info("starting server", "address", cfg.Server.Address)
				sc := echo.StartConfig{
					Address: cfg.Server.Address,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = cfg.Server.ReadTimeout
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
			if cfg.Server.MetricsAddress != "" {
				g.Go(func() error {
					m := echo.New()
					m.GET("/metrics", echo.WrapHandler(metrics.Handler()))
					log.Info("starting metrics", "address", cfg.Server.MetricsAddress)
					sc := echo.StartConfig{Address: cfg.Server.MetricsAddress}
					return sc.Start(ctx, m)
				})
			}
			return g.Wait()
		},
	}
}
