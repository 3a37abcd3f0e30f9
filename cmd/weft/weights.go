package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/tokenizer"
	"github.com/samcharles93/weft/internal/toy"
)

func saveWeightsCmd() *cli.Command {
	var output string
	return &cli.Command{
		Name:  "save-weights",
		Usage: "Write the configured toy model to a safetensors checkpoint",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "checkpoint path",
				Required:    true,
				TakesFile:   true,
				Destination: &output,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := settings
			applyModelConfig(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Model.Weights != "" && cfg.Model.Weights == output {
				return errors.New("output would overwrite the weights being loaded")
			}

			mcfg := toy.DefaultConfig(tokenizer.NewByteLevel().VocabSize())
			mcfg.Hidden = cfg.Model.Hidden
			mcfg.Layers = cfg.Model.Layers
			mcfg.Heads = cfg.Model.Heads
			mcfg.Seed = cfg.Model.Seed
			mcfg.RopeTheta = cfg.Model.RopeTheta
			model, err := loadModel(cfg.Model.Weights, mcfg)
			if err != nil {
				return err
			}
			if err := model.Save(output); err != nil {
				return err
			}
			log.Info("weights saved", "path", output, "hidden", model.Config().Hidden, "layers", model.Config().Layers)
			return nil
		},
	}
}
