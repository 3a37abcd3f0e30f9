package main

import (
	"fmt"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/config"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/preprocess"
	"github.com/samcharles93/weft/internal/tokenizer"
	"github.com/samcharles93/weft/internal/toy"
)

// stack is everything needed to build and step batches.
type stack struct {
	engine *inference.Engine
	pre    *preprocess.Processor
	build  batch.BuildOptions
}

func newStack(cfg config.Config, log logger.Logger) (*stack, error) {
	tok := tokenizer.NewByteLevel()
	specials := tok.Specials()

	mcfg := toy.DefaultConfig(tok.VocabSize())
	mcfg.Hidden = cfg.Model.Hidden
	mcfg.Layers = cfg.Model.Layers
	mcfg.Heads = cfg.Model.Heads
	mcfg.Seed = cfg.Model.Seed
	mcfg.RopeTheta = cfg.Model.RopeTheta
	if cfg.Model.KeysSeqLast {
		mcfg.Layout = batch.KeysSeqLast
	}
	model, err := loadModel(cfg.Model.Weights, mcfg)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	mcfg = model.Config()
	if mcfg.Vocab != tok.VocabSize() {
		return nil, fmt.Errorf("load model: vocab %d does not match tokenizer vocab %d", mcfg.Vocab, tok.VocabSize())
	}

	// Image placeholders are never generated unless configured otherwise.
	masked := inference.TokenRange{Start: specials.FakeImage, End: specials.Image + 1}
	if m := cfg.Engine.MaskedTokens; len(m) == 2 {
		masked = inference.TokenRange{Start: m[0], End: m[1]}
	}
	engine, err := inference.NewEngine(model, tok, inference.Options{
		Shard:  inference.Shard{Rank: cfg.Shard.Rank, WorldSize: cfg.Shard.WorldSize},
		Masked: masked,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	pcfg := preprocess.DefaultConfig()
	pcfg.ImageSize = cfg.Image.Size
	pcfg.Mean = cfg.Image.Mean
	pcfg.Std = cfg.Image.Std
	pcfg.MaxImages = cfg.Image.MaxImages
	pre, err := preprocess.New(tok, specials, pcfg)
	if err != nil {
		return nil, err
	}

	build := batch.DefaultBuildOptions(tok, specials.EOS)
	build.PrefixMargin = cfg.Engine.PrefixMargin

	log.Info("model ready",
		"vocab", mcfg.Vocab, "hidden", mcfg.Hidden, "layers", mcfg.Layers, "heads", mcfg.Heads,
		"layout", mcfg.Layout, "weights", cfg.Model.Weights, "rank", cfg.Shard.Rank, "world_size", cfg.Shard.WorldSize)
	return &stack{engine: engine, pre: pre, build: build}, nil
}

func loadModel(path string, cfg toy.Config) (*toy.ToyLM, error) {
	if path == "" {
		return toy.New(cfg)
	}
	return toy.Load(path, cfg.Layout)
}
