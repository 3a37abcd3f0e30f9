package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/api"
	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/policy"
)

func generateCmd() *cli.Command {
	var (
		prompts           []string
		stops             []string
		maxNewTokens      int64
		temperature       float64
		topK              int64
		topP              float64
		repetitionPenalty float64
		seed              int64
		truncate          int64
		details           bool
		stream            bool
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate completions for prompts in one continuous batch",
		Description: "Every --prompt becomes one request. Images are referenced inline\n" +
			"with markdown syntax, e.g. --prompt '![](cat.png)What is this?'.",
		Flags: append(modelFlags(),
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (repeatable)",
				Required:    true,
				Destination: &prompts,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "tokens to generate per prompt",
				Destination: &maxNewTokens,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp", "t"},
				Usage:       "sampling temperature",
				Value:       1.0,
				Destination: &temperature,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling",
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top-p sampling",
				Value:       1.0,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "repetition-penalty",
				Usage:       "repetition penalty",
				Value:       1.0,
				Destination: &repetitionPenalty,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Destination: &seed,
			},
			&cli.StringSliceFlag{
				Name:        "stop",
				Usage:       "stop sequence (repeatable)",
				Destination: &stops,
			},
			&cli.Int64Flag{
				Name:        "truncate",
				Usage:       "keep at most this many prompt tokens",
				Destination: &truncate,
			},
			&cli.BoolFlag{
				Name:        "details",
				Usage:       "include prompt token logprobs",
				Destination: &details,
			},
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "emit a line per generated token",
				Destination: &stream,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := settings
			applyModelConfig(cmd, &cfg)
			if cmd.IsSet("max-new-tokens") {
				cfg.Engine.MaxNewTokens = int(maxNewTokens)
			}
			if cmd.IsSet("truncate") {
				cfg.Engine.Truncate = int(truncate)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			st, err := newStack(cfg, log)
			if err != nil {
				return err
			}

			var opts policy.Options
			if cmd.IsSet("temperature") {
				opts.Temperature = &temperature
			}
			if cmd.IsSet("top-k") {
				k := int(topK)
				opts.TopK = &k
			}
			if cmd.IsSet("top-p") {
				opts.TopP = &topP
			}
			if cmd.IsSet("repetition-penalty") {
				opts.RepetitionPenalty = &repetitionPenalty
			}
			if cmd.IsSet("seed") {
				opts.Seed = &seed
			}
			opts.StopSequences = stops
			sp, stp := policy.Resolve(opts, policy.Defaults{MaxNewTokens: cfg.Engine.MaxNewTokens})

			reqs := make([]batch.Request, len(prompts))
			for i, p := range prompts {
				chunks, err := parsePrompt(p)
				if err != nil {
					return fmt.Errorf("prompt %d: %w", i, err)
				}
				reqs[i] = batch.Request{
					ID:              uint64(i),
					Chunks:          chunks,
					Truncate:        cfg.Engine.Truncate,
					Parameters:      sp,
					Stopping:        stp,
					PrefillLogprobs: details,
				}
			}
			return runBatch(ctx, st, reqs, os.Stdout, stream, log)
		},
	}
}

var imageRef = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

// parsePrompt splits text on markdown image references and loads each
// referenced file as an image chunk.
func parsePrompt(text string) ([]batch.Chunk, error) {
	var chunks []batch.Chunk
	last := 0
	for _, m := range imageRef.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			chunks = append(chunks, batch.Chunk{Kind: batch.ChunkText, Text: text[last:m[0]]})
		}
		path := text[m[2]:m[3]]
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		chunks = append(chunks, batch.Chunk{Kind: batch.ChunkImage, Image: data})
		last = m[1]
	}
	if last < len(text) || len(chunks) == 0 {
		chunks = append(chunks, batch.Chunk{Kind: batch.ChunkText, Text: text[last:]})
	}
	return chunks, nil
}

type tokenLine struct {
	Request uint64    `json:"request"`
	Token   api.Token `json:"token"`
}

type resultLine struct {
	Request         uint64              `json:"request"`
	Text            string              `json:"text"`
	FinishReason    policy.FinishReason `json:"finish_reason"`
	GeneratedTokens int                 `json:"generated_tokens"`
	Seed            *int64              `json:"seed,omitempty"`
	Prefill         []api.Token         `json:"prefill,omitempty"`
	Tokens          []api.Token         `json:"tokens"`
}

// runBatch steps one batch to completion, dropping rows as they finish, and
// writes JSON lines to w.
func runBatch(ctx context.Context, st *stack, reqs []batch.Request, w io.Writer, stream bool, log logger.Logger) error {
	b, err := batch.FromRequests(0, reqs, st.pre, st.build)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	results := make(map[uint64]*resultLine, len(reqs))
	for _, r := range reqs {
		results[r.ID] = &resultLine{Request: r.ID}
	}

	var total inference.Timings
	steps := 0
	for b != nil {
		gens, next, timings, err := st.engine.GenerateToken(ctx, b)
		if err != nil {
			return err
		}
		steps++
		total.Forward += timings.Forward
		total.Decode += timings.Decode

		for _, g := range gens {
			res := results[g.RequestID]
			if g.PrefillTokens != nil {
				res.Prefill = api.WireTokens(g.PrefillTokens)
			}
			toks := api.WireTokens(&g.Tokens)
			res.Tokens = append(res.Tokens, toks...)
			if stream {
				for _, tok := range toks {
					if err := enc.Encode(tokenLine{Request: g.RequestID, Token: tok}); err != nil {
						return err
					}
				}
			}
			if gt := g.GeneratedText; gt != nil {
				res.Text = gt.Text
				res.FinishReason = gt.FinishReason
				res.GeneratedTokens = gt.GeneratedTokens
				res.Seed = gt.Seed
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
		}
		if next == nil {
			break
		}

		keep := make([]uint64, 0, next.Len())
		for i, r := range next.Requests {
			if _, stopped := next.Policies[i].Stopping.Stopped(); !stopped {
				keep = append(keep, r.ID)
			}
		}
		if len(keep) < next.Len() {
			log.Debug("filter", "batch", next.ID, "from", next.Len(), "to", len(keep))
			if next, err = next.Filter(keep); err != nil {
				return err
			}
		}
		b = next
	}
	log.Info("batch finished", "requests", len(reqs), "steps", steps,
		"forward", total.Forward, "decode", total.Decode)
	return nil
}
