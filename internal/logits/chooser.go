package logits

import "github.com/samcharles93/weft/internal/tensor"

// Chooser picks the next token for a single request and reports the
// log-probabilities it chose from.
type Chooser interface {
	// Choose returns the selected token and log-softmax over the processed
	// scores. history is every token of the request so far.
	Choose(history []int, scores []float32) (int, []float32)
	// Advance returns the chooser to use after token was accepted.
	Advance(token int) Chooser
	// Seed returns the sampling seed and whether the chooser samples.
	Seed() (int64, bool)
}

// ChooserConfig holds per request selection parameters.
type ChooserConfig struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	DoSample          bool
	Seed              int64
	Grammar           *TokenTrie
}

// NextTokenChooser applies repetition penalty, grammar masking and
// temperature before selecting a token greedily or by seeded sampling.
type NextTokenChooser struct {
	cfg     ChooserConfig
	sampler *Sampler
	grammar *GrammarState
	work    []float32
}

// NewChooser builds a chooser. Greedy selection is used unless DoSample is set.
func NewChooser(cfg ChooserConfig) *NextTokenChooser {
	temp := cfg.Temperature
	if !cfg.DoSample {
		temp = 0
	} else if temp <= 0 {
		temp = 1
	}
	c := &NextTokenChooser{
		cfg: cfg,
		sampler: NewSampler(SamplerConfig{
			Seed:          cfg.Seed,
			Temperature:   temp,
			TopK:          cfg.TopK,
			TopP:          cfg.TopP,
			RepeatPenalty: cfg.RepetitionPenalty,
		}),
	}
	if cfg.Grammar != nil {
		st := cfg.Grammar.Start()
		c.grammar = &st
	}
	return c
}

func (c *NextTokenChooser) Choose(history []int, scores []float32) (int, []float32) {
	c.work = append(c.work[:0], scores...)
	work := c.work
	c.sampler.Penalize(work, history)
	if c.grammar != nil {
		c.grammar.Mask(work)
	}

	next := c.sampler.Pick(work)

	if c.cfg.DoSample && c.sampler.cfg.Temperature != 1 {
		inv := 1 / c.sampler.cfg.Temperature
		for i := range work {
			work[i] *= inv
		}
	}
	logprobs := make([]float32, len(work))
	tensor.LogSoftmax(logprobs, work)
	return next, logprobs
}

func (c *NextTokenChooser) Advance(token int) Chooser {
	if c.grammar == nil {
		return c
	}
	st := c.grammar.Advance(token)
	next := *c
	next.grammar = &st
	next.work = nil
	return &next
}

func (c *NextTokenChooser) Seed() (int64, bool) {
	return c.cfg.Seed, c.cfg.DoSample
}
