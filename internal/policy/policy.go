package policy

import (
	"errors"
	"fmt"

	"github.com/samcharles93/weft/internal/logits"
	"github.com/samcharles93/weft/internal/tokenizer"
)

var ErrInvalidParameters = errors.New("invalid generation parameters")

// SamplingParams are the per request token selection parameters.
type SamplingParams struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	DoSample          bool
	Seed              int64
	// Grammar restricts output to one of these strings when non-empty.
	Grammar []string
}

// Policy couples the token chooser and stopping criteria of one request.
type Policy struct {
	Chooser  logits.Chooser
	Stopping *StoppingCriteria
}

// Validate rejects parameter combinations that cannot produce output.
func Validate(sp SamplingParams, st StoppingParams) error {
	switch {
	case st.MaxNewTokens < 1:
		return fmt.Errorf("%w: max_new_tokens must be at least 1, got %d", ErrInvalidParameters, st.MaxNewTokens)
	case sp.Temperature < 0:
		return fmt.Errorf("%w: temperature must be non-negative", ErrInvalidParameters)
	case sp.TopK < 0:
		return fmt.Errorf("%w: top_k must be non-negative", ErrInvalidParameters)
	case sp.TopP < 0 || sp.TopP > 1:
		return fmt.Errorf("%w: top_p must be in [0, 1]", ErrInvalidParameters)
	case sp.RepetitionPenalty < 0:
		return fmt.Errorf("%w: repetition_penalty must be non-negative", ErrInvalidParameters)
	}
	return nil
}

// New builds the policy for one request. Grammar choices are encoded with
// tok; eos terminates a completed grammar and feeds the stopping criteria.
func New(sp SamplingParams, st StoppingParams, tok tokenizer.Tokenizer, eos int) (*Policy, error) {
	if err := Validate(sp, st); err != nil {
		return nil, err
	}
	cfg := logits.ChooserConfig{
		Temperature:       sp.Temperature,
		TopK:              sp.TopK,
		TopP:              sp.TopP,
		RepetitionPenalty: sp.RepetitionPenalty,
		DoSample:          sp.DoSample,
		Seed:              sp.Seed,
	}
	if len(sp.Grammar) > 0 {
		choices := make([][]int, 0, len(sp.Grammar))
		for _, g := range sp.Grammar {
			ids, err := tok.Encode(g)
			if err != nil {
				return nil, fmt.Errorf("encode grammar choice %q: %w", g, err)
			}
			choices = append(choices, ids)
		}
		trie, err := logits.NewTokenTrie(choices, eos)
		if err != nil {
			return nil, err
		}
		cfg.Grammar = trie
	}
	return &Policy{
		Chooser:  logits.NewChooser(cfg),
		Stopping: NewStoppingCriteria(st, eos),
	}, nil
}

// Advance moves the chooser past an accepted token.
func (p *Policy) Advance(token int) {
	p.Chooser = p.Chooser.Advance(token)
}
