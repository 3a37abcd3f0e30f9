package inference

import (
	"time"

	"github.com/samcharles93/weft/internal/policy"
)

// Tokens are parallel per token fields.
type Tokens struct {
	IDs       []int     `json:"ids"`
	Logprobs  []float32 `json:"logprobs"`
	Texts     []string  `json:"texts"`
	IsSpecial []bool    `json:"is_special"`
}

// GeneratedText is attached to the generation of a request's final token.
type GeneratedText struct {
	Text            string              `json:"text"`
	GeneratedTokens int                 `json:"generated_tokens"`
	FinishReason    policy.FinishReason `json:"finish_reason"`
	Seed            *int64              `json:"seed,omitempty"`
}

// Generation is the per request output of one step.
type Generation struct {
	RequestID     uint64         `json:"request_id"`
	PrefillTokens *Tokens        `json:"prefill_tokens,omitempty"`
	Tokens        Tokens         `json:"tokens"`
	GeneratedText *GeneratedText `json:"generated_text,omitempty"`
}

// Timings split a step into the forward call and the per row decode work.
type Timings struct {
	Forward time.Duration
	Decode  time.Duration
}

// Total is the wall time of the step.
func (t Timings) Total() time.Duration { return t.Forward + t.Decode }
