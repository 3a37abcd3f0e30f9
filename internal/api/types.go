package api

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/policy"
)

type GenerateRequest struct {
	Inputs     Inputs     `json:"inputs"`
	Parameters Parameters `json:"parameters"`
}

type Parameters struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Grammar           []string `json:"grammar,omitempty"`

	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	IgnoreEOS    *bool    `json:"ignore_eos,omitempty"`

	Truncate            *int `json:"truncate,omitempty"`
	DecoderInputDetails bool `json:"decoder_input_details,omitempty"`
}

func (p Parameters) options() policy.Options {
	return policy.Options{
		Temperature:       p.Temperature,
		TopK:              p.TopK,
		TopP:              p.TopP,
		RepetitionPenalty: p.RepetitionPenalty,
		DoSample:          p.DoSample,
		Seed:              p.Seed,
		Grammar:           p.Grammar,
		MaxNewTokens:      p.MaxNewTokens,
		StopSequences:     p.Stop,
		IgnoreEOS:         p.IgnoreEOS,
	}
}

// InputChunk is one element of an array prompt. Image bytes travel base64
// encoded.
type InputChunk struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image []byte `json:"image,omitempty"`
}

// Inputs accepts either a plain string or an array of chunks.
type Inputs struct {
	Chunks []InputChunk
}

func (v *Inputs) UnmarshalJSON(b []byte) error {
	if v == nil {
		return fmt.Errorf("inputs: nil receiver")
	}
	if len(b) == 0 || string(b) == "null" {
		*v = Inputs{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("inputs: %w", err)
		}
		v.Chunks = []InputChunk{{Type: "text", Text: s}}
		return nil
	case '[':
		var chunks []InputChunk
		if err := json.Unmarshal(b, &chunks); err != nil {
			return fmt.Errorf("inputs: %w", err)
		}
		v.Chunks = chunks
		return nil
	default:
		return fmt.Errorf("inputs: expected string or array")
	}
}

func (v Inputs) MarshalJSON() ([]byte, error) {
	if v.Chunks == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.Chunks)
}

func (v Inputs) chunks() ([]batch.Chunk, error) {
	if len(v.Chunks) == 0 {
		return nil, newInvalidRequest("inputs must not be empty")
	}
	out := make([]batch.Chunk, 0, len(v.Chunks))
	for i, c := range v.Chunks {
		switch c.Type {
		case "text", "":
			out = append(out, batch.Chunk{Kind: batch.ChunkText, Text: c.Text})
		case "image":
			if len(c.Image) == 0 {
				return nil, newInvalidRequest(fmt.Sprintf("inputs[%d]: image chunk has no data", i))
			}
			out = append(out, batch.Chunk{Kind: batch.ChunkImage, Image: c.Image})
		default:
			return nil, newInvalidRequest(fmt.Sprintf("inputs[%d]: unsupported chunk type %q", i, c.Type))
		}
	}
	return out, nil
}

// Logprob encodes NaN, the score of the first prompt token, as null.
type Logprob float32

func (l Logprob) MarshalJSON() ([]byte, error) {
	f := float64(l)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 32), nil
}

func (l *Logprob) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = Logprob(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 32)
	if err != nil {
		return err
	}
	*l = Logprob(f)
	return nil
}

type Token struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Logprob Logprob `json:"logprob"`
	Special bool    `json:"special"`
}

type Details struct {
	FinishReason    policy.FinishReason `json:"finish_reason"`
	GeneratedTokens int                 `json:"generated_tokens"`
	Seed            *int64              `json:"seed,omitempty"`
	Prefill         []Token             `json:"prefill,omitempty"`
	Tokens          []Token             `json:"tokens"`
}

type GenerateResponse struct {
	ID            string  `json:"id"`
	GeneratedText string  `json:"generated_text"`
	Details       Details `json:"details"`
}

// StreamEvent is one server-sent event of /v1/generate_stream.
type StreamEvent struct {
	ID            string   `json:"id"`
	Index         int      `json:"index"`
	Token         Token    `json:"token"`
	GeneratedText *string  `json:"generated_text"`
	Details       *Details `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Queue  int    `json:"queue"`
}

type BatchResponse struct {
	Running *batch.Summary `json:"running"`
	Queue   int            `json:"queue"`
}

// WireTokens converts engine tokens to their JSON form.
func WireTokens(t *inference.Tokens) []Token {
	if t == nil {
		return nil
	}
	out := make([]Token, len(t.IDs))
	for i, id := range t.IDs {
		out[i] = Token{ID: id, Text: t.Texts[i], Logprob: Logprob(t.Logprobs[i]), Special: t.IsSpecial[i]}
	}
	return out
}
