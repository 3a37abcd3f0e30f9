package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/metrics"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/tokenizer"
)

// Shard identifies this process within a tensor parallel group. Every shard
// runs the full batch; only the owner of a row reports its generations.
type Shard struct {
	Rank      int
	WorldSize int
}

// Owns reports whether this shard emits the generation for row.
func (s Shard) Owns(row int) bool {
	if s.WorldSize <= 1 {
		return true
	}
	return row%s.WorldSize == s.Rank
}

// TokenRange is a half open range of token ids. An empty range disables it.
type TokenRange struct {
	Start, End int
}

func (r TokenRange) empty() bool { return r.End <= r.Start }

// Options configure an Engine.
type Options struct {
	Shard Shard
	// Masked token ids can never be selected. Image placeholder tokens go here.
	Masked TokenRange
	Logger logger.Logger
}

// Engine advances batches one token per call.
type Engine struct {
	backend Backend
	tok     tokenizer.Tokenizer
	shard   Shard
	masked  TokenRange
	log     logger.Logger
}

func NewEngine(backend Backend, tok tokenizer.Tokenizer, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	s := opts.Shard
	if s.WorldSize < 1 {
		s.WorldSize = 1
	}
	if s.Rank < 0 || s.Rank >= s.WorldSize {
		return nil, fmt.Errorf("rank %d outside world size %d", s.Rank, s.WorldSize)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{
		backend: backend,
		tok:     tok,
		shard:   s,
		masked:  opts.Masked,
		log:     log.With("rank", s.Rank),
	}, nil
}

// Shard returns the shard the engine reports for.
func (e *Engine) Shard() Shard { return e.shard }

// GenerateToken runs one forward pass over b and selects the next token of
// every row. It returns the generations owned by this shard and the batch to
// pass to the next call, which is b itself mutated in place. The returned
// batch is nil once every row has stopped. Stopped rows stay in the batch
// until the caller filters them out.
//
// A forward failure leaves b untouched. Any later failure happens after some
// rows advanced, so b is marked with Fail and cannot be used again.
func (e *Engine) GenerateToken(ctx context.Context, b *batch.Batch) ([]Generation, *batch.Batch, Timings, error) {
	var timings Timings
	if err := b.Err(); err != nil {
		return nil, nil, timings, fmt.Errorf("step batch %d: %w", b.ID, err)
	}
	n := b.Len()
	width := b.AttentionMask.Dim(1)
	active := width - b.PaddingRightOffset
	window := b.TokenIDs.Dim(1)
	prefill := b.Phase() == batch.PhasePrefill

	in := ForwardInput{
		TokenIDs:          b.TokenIDs,
		PositionIDs:       b.PositionIDs,
		AttentionMask:     b.AttentionMask.Narrow(1, 0, active),
		Past:              b.Cache,
		PixelValues:       b.PixelValues,
		ImageHiddenStates: b.ImageHiddenStates,
	}
	if b.ImageAttentionMask != nil {
		if window > 1 {
			in.ImageAttentionMask = b.ImageAttentionMask.Narrow(1, 0, active)
		} else {
			in.ImageAttentionMask = b.ImageAttentionMask.Narrow(1, active-1, active)
		}
	}

	start := time.Now()
	out, err := safeForward(ctx, e.backend, in)
	if err != nil {
		return nil, nil, timings, fmt.Errorf("forward batch %d: %w", b.ID, err)
	}
	if err := checkOutput(out, n, window); err != nil {
		return nil, nil, timings, fmt.Errorf("forward batch %d: %w", b.ID, err)
	}
	timings.Forward = time.Since(start)

	fail := func(err error) ([]Generation, *batch.Batch, Timings, error) {
		out.Cache.Release()
		b.Fail(err)
		return nil, nil, timings, err
	}

	start = time.Now()
	e.maskLogits(out.Logits)

	generations := make([]Generation, 0, n)
	next := make([]int, n)
	stopped := true
	for i := range n {
		rowLogits := tensor.MatFromDense(out.Logits, i)
		promptLength := b.InputLengths[i]
		pol := b.Policies[i]

		token, logprobs := pol.Chooser.Choose(b.AllTokens[i], rowLogits.Row(rowLogits.R-1))
		all := append(b.AllTokens[i], token)
		b.AllTokens[i] = all
		b.InputLengths[i] = len(all)
		b.MaxInputLength = max(b.MaxInputLength, len(all))
		next[i] = token

		text, prefix, read, err := e.decodeToken(all, b.PrefixOffsets[i], b.ReadOffsets[i], false)
		if err != nil {
			return fail(fmt.Errorf("decode request %d: %w", b.Requests[i].ID, err))
		}
		b.PrefixOffsets[i], b.ReadOffsets[i] = prefix, read

		gen := Generation{
			RequestID: b.Requests[i].ID,
			Tokens: Tokens{
				IDs:       []int{token},
				Logprobs:  []float32{logprobs[token]},
				Texts:     []string{text},
				IsSpecial: []bool{e.isSpecial(token)},
			},
		}

		stop, reason := pol.Stopping.Check(token, text)
		if stop {
			generated := pol.Stopping.CurrentTokens()
			final, _, _, err := e.decodeToken(all, len(all)-generated-1, len(all)-generated, true)
			if err != nil {
				return fail(fmt.Errorf("decode request %d: %w", b.Requests[i].ID, err))
			}
			gen.GeneratedText = &GeneratedText{
				Text:            final,
				GeneratedTokens: generated,
				FinishReason:    reason,
			}
			if seed, ok := pol.Chooser.Seed(); ok {
				gen.GeneratedText.Seed = &seed
			}
			metrics.RecordFinished(reason.String())
		} else {
			stopped = false
		}

		if pol.Stopping.CurrentTokens() == 1 && b.Requests[i].PrefillLogprobs {
			gen.PrefillTokens, err = e.prefillTokens(all[:promptLength], rowLogits)
			if err != nil {
				return fail(fmt.Errorf("prefill tokens of request %d: %w", b.Requests[i].ID, err))
			}
		}

		pol.Advance(token)

		if e.shard.Owns(i) {
			generations = append(generations, gen)
		}
	}
	timings.Decode = time.Since(start)
	metrics.RecordStep(n, b.MaxTokens, timings.Forward, timings.Decode, n)
	e.log.Debug("step", "batch", b.ID, "size", n, "prefill", prefill,
		"forward", timings.Forward, "decode", timings.Decode, "done", stopped)

	if stopped {
		out.Cache.Release()
		return generations, nil, timings, nil
	}
	if b.PaddingRightOffset == 0 {
		return fail(fmt.Errorf("%w: batch %d has no reserved column left", batch.ErrInvariant, b.ID))
	}
	if out.Cache.SeqLen() != b.MaxInputLength-1 {
		return fail(fmt.Errorf("%w: forward returned %d cached positions, want %d",
			batch.ErrCacheMismatch, out.Cache.SeqLen(), b.MaxInputLength-1))
	}

	// The new token of every row occupies the first reserved column.
	col := width - b.PaddingRightOffset
	positions := tensor.Zeros[int](n, 1)
	for i := range n {
		b.AttentionMask.Set(1, i, col)
		if b.ImageAttentionMask != nil {
			for k := range b.ImageAttentionMask.Dim(2) {
				b.ImageAttentionMask.Set(b.ImageAttentionMask.At(i, col-1, k), i, col, k)
			}
		}
		positions.Set(b.PositionIDs.At(i, -1)+1, i, 0)
	}
	b.PaddingRightOffset--
	b.TokenIDs = tensor.FromData(next, n, 1)
	b.PositionIDs = positions
	b.Cache = out.Cache
	b.ImageHiddenStates = out.ImageHiddenStates
	return generations, b, timings, nil
}

// maskLogits lowers the configured token range to the lowest finite value
// at every position.
func (e *Engine) maskLogits(logits *tensor.Dense[float32]) {
	if e.masked.empty() {
		return
	}
	vocab := logits.Dim(2)
	lo, hi := max(e.masked.Start, 0), min(e.masked.End, vocab)
	data := logits.Data()
	for off := 0; off < len(data); off += vocab {
		row := data[off : off+vocab]
		for t := lo; t < hi; t++ {
			row[t] = -math.MaxFloat32
		}
	}
}

// decodeToken returns the text that all[read:] adds on top of all[prefix:read]
// and the advanced cursors. Nothing is emitted while the tail decodes to an
// incomplete character.
func (e *Engine) decodeToken(all []int, prefix, read int, skipSpecial bool) (string, int, int, error) {
	prefixText, err := e.tok.Decode(all[prefix:read], skipSpecial)
	if err != nil {
		return "", prefix, read, err
	}
	newText, err := e.tok.Decode(all[prefix:], skipSpecial)
	if err != nil {
		return "", prefix, read, err
	}
	if len(newText) > len(prefixText) && !strings.HasSuffix(newText, "\uFFFD") {
		return newText[len(prefixText):], read, len(all), nil
	}
	return "", prefix, read, nil
}

// prefillTokens scores every prompt token against the logits of the
// position before it. The first prompt token has no score.
func (e *Engine) prefillTokens(prompt []int, logits tensor.Mat) (*Tokens, error) {
	l := len(prompt)
	out := &Tokens{
		IDs:       append([]int(nil), prompt...),
		Logprobs:  make([]float32, l),
		Texts:     make([]string, l),
		IsSpecial: make([]bool, l),
	}
	out.Logprobs[0] = float32(math.NaN())
	scratch := make([]float32, logits.C)
	for k := 1; k < l; k++ {
		tensor.LogSoftmax(scratch, logits.Row(logits.R-l+k-1))
		out.Logprobs[k] = scratch[prompt[k]]
	}
	for k, id := range prompt {
		text, err := e.tok.Decode([]int{id}, false)
		if err != nil {
			return nil, err
		}
		out.Texts[k] = text
		out.IsSpecial[k] = e.isSpecial(id)
	}
	return out, nil
}

func (e *Engine) isSpecial(id int) bool {
	s, ok := e.tok.(interface{ IsSpecial(int) bool })
	return ok && s.IsSpecial(id)
}
