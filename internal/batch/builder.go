package batch

import (
	"fmt"

	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/tokenizer"
)

// DefaultPrefixMargin is how many tokens before the read cursor incremental
// decoding re-reads, so sub-word fragments at the boundary are not clipped.
const DefaultPrefixMargin = 5

// BuildOptions configures FromRequests.
type BuildOptions struct {
	// PrefixMargin seeds the prefix cursor at input length minus the margin.
	// Negative values are treated as zero.
	PrefixMargin int
	// Tokenizer encodes grammar choices for the token policies.
	Tokenizer tokenizer.Tokenizer
	// EOS is the end of sequence token id, negative when the model has none.
	EOS int
}

// DefaultBuildOptions returns options with the default prefix margin.
func DefaultBuildOptions(tok tokenizer.Tokenizer, eos int) BuildOptions {
	return BuildOptions{PrefixMargin: DefaultPrefixMargin, Tokenizer: tok, EOS: eos}
}

// FromRequests builds a prefill batch. It fails without a partial batch when
// any chunk cannot be resolved or any request carries invalid parameters.
func FromRequests(id uint64, reqs []Request, pre Preprocessor, opts BuildOptions) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	index, err := NewIndexMap()
	if err != nil {
		return nil, err
	}

	prompts := make([][]PromptPart, len(reqs))
	policies := make([]*policy.Policy, len(reqs))
	maxTruncation := 0
	paddingRightOffset := 0
	sumMaxNew := 0
	for i, r := range reqs {
		if _, err := index.Insert(r.ID); err != nil {
			return nil, err
		}
		parts, err := resolveChunks(r)
		if err != nil {
			return nil, err
		}
		prompts[i] = parts
		p, err := policy.New(r.Parameters, r.Stopping, opts.Tokenizer, opts.EOS)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
		policies[i] = p
		maxTruncation = max(maxTruncation, r.Truncate)
		paddingRightOffset = max(paddingRightOffset, r.Stopping.MaxNewTokens)
		sumMaxNew += r.Stopping.MaxNewTokens
	}

	enc, err := pre.Preprocess(prompts, maxTruncation)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	if err := enc.check(len(reqs)); err != nil {
		return nil, err
	}

	n, seq := enc.InputIDs.Dim(0), enc.InputIDs.Dim(1)
	inputLengths := make([]int, n)
	allTokens := make([][]int, n)
	prefixOffsets := make([]int, n)
	readOffsets := make([]int, n)
	maxInputLength := 0
	margin := max(opts.PrefixMargin, 0)
	for i := range n {
		l := 0
		for _, v := range enc.AttentionMask.Row(i) {
			l += v
		}
		inputLengths[i] = l
		maxInputLength = max(maxInputLength, l)
		allTokens[i] = append([]int(nil), enc.InputIDs.Row(i)[seq-l:]...)
		prefixOffsets[i] = max(l-margin, 0)
		readOffsets[i] = l
	}
	if maxInputLength == 0 {
		return nil, fmt.Errorf("%w: every prompt is empty", ErrMalformedInput)
	}

	// Trim columns that are padding in every row.
	tokenIDs := enc.InputIDs.Narrow(1, seq-maxInputLength, seq)
	promptMask := enc.AttentionMask.Narrow(1, seq-maxInputLength, seq)

	width := maxInputLength + paddingRightOffset
	attentionMask := tensor.Zeros[int](n, width)
	tensor.CopyInto(attentionMask, promptMask, 0, 0)

	positionIDs := tensor.Zeros[int](n, maxInputLength)
	for i := range n {
		mask := promptMask.Row(i)
		pos := positionIDs.Row(i)
		acc := 0
		for c, v := range mask {
			acc += v
			if v == 0 {
				pos[c] = 1
			} else {
				pos[c] = acc - 1
			}
		}
	}

	var pixelValues *tensor.Dense[float32]
	var imageMask *tensor.Dense[int]
	if enc.PixelValues != nil {
		pixelValues = enc.PixelValues
		images := enc.ImageAttentionMask.Dim(2)
		imageMask = tensor.Zeros[int](n, width, images)
		tensor.CopyInto(imageMask, enc.ImageAttentionMask.Narrow(1, seq-maxInputLength, seq), 0, 0, 0)
	}

	return &Batch{
		ID:                 id,
		Requests:           append([]Request(nil), reqs...),
		Index:              index,
		TokenIDs:           tokenIDs,
		AttentionMask:      attentionMask,
		PositionIDs:        positionIDs,
		PixelValues:        pixelValues,
		ImageAttentionMask: imageMask,
		AllTokens:          allTokens,
		InputLengths:       inputLengths,
		PrefixOffsets:      prefixOffsets,
		ReadOffsets:        readOffsets,
		Policies:           policies,
		MaxInputLength:     maxInputLength,
		PaddingRightOffset: paddingRightOffset,
		MaxTokens:          n*maxInputLength + sumMaxNew,
	}, nil
}
