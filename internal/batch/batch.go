package batch

import (
	"fmt"

	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tensor"
)

// Phase is PREFILL until the first step has produced a cache.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

func (p Phase) String() string {
	if p == PhaseDecode {
		return "decode"
	}
	return "prefill"
}

// Batch is the decoding state of a set of in-flight requests. Every per-row
// buffer and list is indexed by the row assigned in Index.
//
// The attention mask is MaxInputLength+PaddingRightOffset columns wide. The
// first MaxInputLength columns are the active region, rows are left padded
// inside it; the trailing PaddingRightOffset columns are reserved for future
// decode steps and are consumed one column per step.
//
// A Batch is exclusively owned by its caller between operations.
type Batch struct {
	ID       uint64
	Requests []Request
	Index    *IndexMap

	// TokenIDs is [B, MaxInputLength] before the first step and [B, 1] after.
	TokenIDs *tensor.Dense[int]
	// AttentionMask is [B, MaxInputLength+PaddingRightOffset].
	AttentionMask *tensor.Dense[int]
	// PositionIDs has the shape of TokenIDs.
	PositionIDs *tensor.Dense[int]

	PixelValues       *tensor.Dense[float32]
	ImageHiddenStates *tensor.Dense[float32]
	// ImageAttentionMask is [B, width, images] with the mask width convention.
	ImageAttentionMask *tensor.Dense[int]

	// Cache is nil in the prefill phase. It holds MaxInputLength-1 positions.
	Cache *KVCache

	// AllTokens holds each request's real tokens, prompt then generated.
	AllTokens     [][]int
	InputLengths  []int
	PrefixOffsets []int
	ReadOffsets   []int
	Policies      []*policy.Policy

	MaxInputLength     int
	PaddingRightOffset int
	MaxTokens          int

	failed error
}

// Fail marks b unusable after a step that mutated some rows and not others.
// The cache is released and every later step, filter or concatenate of b
// returns an error wrapping ErrBatchFailed.
func (b *Batch) Fail(cause error) {
	if b.failed != nil {
		return
	}
	b.failed = fmt.Errorf("%w: %w", ErrBatchFailed, cause)
	b.Cache.Release()
	b.Cache = nil
}

// Err returns the failure recorded by Fail, or nil.
func (b *Batch) Err() error { return b.failed }

// Summary is the scheduler facing view of a batch.
type Summary struct {
	ID         uint64   `json:"id"`
	RequestIDs []uint64 `json:"request_ids"`
	Size       int      `json:"size"`
	MaxTokens  int      `json:"max_tokens"`
}

// Len is the number of rows.
func (b *Batch) Len() int { return len(b.Requests) }

// Phase reports whether the batch still awaits its first step.
func (b *Batch) Phase() Phase {
	if b.Cache == nil {
		return PhasePrefill
	}
	return PhaseDecode
}

// Width is the attention mask width.
func (b *Batch) Width() int { return b.MaxInputLength + b.PaddingRightOffset }

// NumImages is the size of the image axis, zero without images.
func (b *Batch) NumImages() int {
	if b.ImageAttentionMask == nil {
		return 0
	}
	return b.ImageAttentionMask.Dim(2)
}

// Summary returns the batch id, member ids in row order, size and token bound.
func (b *Batch) Summary() Summary {
	return Summary{
		ID:         b.ID,
		RequestIDs: b.Index.IDs(),
		Size:       b.Len(),
		MaxTokens:  b.MaxTokens,
	}
}

// Validate checks the structural invariants shared by every operation.
func (b *Batch) Validate() error {
	n := len(b.Requests)
	for name, l := range map[string]int{
		"index":          b.Index.Len(),
		"all tokens":     len(b.AllTokens),
		"input lengths":  len(b.InputLengths),
		"prefix offsets": len(b.PrefixOffsets),
		"read offsets":   len(b.ReadOffsets),
		"policies":       len(b.Policies),
		"token ids":      b.TokenIDs.Dim(0),
		"position ids":   b.PositionIDs.Dim(0),
		"attention mask": b.AttentionMask.Dim(0),
	} {
		if l != n {
			return fmt.Errorf("%w: %s has %d rows, batch has %d", ErrInvariant, name, l, n)
		}
	}
	for i, r := range b.Requests {
		if row, ok := b.Index.Lookup(r.ID); !ok || row != i {
			return fmt.Errorf("%w: request %d mapped to row %d, stored at %d", ErrInvariant, r.ID, row, i)
		}
	}
	if b.PaddingRightOffset < 0 {
		return fmt.Errorf("%w: negative padding right offset %d", ErrInvariant, b.PaddingRightOffset)
	}
	width := b.Width()
	if b.AttentionMask.Dim(1) != width {
		return fmt.Errorf("%w: attention mask width %d, want %d", ErrInvariant, b.AttentionMask.Dim(1), width)
	}
	if b.ImageAttentionMask != nil && (b.ImageAttentionMask.Dim(0) != n || b.ImageAttentionMask.Dim(1) != width) {
		return fmt.Errorf("%w: image attention mask shape %v", ErrInvariant, b.ImageAttentionMask.Shape())
	}
	used := 0
	for i := range n {
		l := b.InputLengths[i]
		if l > b.MaxInputLength || len(b.AllTokens[i]) != l {
			return fmt.Errorf("%w: row %d input length %d, %d tokens, max %d", ErrInvariant, i, l, len(b.AllTokens[i]), b.MaxInputLength)
		}
		if b.PrefixOffsets[i] < 0 || b.PrefixOffsets[i] > b.ReadOffsets[i] || b.ReadOffsets[i] > l {
			return fmt.Errorf("%w: row %d offsets %d/%d for length %d", ErrInvariant, i, b.PrefixOffsets[i], b.ReadOffsets[i], l)
		}
		row := b.AttentionMask.Row(i)
		for c, v := range row {
			want := 0
			if c < b.MaxInputLength && c >= b.MaxInputLength-l {
				want = 1
			}
			if v != want {
				return fmt.Errorf("%w: row %d mask column %d is %d, want %d", ErrInvariant, i, c, v, want)
			}
		}
		used += l + b.Policies[i].Stopping.Remaining()
	}
	if used > b.MaxTokens {
		return fmt.Errorf("%w: %d tokens admissible, max tokens %d", ErrInvariant, used, b.MaxTokens)
	}
	if b.Cache != nil {
		if err := b.Cache.check(); err != nil {
			return err
		}
		if b.Cache.Rows() != n || b.Cache.SeqLen() != b.MaxInputLength-1 {
			return fmt.Errorf("%w: cache holds %d rows x %d positions, want %d x %d",
				ErrInvariant, b.Cache.Rows(), b.Cache.SeqLen(), n, b.MaxInputLength-1)
		}
	}
	return nil
}
