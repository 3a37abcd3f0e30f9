package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/tensor"
)

// ForwardInput is one batched forward call. AttentionMask covers the cached
// positions followed by the token window, so its width is Past.SeqLen() plus
// TokenIDs.Dim(1). ImageAttentionMask is aligned with the token window.
type ForwardInput struct {
	TokenIDs           *tensor.Dense[int]
	PositionIDs        *tensor.Dense[int]
	AttentionMask      *tensor.Dense[int]
	Past               *batch.KVCache
	PixelValues        *tensor.Dense[float32]
	ImageHiddenStates  *tensor.Dense[float32]
	ImageAttentionMask *tensor.Dense[int]
}

// ForwardOutput holds logits for every position of the token window and the
// cache extended by that window.
type ForwardOutput struct {
	Logits *tensor.Dense[float32] // [B, S, vocab]
	// SpeculativeLogits is accepted but not used for selection.
	SpeculativeLogits *tensor.Dense[float32]
	Cache             *batch.KVCache
	ImageHiddenStates *tensor.Dense[float32]
}

// Backend runs the model over a whole batch. Implementations may block on
// collective communication with other shards.
type Backend interface {
	Forward(ctx context.Context, in ForwardInput) (ForwardOutput, error)
}

func safeForward(ctx context.Context, b Backend, in ForwardInput) (out ForwardOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return b.Forward(ctx, in)
}

func checkOutput(out ForwardOutput, rows, window int) error {
	if out.Logits == nil || out.Logits.Rank() != 3 {
		return fmt.Errorf("%w: logits must be [B, S, vocab]", batch.ErrInvariant)
	}
	if out.Logits.Dim(0) != rows || out.Logits.Dim(1) != window {
		return fmt.Errorf("%w: logits %v for %d rows x %d positions", batch.ErrInvariant, out.Logits.Shape(), rows, window)
	}
	if out.Cache == nil || len(out.Cache.Layers) == 0 {
		return fmt.Errorf("%w: forward returned no cache", batch.ErrCacheMismatch)
	}
	return nil
}
