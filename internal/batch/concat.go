package batch

import (
	"fmt"

	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tensor"
)

// Concatenate merges prefilled batches into a new batch. Rows keep their
// order, batch by batch. Every source is right aligned so the most recent
// token of every row sits in the same column, and source cache tensors are
// released as they are copied. The merged batch takes the id of the first
// input and has no image hidden states; the backend recomputes them from the
// pixel values.
func Concatenate(batches []*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, ErrEmptyConcat
	}
	first := batches[0]
	total, maxInputLength, paddingRightOffset, maxImages := 0, 0, 0, 0
	hasImages := false
	for i, b := range batches {
		if b.failed != nil {
			return nil, fmt.Errorf("batch %d (%d): %w", i, b.ID, b.failed)
		}
		if b.Cache == nil {
			return nil, fmt.Errorf("batch %d (%d): %w", i, b.ID, ErrNotPrefilled)
		}
		if err := b.Cache.check(); err != nil {
			return nil, fmt.Errorf("batch %d (%d): %w", i, b.ID, err)
		}
		if err := first.Cache.compatible(b.Cache); err != nil {
			return nil, fmt.Errorf("batch %d (%d): %w", i, b.ID, err)
		}
		total += b.Len()
		maxInputLength = max(maxInputLength, b.MaxInputLength)
		paddingRightOffset = max(paddingRightOffset, b.PaddingRightOffset)
		if b.PixelValues != nil {
			hasImages = true
			maxImages = max(maxImages, b.PixelValues.Dim(1))
		}
	}

	out := &Batch{
		ID:                 first.ID,
		Requests:           make([]Request, 0, total),
		AllTokens:          make([][]int, 0, total),
		InputLengths:       make([]int, 0, total),
		PrefixOffsets:      make([]int, 0, total),
		ReadOffsets:        make([]int, 0, total),
		Policies:           make([]*policy.Policy, 0, total),
		MaxInputLength:     maxInputLength,
		PaddingRightOffset: paddingRightOffset,
	}
	index, err := NewIndexMap()
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		for _, id := range b.Index.IDs() {
			if _, err := index.Insert(id); err != nil {
				return nil, err
			}
		}
	}
	out.Index = index

	width := maxInputLength + paddingRightOffset
	out.TokenIDs = tensor.Zeros[int](total, 1)
	out.PositionIDs = tensor.Zeros[int](total, 1)
	out.AttentionMask = tensor.Zeros[int](total, width)
	if hasImages {
		pv := firstPixels(batches)
		out.PixelValues = tensor.Zeros[float32](total, maxImages, pv.Dim(2), pv.Dim(3), pv.Dim(4))
		out.ImageAttentionMask = tensor.Zeros[int](total, width, maxImages)
	}

	start := 0
	for _, b := range batches {
		leftOffset := maxInputLength - b.MaxInputLength
		activeStart := b.Width() - b.MaxInputLength - b.PaddingRightOffset

		tensor.CopyInto(out.TokenIDs, b.TokenIDs, start, 0)
		tensor.CopyInto(out.PositionIDs, b.PositionIDs, start, 0)
		tensor.CopyInto(out.AttentionMask, b.AttentionMask.Narrow(1, activeStart, activeStart+b.MaxInputLength), start, leftOffset)
		if b.PixelValues != nil {
			tensor.CopyInto(out.PixelValues, b.PixelValues, start)
			active := b.ImageAttentionMask.Narrow(1, activeStart, activeStart+b.MaxInputLength)
			tensor.CopyInto(out.ImageAttentionMask, active, start, leftOffset, 0)
		}

		out.Requests = append(out.Requests, b.Requests...)
		out.AllTokens = append(out.AllTokens, b.AllTokens...)
		out.InputLengths = append(out.InputLengths, b.InputLengths...)
		out.PrefixOffsets = append(out.PrefixOffsets, b.PrefixOffsets...)
		out.ReadOffsets = append(out.ReadOffsets, b.ReadOffsets...)
		out.Policies = append(out.Policies, b.Policies...)

		out.MaxTokens += b.MaxTokens + leftOffset*b.Len()
		start += b.Len()
	}

	out.Cache = concatCaches(batches, total, maxInputLength-1)
	return out, nil
}

func firstPixels(batches []*Batch) *tensor.Dense[float32] {
	for _, b := range batches {
		if b.PixelValues != nil {
			return b.PixelValues
		}
	}
	return nil
}

// concatCaches copies the last MaxInputLength-1 positions of every source
// into the trailing positions of a zeroed cache of past positions, layer by
// layer, releasing each source tensor once copied.
func concatCaches(batches []*Batch, total, past int) *KVCache {
	ref := batches[0].Cache
	layout := ref.Layout
	heads, headDim := ref.Heads(), ref.HeadDim()
	out := &KVCache{Layout: layout, Layers: make([]KVLayer, len(ref.Layers))}
	keyAxis := layout.KeySeqAxis()

	for j := range out.Layers {
		keys := tensor.Zeros[float32](layout.KeyShape(total, heads, past, headDim)...)
		values := tensor.Zeros[float32](total, heads, past, headDim)
		start := 0
		for _, b := range batches {
			src := b.Cache.Layers[j]
			b.Cache.Layers[j] = KVLayer{}
			seq := b.MaxInputLength - 1

			k := src.Keys.Narrow(keyAxis, src.Keys.Dim(keyAxis)-seq, src.Keys.Dim(keyAxis))
			koff := []int{start, 0, 0, 0}
			koff[keyAxis] = past - seq
			tensor.CopyInto(keys, k, koff...)

			v := src.Values.Narrow(valueSeqAxis, src.Values.Dim(valueSeqAxis)-seq, src.Values.Dim(valueSeqAxis))
			tensor.CopyInto(values, v, start, 0, past-seq, 0)

			start += b.Len()
		}
		out.Layers[j] = KVLayer{Keys: keys, Values: values}
	}
	return out
}
