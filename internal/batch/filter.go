package batch

import (
	"fmt"

	"github.com/samcharles93/weft/internal/policy"
)

// Filter keeps only the requests in ids, in that order, and shrinks every
// buffer to the retained rows. The receiver is updated in place and
// returned. When ids names every request the batch is returned untouched.
func (b *Batch) Filter(ids []uint64) (*Batch, error) {
	if b.failed != nil {
		return nil, b.failed
	}
	if len(ids) == 0 {
		return nil, ErrEmptyFilter
	}
	index, keep, err := b.Index.Retain(ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == b.Len() {
		return b, nil
	}

	requests := make([]Request, len(keep))
	allTokens := make([][]int, len(keep))
	inputLengths := make([]int, len(keep))
	prefixOffsets := make([]int, len(keep))
	readOffsets := make([]int, len(keep))
	policies := make([]*policy.Policy, len(keep))
	maxInputLength := 0
	paddingRightOffset := 0
	remaining := 0
	for j, row := range keep {
		requests[j] = b.Requests[row]
		allTokens[j] = b.AllTokens[row]
		inputLengths[j] = b.InputLengths[row]
		prefixOffsets[j] = b.PrefixOffsets[row]
		readOffsets[j] = b.ReadOffsets[row]
		policies[j] = b.Policies[row]

		maxInputLength = max(maxInputLength, inputLengths[j])
		left := policies[j].Stopping.Remaining()
		remaining += left
		paddingRightOffset = max(paddingRightOffset, left)
	}

	// Active region keeps its last maxInputLength columns, the reserved
	// region shrinks to the new right offset.
	activeEnd := b.Width() - b.PaddingRightOffset
	lo, hi := activeEnd-maxInputLength, activeEnd+paddingRightOffset
	if lo < 0 || hi > b.Width() {
		return nil, fmt.Errorf("%w: filter window [%d,%d) outside width %d", ErrInvariant, lo, hi, b.Width())
	}
	b.AttentionMask = b.AttentionMask.Gather(keep).Narrow(1, lo, hi)
	if b.ImageAttentionMask != nil {
		b.ImageAttentionMask = b.ImageAttentionMask.Gather(keep).Narrow(1, lo, hi)
	}

	b.TokenIDs = b.TokenIDs.Gather(keep)
	b.PositionIDs = b.PositionIDs.Gather(keep)
	if b.Cache == nil {
		// Still in prefill: the token window spans the active region.
		s := b.TokenIDs.Dim(1)
		b.TokenIDs = b.TokenIDs.Narrow(1, s-maxInputLength, s)
		b.PositionIDs = b.PositionIDs.Narrow(1, s-maxInputLength, s)
	} else {
		b.Cache.retain(keep, maxInputLength-1)
	}
	if b.PixelValues != nil {
		b.PixelValues = b.PixelValues.Gather(keep)
	}
	if b.ImageHiddenStates != nil {
		b.ImageHiddenStates = b.ImageHiddenStates.Gather(keep)
	}

	b.Requests = requests
	b.Index = index
	b.AllTokens = allTokens
	b.InputLengths = inputLengths
	b.PrefixOffsets = prefixOffsets
	b.ReadOffsets = readOffsets
	b.Policies = policies
	b.MaxInputLength = maxInputLength
	b.PaddingRightOffset = paddingRightOffset
	b.MaxTokens = len(keep)*maxInputLength + remaining
	return b, nil
}
