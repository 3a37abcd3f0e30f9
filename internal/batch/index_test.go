package batch

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/weft/internal/tensor"
)

func TestIndexMap(t *testing.T) {
	t.Parallel()
	m, err := NewIndexMap(7, 3, 9)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Insert(3); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if !m.Remove(3) || m.Remove(3) {
		t.Fatal("remove should succeed exactly once")
	}
	if row, ok := m.Lookup(9); !ok || row != 1 {
		t.Fatalf("rows not compacted: 9 -> %d", row)
	}
	if row, err := m.Insert(4); err != nil || row != 2 {
		t.Fatalf("insert 4 -> %d %v", row, err)
	}
	if !slices.Equal(m.IDs(), []uint64{7, 9, 4}) {
		t.Fatalf("ids %v", m.IDs())
	}
}

func TestIndexMapRetain(t *testing.T) {
	t.Parallel()
	m, _ := NewIndexMap(1, 2, 3, 4)
	out, keep, err := m.Retain([]uint64{4, 2})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(keep, []int{3, 1}) || !slices.Equal(out.IDs(), []uint64{4, 2}) {
		t.Fatalf("keep %v ids %v", keep, out.IDs())
	}
	if m.Len() != 4 {
		t.Fatal("retain must not modify the source map")
	}
	if _, _, err := m.Retain([]uint64{5}); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected unknown request, got %v", err)
	}
}

func TestKVCacheToLayout(t *testing.T) {
	t.Parallel()
	keys := tensor.Zeros[float32](1, 2, 3, 4)
	for h := 0; h < 2; h++ {
		for s := 0; s < 3; s++ {
			for d := 0; d < 4; d++ {
				keys.Set(float32(h*100+s*10+d), 0, h, s, d)
			}
		}
	}
	c := &KVCache{Layout: KeysHeadDimLast, Layers: []KVLayer{{Keys: keys, Values: tensor.Zeros[float32](1, 2, 3, 4)}}}
	if c.ToLayout(KeysHeadDimLast) != c {
		t.Fatal("same layout must return the receiver")
	}

	seqLast := c.ToLayout(KeysSeqLast)
	if err := seqLast.check(); err != nil {
		t.Fatal(err)
	}
	if seqLast.SeqLen() != 3 || seqLast.HeadDim() != 4 {
		t.Fatalf("seq %d head dim %d", seqLast.SeqLen(), seqLast.HeadDim())
	}
	if got := seqLast.Layers[0].Keys.At(0, 1, 3, 2); got != 123 {
		t.Fatalf("transposed key %v, want 123", got)
	}
	if back := seqLast.ToLayout(KeysHeadDimLast); !tensor.Equal(back.Layers[0].Keys, keys) {
		t.Fatal("round trip changed keys")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(b *Batch)
	}{
		{"negative offset", func(b *Batch) { b.PaddingRightOffset = -1 }},
		{"mask hole", func(b *Batch) { b.AttentionMask.Set(0, 0, b.MaxInputLength-1) }},
		{"reserved column set", func(b *Batch) { b.AttentionMask.Set(1, 0, b.Width()-1) }},
		{"read past end", func(b *Batch) { b.ReadOffsets[0] = b.InputLengths[0] + 1 }},
		{"budget", func(b *Batch) { b.MaxTokens = 1 }},
		{"cache rows", func(b *Batch) { b.Cache.Layers[0].Values = tensor.Zeros[float32](5, 1, 1, 2) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := build(t, 1, textRequest(1, "abc", 3))
			fakeStep(t, b, KeysHeadDimLast, 1, 2)
			tc.mutate(b)
			if err := b.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
