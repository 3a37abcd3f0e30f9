package batch

import (
	"errors"
	"slices"
	"testing"
)

var layouts = []CacheLayout{KeysHeadDimLast, KeysSeqLast}

func TestFilterCompacts(t *testing.T) {
	t.Parallel()
	for _, layout := range layouts {
		t.Run(layout.String(), func(t *testing.T) {
			b := build(t, 1,
				textRequest(1, "abc", 4),
				textRequest(2, "abcdef", 2),
				textRequest(3, "a", 6),
			)
			fakeStep(t, b, layout, 2, 3)
			if b.MaxInputLength != 7 || b.PaddingRightOffset != 5 {
				t.Fatalf("after step max=%d pro=%d", b.MaxInputLength, b.PaddingRightOffset)
			}

			got, err := b.Filter([]uint64{3, 1})
			if err != nil {
				t.Fatal(err)
			}
			if got != b {
				t.Fatal("filter must return the same batch")
			}
			mustValidate(t, b)

			if !slices.Equal(b.Index.IDs(), []uint64{3, 1}) {
				t.Fatalf("ids %v", b.Index.IDs())
			}
			if b.MaxInputLength != 4 || b.PaddingRightOffset != 5 {
				t.Fatalf("max=%d pro=%d", b.MaxInputLength, b.PaddingRightOffset)
			}
			if b.MaxTokens != 2*4+5+3 {
				t.Fatalf("max tokens %d", b.MaxTokens)
			}
			if !slices.Equal(b.AttentionMask.Row(0), []int{0, 0, 1, 1, 0, 0, 0, 0, 0}) {
				t.Fatalf("row 0 mask %v", b.AttentionMask.Row(0))
			}
			if !slices.Equal(b.AttentionMask.Row(1), []int{1, 1, 1, 1, 0, 0, 0, 0, 0}) {
				t.Fatalf("row 1 mask %v", b.AttentionMask.Row(1))
			}
			if b.Cache.SeqLen() != 3 || b.Cache.Rows() != 2 {
				t.Fatalf("cache %d x %d", b.Cache.Rows(), b.Cache.SeqLen())
			}
			// Request 3 had one cached token, request 1 had three.
			if cachedKey(b.Cache, 0, 2) != cacheValue(3, 0) || cachedKey(b.Cache, 0, 1) != 0 {
				t.Fatalf("row 0 cache %v %v", cachedKey(b.Cache, 0, 1), cachedKey(b.Cache, 0, 2))
			}
			for p := 0; p < 3; p++ {
				if cachedKey(b.Cache, 1, p) != cacheValue(1, p) {
					t.Fatalf("row 1 position %d = %v", p, cachedKey(b.Cache, 1, p))
				}
			}
			if string(runes(b.AllTokens[1])) != "abcz" {
				t.Fatalf("row 1 tokens %q", string(runes(b.AllTokens[1])))
			}

			// The compacted batch keeps stepping.
			fakeStep(t, b, layout, 2, 3)
		})
	}
}

func TestFilterAllIsIdentity(t *testing.T) {
	t.Parallel()
	b := build(t, 1, textRequest(1, "abc", 3), textRequest(2, "de", 3))
	fakeStep(t, b, KeysHeadDimLast, 1, 2)
	mask := b.AttentionMask

	got, err := b.Filter([]uint64{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != b || b.AttentionMask != mask {
		t.Fatal("filtering every request must not copy")
	}
	if !slices.Equal(b.Index.IDs(), []uint64{1, 2}) {
		t.Fatalf("identity filter reordered rows: %v", b.Index.IDs())
	}
}

func TestFilterPrefill(t *testing.T) {
	t.Parallel()
	b := build(t, 1, textRequest(1, "abcdef", 3), textRequest(2, "ab", 2))
	got, err := b.Filter([]uint64{2})
	if err != nil {
		t.Fatal(err)
	}
	mustValidate(t, got)
	if got.Phase() != PhasePrefill {
		t.Fatal("filtered prefill batch must stay in prefill")
	}
	if !slices.Equal(got.TokenIDs.Row(0), []int{'a', 'b'}) {
		t.Fatalf("tokens %v", got.TokenIDs.Row(0))
	}
	if !slices.Equal(got.PositionIDs.Row(0), []int{0, 1}) {
		t.Fatalf("positions %v", got.PositionIDs.Row(0))
	}
}

func TestFilterErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ids  []uint64
		want error
	}{
		{"empty", nil, ErrEmptyFilter},
		{"unknown", []uint64{9}, ErrUnknownRequest},
		{"duplicate", []uint64{1, 1, 2}, ErrDuplicateRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := build(t, 1, textRequest(1, "a", 1), textRequest(2, "b", 1), textRequest(3, "c", 1))
			if _, err := b.Filter(tc.ids); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			mustValidate(t, b)
		})
	}
}

func TestFilterImages(t *testing.T) {
	t.Parallel()
	img := Request{
		ID:       5,
		Chunks:   []Chunk{{Kind: ChunkImage, Image: pngBytes(t)}, {Kind: ChunkText, Text: "ab"}},
		Stopping: textRequest(0, "", 3).Stopping,
	}
	b := build(t, 1, textRequest(1, "hello", 2), img)
	fakeStep(t, b, KeysHeadDimLast, 1, 2)

	if _, err := b.Filter([]uint64{5}); err != nil {
		t.Fatal(err)
	}
	mustValidate(t, b)
	if b.PixelValues.Dim(0) != 1 || b.PixelValues.At(0, 0, 0, 0, 0) != 2 {
		t.Fatalf("pixel values not gathered: %v", b.PixelValues.Shape())
	}
	// Image mask follows the attention mask window: 4 active columns, 2 reserved.
	if !slices.Equal(b.ImageAttentionMask.Shape(), []int{1, 6, 1}) {
		t.Fatalf("image mask shape %v", b.ImageAttentionMask.Shape())
	}
	for c := 0; c < 4; c++ {
		if b.ImageAttentionMask.At(0, c, 0) != 1 {
			t.Fatalf("image mask column %d lost", c)
		}
	}
}
