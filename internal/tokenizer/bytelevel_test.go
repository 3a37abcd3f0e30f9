package tokenizer

import (
	"slices"
	"strings"
	"testing"
)

func TestByteLevelRoundTrip(t *testing.T) {
	t.Parallel()
	tok := NewByteLevel()
	for _, s := range []string{"", "Hello", "héllo wörld", "日本語"} {
		ids, err := tok.Encode(s)
		if err != nil {
			t.Fatalf("encode %q: %v", s, err)
		}
		if len(ids) != len(s) {
			t.Fatalf("encode %q: got %d ids, want %d", s, len(ids), len(s))
		}
		got, err := tok.Decode(ids, false)
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != s {
			t.Fatalf("round trip: got %q, want %q", got, s)
		}
	}
}

func TestByteLevelSpecials(t *testing.T) {
	t.Parallel()
	tok := NewByteLevel()
	sp := tok.Specials()
	ids, err := tok.Encode("a<image>b</s>")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{'a', sp.Image, 'b', sp.EOS}
	if !slices.Equal(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}

	full, _ := tok.Decode(ids, false)
	if full != "a<image>b</s>" {
		t.Fatalf("decode with specials: %q", full)
	}
	skipped, _ := tok.Decode(ids, true)
	if skipped != "ab" {
		t.Fatalf("decode skipping specials: %q", skipped)
	}
	if !tok.IsSpecial(sp.PAD) || tok.IsSpecial('x') {
		t.Fatal("IsSpecial misclassified ids")
	}
}

func TestByteLevelFakeImageLongestMatch(t *testing.T) {
	t.Parallel()
	tok := NewByteLevel()
	ids, _ := tok.Encode("<fake_token_around_image><image><fake_token_around_image>")
	sp := tok.Specials()
	want := []int{sp.FakeImage, sp.Image, sp.FakeImage}
	if !slices.Equal(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestByteLevelPartialRune(t *testing.T) {
	t.Parallel()
	tok := NewByteLevel()
	ids, _ := tok.Encode("é")
	got, err := tok.Decode(ids[:1], false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, "�") {
		t.Fatalf("expected replacement character for partial rune, got %q", got)
	}
}

func TestByteLevelOutOfRange(t *testing.T) {
	t.Parallel()
	tok := NewByteLevel()
	if _, err := tok.Decode([]int{tok.VocabSize()}, false); err == nil {
		t.Fatal("expected error for out of range id")
	}
}
