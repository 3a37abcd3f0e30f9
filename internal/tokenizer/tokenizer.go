package tokenizer

// Tokenizer defines the minimal interface the batch engine needs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	// Decode renders ids as text. Incomplete UTF-8 sequences decode to
	// U+FFFD so callers can detect a partially emitted character.
	Decode(ids []int, skipSpecial bool) (string, error)
}

// Specials names the special token ids a model relies on. A negative id
// means the token is absent.
type Specials struct {
	PAD            int
	BOS            int
	EOS            int
	FakeImage      int
	Image          int
	EndOfUtterance int
}
