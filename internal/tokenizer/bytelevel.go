package tokenizer

import (
	"fmt"
	"strings"
)

// Special token strings of the byte level vocabulary.
const (
	PadToken            = "<pad>"
	BOSToken            = "<s>"
	EOSToken            = "</s>"
	FakeImageToken      = "<fake_token_around_image>"
	ImageToken          = "<image>"
	EndOfUtteranceToken = "<end_of_utterance>"
)

var byteLevelSpecials = []string{
	PadToken,
	BOSToken,
	EOSToken,
	FakeImageToken,
	ImageToken,
	EndOfUtteranceToken,
}

// ByteLevel maps every byte to its own id (0..255) and appends the special
// tokens after the byte range. It is lossless for any input string.
type ByteLevel struct {
	specials []string
	ids      map[string]int
	order    []string
}

// NewByteLevel returns the byte level tokenizer with its fixed special set.
func NewByteLevel() *ByteLevel {
	t := &ByteLevel{
		specials: byteLevelSpecials,
		ids:      make(map[string]int, len(byteLevelSpecials)),
	}
	for i, s := range byteLevelSpecials {
		t.ids[s] = 256 + i
	}
	t.order = longestFirst(byteLevelSpecials)
	return t
}

// VocabSize is the number of ids the tokenizer can emit.
func (t *ByteLevel) VocabSize() int { return 256 + len(t.specials) }

// Specials returns the ids of the named special tokens.
func (t *ByteLevel) Specials() Specials {
	return Specials{
		PAD:            t.ids[PadToken],
		BOS:            t.ids[BOSToken],
		EOS:            t.ids[EOSToken],
		FakeImage:      t.ids[FakeImageToken],
		Image:          t.ids[ImageToken],
		EndOfUtterance: t.ids[EndOfUtteranceToken],
	}
}

// IsSpecial reports whether id is outside the byte range.
func (t *ByteLevel) IsSpecial(id int) bool { return id >= 256 && id < t.VocabSize() }

func (t *ByteLevel) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, part := range splitSpecials(text, t.order) {
		if part.isSpecial {
			ids = append(ids, t.ids[part.text])
			continue
		}
		for i := 0; i < len(part.text); i++ {
			ids = append(ids, int(part.text[i]))
		}
	}
	return ids, nil
}

func (t *ByteLevel) Decode(ids []int, skipSpecial bool) (string, error) {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			b = append(b, byte(id))
		case t.IsSpecial(id):
			if !skipSpecial {
				b = append(b, t.specials[id-256]...)
			}
		default:
			return "", fmt.Errorf("token id out of range: %d", id)
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

type textPart struct {
	text      string
	isSpecial bool
}

func longestFirst(specials []string) []string {
	out := append([]string(nil), specials...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && len(out[j]) > len(out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}
