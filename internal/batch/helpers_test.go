package batch

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/tokenizer"
)

const stubImageToken = 7

// stubPreprocessor maps every text byte to its value and every image to
// stubImageToken, left pads with zeros and lets each token attend to every
// image of its row.
type stubPreprocessor struct{}

func (stubPreprocessor) Preprocess(prompts [][]PromptPart, maxTruncation int) (*Encoded, error) {
	n := len(prompts)
	rows := make([][]int, n)
	images := make([]int, n)
	seq, maxImages := 0, 0
	for i, parts := range prompts {
		for _, p := range parts {
			if p.Image != nil {
				rows[i] = append(rows[i], stubImageToken)
				images[i]++
				continue
			}
			for j := 0; j < len(p.Text); j++ {
				rows[i] = append(rows[i], int(p.Text[j]))
			}
		}
		if maxTruncation > 0 && len(rows[i]) > maxTruncation {
			rows[i] = rows[i][len(rows[i])-maxTruncation:]
		}
		seq = max(seq, len(rows[i]))
		maxImages = max(maxImages, images[i])
	}

	enc := &Encoded{
		InputIDs:      tensor.Zeros[int](n, seq),
		AttentionMask: tensor.Zeros[int](n, seq),
	}
	if maxImages > 0 {
		enc.PixelValues = tensor.Zeros[float32](n, maxImages, 1, 2, 2)
		enc.ImageAttentionMask = tensor.Zeros[int](n, seq, maxImages)
	}
	for i, r := range rows {
		pad := seq - len(r)
		for j, id := range r {
			enc.InputIDs.Set(id, i, pad+j)
			enc.AttentionMask.Set(1, i, pad+j)
			for k := 0; k < images[i]; k++ {
				enc.ImageAttentionMask.Set(1, i, pad+j, k)
			}
		}
		for k := 0; k < images[i]; k++ {
			for _, idx := range [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}} {
				enc.PixelValues.Set(float32(i+1), i, k, 0, idx[0], idx[1])
			}
		}
	}
	return enc, nil
}

func textRequest(id uint64, prompt string, maxNew int) Request {
	return Request{
		ID:       id,
		Chunks:   []Chunk{{Kind: ChunkText, Text: prompt}},
		Stopping: policy.StoppingParams{MaxNewTokens: maxNew},
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func build(t *testing.T, id uint64, reqs ...Request) *Batch {
	t.Helper()
	tok := tokenizer.NewByteLevel()
	b, err := FromRequests(id, reqs, stubPreprocessor{}, DefaultBuildOptions(tok, tok.Specials().EOS))
	if err != nil {
		t.Fatalf("FromRequests: %v", err)
	}
	mustValidate(t, b)
	return b
}

func mustValidate(t *testing.T, b *Batch) {
	t.Helper()
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

// cacheValue identifies the cached entry of token index tok of a request.
func cacheValue(id uint64, tok int) float32 {
	return float32(id*1000) + float32(tok)
}

// fakeStep performs the bookkeeping of one decode step with a synthetic
// cache: every real position holds cacheValue of its token, padding holds 0.
func fakeStep(t *testing.T, b *Batch, layout CacheLayout, heads, headDim int) {
	t.Helper()
	n := b.Len()
	seq := b.MaxInputLength
	cache := &KVCache{Layout: layout, Layers: make([]KVLayer, 2)}
	for li := range cache.Layers {
		keys := tensor.Zeros[float32](layout.KeyShape(n, heads, seq, headDim)...)
		values := tensor.Zeros[float32](n, heads, seq, headDim)
		for i := range n {
			l := b.InputLengths[i]
			for p := seq - l; p < seq; p++ {
				v := cacheValue(b.Requests[i].ID, p-(seq-l)) + float32(li)/10
				for h := 0; h < heads; h++ {
					for d := 0; d < headDim; d++ {
						values.Set(v, i, h, p, d)
						if layout == KeysSeqLast {
							keys.Set(v, i, h, d, p)
						} else {
							keys.Set(v, i, h, p, d)
						}
					}
				}
			}
		}
		cache.Layers[li] = KVLayer{Keys: keys, Values: values}
	}

	next := tensor.Zeros[int](n, 1)
	pos := tensor.Zeros[int](n, 1)
	for i := range n {
		tok := int('z')
		b.AllTokens[i] = append(b.AllTokens[i], tok)
		b.InputLengths[i]++
		b.ReadOffsets[i] = b.InputLengths[i]
		b.Policies[i].Stopping.Check(tok, "z")
		b.MaxInputLength = max(b.MaxInputLength, b.InputLengths[i])
		next.Set(tok, i, 0)
		pos.Set(b.PositionIDs.At(i, -1)+1, i, 0)
	}
	if b.PaddingRightOffset == 0 {
		t.Fatal("fakeStep: no reserved capacity left")
	}
	col := b.AttentionMask.Dim(1) - b.PaddingRightOffset
	for i := range n {
		b.AttentionMask.Set(1, i, col)
		if b.ImageAttentionMask != nil {
			for k := 0; k < b.NumImages(); k++ {
				b.ImageAttentionMask.Set(b.ImageAttentionMask.At(i, col-1, k), i, col, k)
			}
		}
	}
	b.PaddingRightOffset--
	b.TokenIDs = next
	b.PositionIDs = pos
	b.Cache = cache
	mustValidate(t, b)
}

// cachedKey returns the key stored for row at position p of
// layer 0, head 0, feature 0 in either layout.
func cachedKey(c *KVCache, row, p int) float32 {
	if c.Layout == KeysSeqLast {
		return c.Layers[0].Keys.At(row, 0, 0, p)
	}
	return c.Layers[0].Keys.At(row, 0, p, 0)
}
