// Package preprocess turns multimodal prompts into the padded token and
// pixel tensors a batch is built from.
package preprocess

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/tokenizer"
)

// CLIP normalisation constants.
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Config controls image handling and prompt assembly.
type Config struct {
	// ImageSize is the side of the square every image is resized to.
	ImageSize int
	Mean      [3]float32
	Std       [3]float32
	// MaxImages per prompt, 0 for no limit.
	MaxImages int
	AddBOS    bool
}

func DefaultConfig() Config {
	return Config{
		ImageSize: 224,
		Mean:      ClipMean,
		Std:       ClipStd,
		AddBOS:    true,
	}
}

var ErrTooManyImages = errors.New("too many images in prompt")

// Processor implements batch.Preprocessor. Every image becomes
// <fake_token_around_image><image><fake_token_around_image>, with adjacent
// images sharing the separator, and each token attends to the most recent
// image before it.
type Processor struct {
	tok      tokenizer.Tokenizer
	specials tokenizer.Specials
	cfg      Config
}

func New(tok tokenizer.Tokenizer, specials tokenizer.Specials, cfg Config) (*Processor, error) {
	if cfg.ImageSize < 1 {
		return nil, fmt.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	for c, s := range cfg.Std {
		if s == 0 {
			return nil, fmt.Errorf("std of channel %d is zero", c)
		}
	}
	if specials.Image < 0 || specials.FakeImage < 0 {
		return nil, errors.New("tokenizer has no image tokens")
	}
	return &Processor{tok: tok, specials: specials, cfg: cfg}, nil
}

// encoded is one prompt before padding. image[j] is the index of the image
// token j attends to, or -1.
type encoded struct {
	ids    []int
	image  []int
	pixels [][]float32
}

func (p *Processor) Preprocess(prompts [][]batch.PromptPart, maxTruncation int) (*batch.Encoded, error) {
	rows := make([]encoded, len(prompts))
	seq, maxImages := 0, 0
	for i, parts := range prompts {
		e, err := p.encode(parts)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		if maxTruncation > 0 && len(e.ids) > maxTruncation {
			e = truncate(e, maxTruncation)
		}
		rows[i] = e
		seq = max(seq, len(e.ids))
		maxImages = max(maxImages, len(e.pixels))
	}

	n := len(prompts)
	out := &batch.Encoded{
		InputIDs:      tensor.Full(p.specials.PAD, n, seq),
		AttentionMask: tensor.Zeros[int](n, seq),
	}
	size := p.cfg.ImageSize
	if maxImages > 0 {
		out.PixelValues = tensor.Zeros[float32](n, maxImages, 3, size, size)
		out.ImageAttentionMask = tensor.Zeros[int](n, seq, maxImages)
	}
	for i, e := range rows {
		pad := seq - len(e.ids)
		for j, id := range e.ids {
			out.InputIDs.Set(id, i, pad+j)
			out.AttentionMask.Set(1, i, pad+j)
			if e.image[j] >= 0 {
				out.ImageAttentionMask.Set(1, i, pad+j, e.image[j])
			}
		}
		for k, px := range e.pixels {
			copy(out.PixelValues.Row(i)[k*len(px):], px)
		}
	}
	return out, nil
}

func (p *Processor) encode(parts []batch.PromptPart) (encoded, error) {
	var e encoded
	current := -1
	push := func(ids ...int) {
		for _, id := range ids {
			e.ids = append(e.ids, id)
			e.image = append(e.image, current)
		}
	}
	if p.cfg.AddBOS && p.specials.BOS >= 0 {
		push(p.specials.BOS)
	}
	lastImage := false
	for _, part := range parts {
		if part.Image == nil {
			ids, err := p.tok.Encode(part.Text)
			if err != nil {
				return e, fmt.Errorf("encode text: %w", err)
			}
			push(ids...)
			lastImage = false
			continue
		}
		if p.cfg.MaxImages > 0 && len(e.pixels) == p.cfg.MaxImages {
			return e, fmt.Errorf("%w: limit is %d", ErrTooManyImages, p.cfg.MaxImages)
		}
		if !lastImage {
			push(p.specials.FakeImage)
		}
		current = len(e.pixels)
		e.pixels = append(e.pixels, p.pixels(part.Image))
		push(p.specials.Image, p.specials.FakeImage)
		lastImage = true
	}
	return e, nil
}

// truncate keeps the last keep tokens and drops images no kept token
// attends to.
func truncate(e encoded, keep int) encoded {
	cut := len(e.ids) - keep
	out := encoded{ids: e.ids[cut:], image: e.image[cut:]}
	first := -1
	for _, k := range out.image {
		if k >= 0 {
			first = k
			break
		}
	}
	if first < 0 {
		return out
	}
	out.pixels = e.pixels[first:]
	attends := make([]int, keep)
	for j, k := range out.image {
		attends[j] = k
		if k >= 0 {
			attends[j] = k - first
		}
	}
	out.image = attends
	return out
}

// pixels resizes img to the configured square and returns normalised
// channel planes [3, size, size].
func (p *Processor) pixels(img image.Image) []float32 {
	size := p.cfg.ImageSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := range size {
		for x := range size {
			off := dst.PixOffset(x, y)
			for c := range 3 {
				v := float32(dst.Pix[off+c]) / 255
				out[c*plane+y*size+x] = (v - p.cfg.Mean[c]) / p.cfg.Std[c]
			}
		}
	}
	return out
}
