package toy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/tensor"
)

// Config sizes a ToyLM.
type Config struct {
	Vocab     int
	Hidden    int
	Layers    int
	Heads     int
	Layout    batch.CacheLayout
	Seed      int64
	RopeTheta float64
}

// DefaultConfig is a small model over vocab tokens.
func DefaultConfig(vocab int) Config {
	return Config{
		Vocab:     vocab,
		Hidden:    16,
		Layers:    2,
		Heads:     2,
		Seed:      1,
		RopeTheta: 10000,
	}
}

type layer struct {
	wq, wk, wv, wo tensor.Mat // [Hidden x Hidden]
}

// ToyLM is a tiny deterministic causal attention model with a real per
// layer key/value cache. Images contribute their mean pixel value, scaled
// by a learned direction, to every token that attends to them.
type ToyLM struct {
	cfg     Config
	headDim int
	emb     tensor.Mat // [Vocab x Hidden]
	out     tensor.Mat // [Vocab x Hidden]
	image   []float32  // [Hidden]
	layers  []layer
	invFreq []float64
}

// New builds a model with weights derived from cfg.Seed.
func New(cfg Config) (*ToyLM, error) {
	switch {
	case cfg.Vocab < 1 || cfg.Hidden < 1 || cfg.Layers < 1 || cfg.Heads < 1:
		return nil, fmt.Errorf("toy: invalid geometry %+v", cfg)
	case cfg.Hidden%cfg.Heads != 0:
		return nil, fmt.Errorf("toy: hidden %d not divisible by %d heads", cfg.Hidden, cfg.Heads)
	case (cfg.Hidden/cfg.Heads)%2 != 0:
		return nil, fmt.Errorf("toy: head dim %d must be even", cfg.Hidden/cfg.Heads)
	}
	if cfg.RopeTheta <= 0 {
		cfg.RopeTheta = 10000
	}
	headDim := cfg.Hidden / cfg.Heads
	m := &ToyLM{
		cfg:     cfg,
		headDim: headDim,
		emb:     tensor.NewMat(cfg.Vocab, cfg.Hidden),
		out:     tensor.NewMat(cfg.Vocab, cfg.Hidden),
		image:   make([]float32, cfg.Hidden),
		layers:  make([]layer, cfg.Layers),
		invFreq: tensor.RoPEFrequencies(headDim, cfg.RopeTheta),
	}
	tensor.FillRand(&m.emb, cfg.Seed+11, 2)
	tensor.FillRand(&m.out, cfg.Seed+23, 2)
	img := tensor.NewMatFromData(1, cfg.Hidden, m.image)
	tensor.FillRand(&img, cfg.Seed+31, 2)
	for i := range m.layers {
		l := &m.layers[i]
		for j, w := range []*tensor.Mat{&l.wq, &l.wk, &l.wv, &l.wo} {
			*w = tensor.NewMat(cfg.Hidden, cfg.Hidden)
			tensor.FillRand(w, cfg.Seed+int64(100*(i+1)+j), 1)
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *ToyLM) Config() Config { return m.cfg }

// HeadDim is the per head feature size of the cache.
func (m *ToyLM) HeadDim() int { return m.headDim }

// Forward implements inference.Backend.
func (m *ToyLM) Forward(ctx context.Context, in inference.ForwardInput) (inference.ForwardOutput, error) {
	if err := ctx.Err(); err != nil {
		return inference.ForwardOutput{}, err
	}
	if in.TokenIDs == nil || in.PositionIDs == nil || in.AttentionMask == nil {
		return inference.ForwardOutput{}, errors.New("toy: token ids, position ids and attention mask are required")
	}
	rows, window := in.TokenIDs.Dim(0), in.TokenIDs.Dim(1)
	past := 0
	var cache *batch.KVCache
	if in.Past != nil {
		cache = in.Past.ToLayout(m.cfg.Layout)
		if err := m.checkPast(cache, rows); err != nil {
			return inference.ForwardOutput{}, err
		}
		past = cache.SeqLen()
	}
	if in.PositionIDs.Dim(0) != rows || in.PositionIDs.Dim(1) != window {
		return inference.ForwardOutput{}, fmt.Errorf("toy: position ids %v for tokens %v", in.PositionIDs.Shape(), in.TokenIDs.Shape())
	}
	if in.AttentionMask.Dim(0) != rows || in.AttentionMask.Dim(1) != past+window {
		return inference.ForwardOutput{}, fmt.Errorf("toy: attention mask %v, want [%d %d]", in.AttentionMask.Shape(), rows, past+window)
	}
	if in.ImageAttentionMask != nil && (in.ImageAttentionMask.Dim(0) != rows || in.ImageAttentionMask.Dim(1) != window) {
		return inference.ForwardOutput{}, fmt.Errorf("toy: image attention mask %v for window %d", in.ImageAttentionMask.Shape(), window)
	}

	images := in.ImageHiddenStates
	if images == nil && in.PixelValues != nil {
		images = m.encodeImages(in.PixelValues)
	}

	next := m.newCache(cache, rows, past+window)
	logits := tensor.Zeros[float32](rows, window, m.cfg.Vocab)
	for b := range rows {
		if err := m.forwardRow(b, in, images, next, past, logits); err != nil {
			return inference.ForwardOutput{}, err
		}
	}
	if cache != nil && cache != in.Past {
		cache.Release()
	}
	return inference.ForwardOutput{Logits: logits, Cache: next, ImageHiddenStates: images}, nil
}

func (m *ToyLM) checkPast(c *batch.KVCache, rows int) error {
	switch {
	case len(c.Layers) != m.cfg.Layers:
		return fmt.Errorf("%w: %d cached layers, model has %d", batch.ErrCacheMismatch, len(c.Layers), m.cfg.Layers)
	case c.Rows() != rows:
		return fmt.Errorf("%w: cache holds %d rows, batch has %d", batch.ErrCacheMismatch, c.Rows(), rows)
	case c.Heads() != m.cfg.Heads || c.HeadDim() != m.headDim:
		return fmt.Errorf("%w: cache heads %dx%d", batch.ErrCacheMismatch, c.Heads(), c.HeadDim())
	}
	return nil
}

// newCache allocates seq positions per layer and copies the past in front.
func (m *ToyLM) newCache(past *batch.KVCache, rows, seq int) *batch.KVCache {
	layout := m.cfg.Layout
	c := &batch.KVCache{Layout: layout, Layers: make([]batch.KVLayer, m.cfg.Layers)}
	for i := range c.Layers {
		keys := tensor.Zeros[float32](layout.KeyShape(rows, m.cfg.Heads, seq, m.headDim)...)
		values := tensor.Zeros[float32](rows, m.cfg.Heads, seq, m.headDim)
		if past != nil {
			tensor.CopyInto(keys, past.Layers[i].Keys)
			tensor.CopyInto(values, past.Layers[i].Values)
		}
		c.Layers[i] = batch.KVLayer{Keys: keys, Values: values}
	}
	return c
}

// encodeImages maps pixel values [B, N, C, H, W] to hidden states [B, N, Hidden].
func (m *ToyLM) encodeImages(pixels *tensor.Dense[float32]) *tensor.Dense[float32] {
	rows, n := pixels.Dim(0), pixels.Dim(1)
	out := tensor.Zeros[float32](rows, n, m.cfg.Hidden)
	for b := range rows {
		img := pixels.Row(b)
		size := len(img) / n
		for k := range n {
			var sum float32
			for _, v := range img[k*size : (k+1)*size] {
				sum += v
			}
			mean := sum / float32(size)
			for d, w := range m.image {
				out.Set(mean*w, b, k, d)
			}
		}
	}
	return out
}

func (m *ToyLM) forwardRow(b int, in inference.ForwardInput, images *tensor.Dense[float32], cache *batch.KVCache, past int, logits *tensor.Dense[float32]) error {
	window := in.TokenIDs.Dim(1)
	hidden := m.cfg.Hidden
	xs := make([][]float32, window)
	for s := range window {
		tok := in.TokenIDs.At(b, s)
		if tok < 0 || tok >= m.cfg.Vocab {
			return fmt.Errorf("toy: token id out of range: %d", tok)
		}
		x := make([]float32, hidden)
		copy(x, m.emb.Row(tok))
		if images != nil && in.ImageAttentionMask != nil {
			for k := range in.ImageAttentionMask.Dim(2) {
				if in.ImageAttentionMask.At(b, s, k) == 1 {
					tensor.Add(x, images.Row(b)[k*hidden:(k+1)*hidden])
				}
			}
		}
		xs[s] = x
	}

	mask := in.AttentionMask.Row(b)
	q := make([]float32, hidden)
	k := make([]float32, hidden)
	v := make([]float32, hidden)
	attn := make([]float32, hidden)
	proj := make([]float32, hidden)
	scores := make([]float32, 0, past+window)
	scale := float32(1 / math.Sqrt(float64(m.headDim)))

	for li := range m.layers {
		l := &m.layers[li]
		kv := cache.Layers[li]
		queries := make([][]float32, window)
		for s, x := range xs {
			pos := in.PositionIDs.At(b, s)
			tensor.MatVec(q, &l.wq, x)
			tensor.MatVec(k, &l.wk, x)
			tensor.MatVec(v, &l.wv, x)
			tensor.ApplyRoPE(q, m.cfg.Heads, m.headDim, pos, m.invFreq)
			tensor.ApplyRoPE(k, m.cfg.Heads, m.headDim, pos, m.invFreq)
			queries[s] = append([]float32(nil), q...)
			for h := range m.cfg.Heads {
				for d := range m.headDim {
					m.setKey(kv.Keys, k[h*m.headDim+d], b, h, past+s, d)
					kv.Values.Set(v[h*m.headDim+d], b, h, past+s, d)
				}
			}
		}
		for s, x := range xs {
			clear(attn)
			for h := range m.cfg.Heads {
				qh := queries[s][h*m.headDim : (h+1)*m.headDim]
				scores = scores[:0]
				var cols []int
				for j := 0; j <= past+s; j++ {
					if mask[j] != 1 {
						continue
					}
					var dot float32
					for d, qv := range qh {
						dot += qv * m.key(kv.Keys, b, h, j, d)
					}
					scores = append(scores, dot*scale)
					cols = append(cols, j)
				}
				tensor.Softmax(scores)
				out := attn[h*m.headDim : (h+1)*m.headDim]
				for c, j := range cols {
					for d := range out {
						out[d] += scores[c] * kv.Values.At(b, h, j, d)
					}
				}
			}
			tensor.MatVec(proj, &l.wo, attn)
			tensor.Add(x, proj)
		}
	}

	rowLogits := tensor.MatFromDense(logits, b)
	for s, x := range xs {
		tensor.MatVec(rowLogits.Row(s), &m.out, x)
	}
	return nil
}

func (m *ToyLM) key(keys *tensor.Dense[float32], b, h, p, d int) float32 {
	if m.cfg.Layout == batch.KeysSeqLast {
		return keys.At(b, h, d, p)
	}
	return keys.At(b, h, p, d)
}

func (m *ToyLM) setKey(keys *tensor.Dense[float32], v float32, b, h, p, d int) {
	if m.cfg.Layout == batch.KeysSeqLast {
		keys.Set(v, b, h, d, p)
		return
	}
	keys.Set(v, b, h, p, d)
}
