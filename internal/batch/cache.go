package batch

import (
	"fmt"
	"slices"

	"github.com/samcharles93/weft/internal/tensor"
)

// CacheLayout describes where the sequence axis of the key tensors lives.
// Values are always [B, heads, seq, headDim].
type CacheLayout int

const (
	// KeysHeadDimLast stores keys as [B, heads, seq, headDim].
	KeysHeadDimLast CacheLayout = iota
	// KeysSeqLast stores keys as [B, heads, headDim, seq].
	KeysSeqLast
)

func (l CacheLayout) String() string {
	if l == KeysSeqLast {
		return "keys_seq_last"
	}
	return "keys_head_dim_last"
}

// KeySeqAxis is the sequence axis of a key tensor in this layout.
func (l CacheLayout) KeySeqAxis() int {
	if l == KeysSeqLast {
		return 3
	}
	return 2
}

const valueSeqAxis = 2

// KeyShape is the key tensor shape for the given geometry.
func (l CacheLayout) KeyShape(rows, heads, seq, headDim int) []int {
	if l == KeysSeqLast {
		return []int{rows, heads, headDim, seq}
	}
	return []int{rows, heads, seq, headDim}
}

// KVLayer holds the cached keys and values of one attention layer.
type KVLayer struct {
	Keys   *tensor.Dense[float32]
	Values *tensor.Dense[float32]
}

// KVCache is the per layer key/value cache of a batch.
type KVCache struct {
	Layout CacheLayout
	Layers []KVLayer
}

// Rows is the batch dimension of the cache.
func (c *KVCache) Rows() int { return c.Layers[0].Values.Dim(0) }

// Heads is the number of attention heads.
func (c *KVCache) Heads() int { return c.Layers[0].Values.Dim(1) }

// SeqLen is the number of cached positions.
func (c *KVCache) SeqLen() int { return c.Layers[0].Values.Dim(valueSeqAxis) }

// HeadDim is the per head feature size.
func (c *KVCache) HeadDim() int { return c.Layers[0].Values.Dim(3) }

// ToLayout returns the cache with keys stored in layout l. The receiver is
// returned unchanged when it already uses l.
func (c *KVCache) ToLayout(l CacheLayout) *KVCache {
	if c.Layout == l {
		return c
	}
	out := &KVCache{Layout: l, Layers: make([]KVLayer, len(c.Layers))}
	for i, layer := range c.Layers {
		out.Layers[i] = KVLayer{Keys: layer.Keys.TransposeLast2(), Values: layer.Values}
	}
	return out
}

// Release drops every tensor reference held by the cache.
func (c *KVCache) Release() {
	if c == nil {
		return
	}
	for i := range c.Layers {
		c.Layers[i] = KVLayer{}
	}
}

func (c *KVCache) check() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: cache has no layers", ErrCacheMismatch)
	}
	rows, heads, seq, hd := c.Rows(), c.Heads(), c.SeqLen(), c.HeadDim()
	for i, layer := range c.Layers {
		if layer.Keys == nil || layer.Values == nil {
			return fmt.Errorf("%w: layer %d released", ErrCacheMismatch, i)
		}
		want := c.Layout.KeyShape(rows, heads, seq, hd)
		if !slices.Equal(layer.Keys.Shape(), want) {
			return fmt.Errorf("%w: layer %d keys %v, want %v", ErrCacheMismatch, i, layer.Keys.Shape(), want)
		}
		if !slices.Equal(layer.Values.Shape(), []int{rows, heads, seq, hd}) {
			return fmt.Errorf("%w: layer %d values %v", ErrCacheMismatch, i, layer.Values.Shape())
		}
	}
	return nil
}

// compatible reports whether two caches can be merged.
func (c *KVCache) compatible(o *KVCache) error {
	switch {
	case c.Layout != o.Layout:
		return fmt.Errorf("%w: layout %s vs %s", ErrCacheMismatch, c.Layout, o.Layout)
	case len(c.Layers) != len(o.Layers):
		return fmt.Errorf("%w: %d vs %d layers", ErrCacheMismatch, len(c.Layers), len(o.Layers))
	case c.Heads() != o.Heads() || c.HeadDim() != o.HeadDim():
		return fmt.Errorf("%w: heads %dx%d vs %dx%d", ErrCacheMismatch, c.Heads(), c.HeadDim(), o.Heads(), o.HeadDim())
	}
	return nil
}

// retain keeps rows and the last keep positions of every layer, releasing
// the previous tensors layer by layer.
func (c *KVCache) retain(rows []int, keep int) {
	for i := range c.Layers {
		layer := c.Layers[i]
		c.Layers[i] = KVLayer{}
		k := layer.Keys.Gather(rows)
		ks := k.Dim(c.Layout.KeySeqAxis())
		v := layer.Values.Gather(rows)
		vs := v.Dim(valueSeqAxis)
		c.Layers[i] = KVLayer{
			Keys:   k.Narrow(c.Layout.KeySeqAxis(), ks-keep, ks),
			Values: v.Narrow(valueSeqAxis, vs-keep, vs),
		}
	}
}
