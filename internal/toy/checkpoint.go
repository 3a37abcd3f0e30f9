package toy

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/safetensors"
	"github.com/samcharles93/weft/internal/tensor"
)

const (
	tensorEmbed  = "embed"
	tensorHead   = "lm_head"
	tensorImage  = "image_direction"
	layerPattern = "layers.%d.%s"
)

var projNames = [4]string{"wq", "wk", "wv", "wo"}

// Save writes the model weights and geometry to a safetensors file.
func (m *ToyLM) Save(path string) error {
	meta := map[string]string{
		"format":     "weft-toy",
		"vocab":      strconv.Itoa(m.cfg.Vocab),
		"hidden":     strconv.Itoa(m.cfg.Hidden),
		"layers":     strconv.Itoa(m.cfg.Layers),
		"heads":      strconv.Itoa(m.cfg.Heads),
		"seed":       strconv.FormatInt(m.cfg.Seed, 10),
		"rope_theta": strconv.FormatFloat(m.cfg.RopeTheta, 'g', -1, 64),
	}
	tensors := map[string]*tensor.Dense[float32]{
		tensorEmbed: matDense(m.emb),
		tensorHead:  matDense(m.out),
		tensorImage: tensor.FromData(m.image, m.cfg.Hidden),
	}
	for i, l := range m.layers {
		for j, w := range []tensor.Mat{l.wq, l.wk, l.wv, l.wo} {
			tensors[fmt.Sprintf(layerPattern, i, projNames[j])] = matDense(w)
		}
	}
	if err := safetensors.Write(path, meta, tensors); err != nil {
		return fmt.Errorf("toy: save %s: %w", path, err)
	}
	return nil
}

// Load restores a model written by Save. The cache layout is a runtime
// choice and is not part of the checkpoint.
func Load(path string, layout batch.CacheLayout) (*ToyLM, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("toy: open %s: %w", path, err)
	}
	cfg, err := configFromMetadata(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("toy: %s: %w", path, err)
	}
	cfg.Layout = layout
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}

	load := func(name string, dst []float32, shape ...int) error {
		d, err := f.ReadDense(name)
		if err != nil {
			return err
		}
		if !sameShape(d.Shape(), shape) {
			return fmt.Errorf("tensor %s: shape %v, want %v", name, d.Shape(), shape)
		}
		copy(dst, d.Data())
		return nil
	}
	h := cfg.Hidden
	if err := load(tensorEmbed, m.emb.Data, cfg.Vocab, h); err != nil {
		return nil, fmt.Errorf("toy: %w", err)
	}
	if err := load(tensorHead, m.out.Data, cfg.Vocab, h); err != nil {
		return nil, fmt.Errorf("toy: %w", err)
	}
	if err := load(tensorImage, m.image, h); err != nil {
		return nil, fmt.Errorf("toy: %w", err)
	}
	for i := range m.layers {
		l := &m.layers[i]
		for j, w := range []*tensor.Mat{&l.wq, &l.wk, &l.wv, &l.wo} {
			if err := load(fmt.Sprintf(layerPattern, i, projNames[j]), w.Data, h, h); err != nil {
				return nil, fmt.Errorf("toy: %w", err)
			}
		}
	}
	return m, nil
}

func configFromMetadata(meta map[string]string) (Config, error) {
	if meta["format"] != "weft-toy" {
		return Config{}, fmt.Errorf("not a toy checkpoint (format %q)", meta["format"])
	}
	var cfg Config
	ints := []struct {
		key string
		dst *int
	}{
		{"vocab", &cfg.Vocab},
		{"hidden", &cfg.Hidden},
		{"layers", &cfg.Layers},
		{"heads", &cfg.Heads},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(meta[f.key])
		if err != nil {
			return Config{}, fmt.Errorf("metadata %s: %w", f.key, err)
		}
		*f.dst = v
	}
	var err error
	if cfg.Seed, err = strconv.ParseInt(meta["seed"], 10, 64); err != nil {
		return Config{}, fmt.Errorf("metadata seed: %w", err)
	}
	if cfg.RopeTheta, err = strconv.ParseFloat(meta["rope_theta"], 64); err != nil {
		return Config{}, fmt.Errorf("metadata rope_theta: %w", err)
	}
	return cfg, nil
}

func matDense(m tensor.Mat) *tensor.Dense[float32] {
	return tensor.FromData(m.Data, m.R, m.C)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
