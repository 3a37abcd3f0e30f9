package toy

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/safetensors"
	"github.com/samcharles93/weft/internal/tensor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	m := newModel(t, batch.KeysHeadDimLast)
	// Weights that the seed cannot reproduce.
	m.emb.Data[0] += 3
	m.layers[1].wv.Data[5] = -1
	path := filepath.Join(t.TempDir(), "toy.safetensors")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path, batch.KeysSeqLast)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Config(); got.Vocab != 32 || got.Layers != 2 || got.Layout != batch.KeysSeqLast {
		t.Fatalf("config %+v", got)
	}
	want := prefill(t, m, []int{0, 4, 7})
	got := prefill(t, loaded, []int{0, 4, 7})
	if !closeTo(got.Logits.Data(), want.Logits.Data()) {
		t.Fatal("loaded model diverged from saved model")
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	foreign := filepath.Join(dir, "foreign.safetensors")
	if err := safetensors.Write(foreign, map[string]string{"format": "other"}, map[string]*tensor.Dense[float32]{
		"w": tensor.Zeros[float32](2),
	}); err != nil {
		t.Fatal(err)
	}

	// A checkpoint whose embedding disagrees with its declared vocab.
	m := newModel(t, batch.KeysHeadDimLast)
	good := filepath.Join(dir, "good.safetensors")
	if err := m.Save(good); err != nil {
		t.Fatal(err)
	}
	f, err := safetensors.Open(good)
	if err != nil {
		t.Fatal(err)
	}
	meta := f.Metadata
	meta["vocab"] = "16"
	tensors := make(map[string]*tensor.Dense[float32], len(f.Tensors))
	for name := range f.Tensors {
		if tensors[name], err = f.ReadDense(name); err != nil {
			t.Fatal(err)
		}
	}
	mismatch := filepath.Join(dir, "mismatch.safetensors")
	if err := safetensors.Write(mismatch, meta, tensors); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, path, want string
	}{
		{"missing", filepath.Join(dir, "absent.safetensors"), "open"},
		{"foreign", foreign, "not a toy checkpoint"},
		{"shape", mismatch, "shape"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.path, batch.KeysHeadDimLast)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
