package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  format: json
shard:
  rank: 1
  world_size: 2
engine:
  masked_tokens: [256, 262]
model:
  keys_seq_last: true
server:
  read_timeout: 5s
  max_batch_size: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("log %+v", cfg.Log)
	}
	if cfg.Shard.Rank != 1 || cfg.Shard.WorldSize != 2 {
		t.Fatalf("shard %+v", cfg.Shard)
	}
	if cfg.Engine.PrefixMargin != 5 || len(cfg.Engine.MaskedTokens) != 2 {
		t.Fatalf("engine %+v", cfg.Engine)
	}
	if !cfg.Model.KeysSeqLast || cfg.Model.Hidden != 16 {
		t.Fatalf("model %+v", cfg.Model)
	}
	if cfg.Server.ReadTimeout != 5*time.Second || cfg.Server.MaxBatchSize != 4 {
		t.Fatalf("server %+v", cfg.Server)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("WEFT_WORLD_SIZE", "4")
	t.Setenv("WEFT_RANK", "3")
	t.Setenv("WEFT_ADDRESS", ":9999")
	cfg, err := Load(writeFile(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Shard.Rank != 3 || cfg.Shard.WorldSize != 4 || cfg.Server.Address != ":9999" {
		t.Fatalf("env not applied: %+v %+v", cfg.Shard, cfg.Server)
	}

	t.Setenv("WEFT_RANK", "three")
	if _, err := Load(writeFile(t, "")); err == nil || !strings.Contains(err.Error(), "WEFT_RANK") {
		t.Fatalf("expected rank parse error, got %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()
	if _, err := Load(writeFile(t, "shard: [1, 2")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"world", func(c *Config) { c.Shard.WorldSize = 0 }, "world_size"},
		{"rank", func(c *Config) { c.Shard.Rank = 1 }, "shard.rank"},
		{"margin", func(c *Config) { c.Engine.PrefixMargin = -1 }, "prefix_margin"},
		{"masked arity", func(c *Config) { c.Engine.MaskedTokens = []int{1} }, "masked_tokens"},
		{"masked order", func(c *Config) { c.Engine.MaskedTokens = []int{5, 2} }, "masked_tokens"},
		{"max new", func(c *Config) { c.Engine.MaxNewTokens = 0 }, "max_new_tokens"},
		{"heads", func(c *Config) { c.Model.Heads = 3 }, "model.hidden"},
		{"image size", func(c *Config) { c.Image.Size = 0 }, "image.size"},
		{"std", func(c *Config) { c.Image.Std[1] = 0 }, "image.std[1]"},
		{"batch", func(c *Config) { c.Server.MaxBatchSize = 0 }, "max_batch_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}
