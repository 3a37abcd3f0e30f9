package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSetupFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"JSON", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "INFO  hello"},
		{"unknown", "INFO  hello"},
	}
	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			Setup("info", tc.format, &buf).Info("hello", "rows", 2)
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, buf.String())
			}
		})
	}
}

func TestSetupLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Setup("warn", "json", &buf)
	log.Info("dropped")
	log.Debug("dropped")
	if buf.Len() > 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}

func TestPrettyWithoutColorHasNoEscapes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	// A bytes.Buffer is never a terminal.
	Setup("debug", "pretty", &buf).Debug("step", "batch", 3)
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("unexpected ANSI escapes in %q", buf.String())
	}
	if !strings.Contains(buf.String(), "DEBUG step batch=3") {
		t.Fatalf("unexpected line %q", buf.String())
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	New(NewPrettyHandler(&buf, nil, true)).Error("boom")
	if !strings.Contains(buf.String(), ansiRed) || !strings.HasSuffix(buf.String(), "boom\n") {
		t.Fatalf("unexpected colored line %q", buf.String())
	}
}

func TestPrettyAttributes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		log  func(Logger)
		want string
	}{
		{"with", func(l Logger) { l.With("batch", 7).Info("m", "size", 2) }, "m batch=7 size=2"},
		{"group", func(l Logger) { l.WithGroup("engine").Info("m", "step", 1) }, "m engine.step=1"},
		{"nested", func(l Logger) { l.WithGroup("a").WithGroup("b").Info("m", "k", "v") }, "m a.b.k=v"},
		{"with before group", func(l Logger) { l.With("x", 1).WithGroup("g").Info("m", "y", 2) }, "m x=1 g.y=2"},
		{"group value", func(l Logger) { l.Info("m", slog.Group("req", "id", 4)) }, "m req.id=4"},
		{"quoted", func(l Logger) { l.Info("m", "text", "hello world") }, `m text="hello world"`},
		{"empty", func(l Logger) { l.Info("m", "text", "") }, `m text=""`},
		{"plain", func(l Logger) { l.Info("m", "reason", "length") }, "m reason=length"},
		{"duration", func(l Logger) { l.Info("m", "took", 1234567*time.Nanosecond) }, "m took=1.235ms"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tc.log(New(NewPrettyHandler(&buf, nil, false)))
			if !strings.Contains(buf.String(), tc.want+"\n") {
				t.Fatalf("expected %q in %q", tc.want, buf.String())
			}
		})
	}
}

func TestPrettyEmptyGroupIsSameHandler(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil, false)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("empty group should return the handler unchanged")
	}
}

func TestPrettyDerivedHandlersShareWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := New(NewPrettyHandler(&buf, nil, false))
	loggers := []Logger{root, root.With("a", 1), root.WithGroup("g")}

	var wg sync.WaitGroup
	for _, l := range loggers {
		wg.Go(func() {
			for range 50 {
				l.Info("line")
			}
		})
	}
	wg.Wait()
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 150 {
		t.Fatalf("expected 150 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), Setup("info", "text", &buf))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("logger not stored in context, got %q", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a fallback logger")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.With("k", "v").WithGroup("g").Error("dropped")
}
