package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tokenizer"
	"github.com/samcharles93/weft/internal/toy"
)

var errBackend = errors.New("device lost")

type failingEngine struct{}

func (failingEngine) GenerateToken(context.Context, *batch.Batch) ([]inference.Generation, *batch.Batch, inference.Timings, error) {
	return nil, nil, inference.Timings{}, errBackend
}

func textRequest(text string, maxNew int) batch.Request {
	return batch.Request{
		Chunks:   []batch.Chunk{{Kind: batch.ChunkText, Text: text}},
		Stopping: policy.StoppingParams{MaxNewTokens: maxNew},
	}
}

// drainEvents reads until the channel closes and returns the events seen.
func drainEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("events not closed, got %d", len(out))
		}
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()
	engine, pre, opts := newStack(t)
	if _, err := NewScheduler(nil, pre, SchedulerConfig{MaxBatchSize: 1}); err == nil {
		t.Fatal("expected error without engine")
	}
	if _, err := NewScheduler(engine, pre, SchedulerConfig{Build: opts}); err == nil {
		t.Fatal("expected error for zero batch size")
	}

	tok := tokenizer.NewByteLevel()
	m, err := toy.New(toy.DefaultConfig(tok.VocabSize()))
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		shard   inference.Shard
		wantErr bool
	}{
		{inference.Shard{Rank: 0, WorldSize: 1}, false},
		{inference.Shard{Rank: 0, WorldSize: 2}, true},
		{inference.Shard{Rank: 1, WorldSize: 2}, true},
	} {
		sharded, err := inference.NewEngine(m, tok, inference.Options{Shard: tc.shard})
		if err != nil {
			t.Fatal(err)
		}
		_, err = NewScheduler(sharded, pre, SchedulerConfig{MaxBatchSize: 1, Build: opts})
		if (err != nil) != tc.wantErr {
			t.Fatalf("shard %+v: error %v, want error %v", tc.shard, err, tc.wantErr)
		}
	}
}

func TestSubmitDuringShutdownAlwaysCloses(t *testing.T) {
	t.Parallel()
	for round := range 20 {
		engine, pre, opts := newStack(t)
		s, err := NewScheduler(engine, pre, SchedulerConfig{MaxBatchSize: 2, QueueSize: 64, Build: opts})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Run(ctx)
		}()

		var (
			mu       sync.Mutex
			accepted []<-chan Event
			wg       sync.WaitGroup
		)
		for range 8 {
			wg.Go(func() {
				for range 4 {
					events, err := s.Submit(context.Background(), textRequest("race", 2))
					switch {
					case err == nil:
						mu.Lock()
						accepted = append(accepted, events)
						mu.Unlock()
					case !errors.Is(err, ErrClosed) && !errors.Is(err, ErrQueueFull):
						t.Errorf("round %d: submit: %v", round, err)
					}
				}
			})
		}
		cancel()
		wg.Wait()
		<-done

		for _, events := range accepted {
			drainEvents(t, events)
		}
		if _, err := s.Submit(context.Background(), textRequest("late", 1)); !errors.Is(err, ErrClosed) {
			t.Fatalf("round %d: expected closed, got %v", round, err)
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	engine, pre, opts := newStack(t)
	s, err := NewScheduler(engine, pre, SchedulerConfig{MaxBatchSize: 1, QueueSize: 1, Build: opts})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Submit(ctx, textRequest("a", 1)); err != nil {
		t.Fatal(err)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("queue depth %d", s.QueueDepth())
	}
	if _, err := s.Submit(ctx, textRequest("b", 1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, err := s.Submit(ctx, textRequest("c", 0)); !errors.Is(err, policy.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
}

func TestRunDeliversEveryToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a, err := env.sched.Submit(ctx, textRequest("first", 3))
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.sched.Submit(ctx, textRequest("second one", 5))
	if err != nil {
		t.Fatal(err)
	}
	for want, events := range map[int]<-chan Event{3: a, 5: b} {
		got := drainEvents(t, events)
		if len(got) != want {
			t.Fatalf("%d events, want %d", len(got), want)
		}
		for i, ev := range got {
			if ev.Err != nil {
				t.Fatal(ev.Err)
			}
			if (ev.Generation.GeneratedText != nil) != (i == want-1) {
				t.Fatalf("event %d final=%v", i, ev.Generation.GeneratedText != nil)
			}
			if ev.Generation.RequestID != got[0].Generation.RequestID {
				t.Fatal("events of two requests interleaved on one channel")
			}
		}
	}
}

func TestRunSkipsCancelledRequests(t *testing.T) {
	t.Parallel()
	engine, pre, opts := newStack(t)
	s, err := NewScheduler(engine, pre, SchedulerConfig{MaxBatchSize: 2, Build: opts})
	if err != nil {
		t.Fatal(err)
	}
	reqCtx, cancelReq := context.WithCancel(context.Background())
	cancelReq()
	events, err := s.Submit(reqCtx, textRequest("gone", 4))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	got := drainEvents(t, events)
	if len(got) != 1 || !errors.Is(got[0].Err, context.Canceled) {
		t.Fatalf("events %+v", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if _, err := s.Submit(context.Background(), textRequest("late", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed scheduler, got %v", err)
	}
}

func TestRunReportsEngineFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, failingEngine{})
	events, err := env.sched.Submit(context.Background(), textRequest("boom", 2))
	if err != nil {
		t.Fatal(err)
	}
	got := drainEvents(t, events)
	if len(got) != 1 || !errors.Is(got[0].Err, errBackend) {
		t.Fatalf("events %+v", got)
	}
}

func TestRunIsolatesBadImages(t *testing.T) {
	t.Parallel()
	engine, pre, opts := newStack(t)
	s, err := NewScheduler(engine, pre, SchedulerConfig{MaxBatchSize: 4, Build: opts})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	bad := batch.Request{
		Chunks:   []batch.Chunk{{Kind: batch.ChunkImage, Image: []byte("not an image")}},
		Stopping: policy.StoppingParams{MaxNewTokens: 2},
	}
	// Both are queued before Run starts, so they are admitted together.
	badEvents, err := s.Submit(ctx, bad)
	if err != nil {
		t.Fatal(err)
	}
	goodEvents, err := s.Submit(ctx, textRequest("fine", 2))
	if err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	got := drainEvents(t, badEvents)
	if len(got) != 1 || !errors.Is(got[0].Err, ErrInvalidRequest) {
		t.Fatalf("bad request events %+v", got)
	}
	got = drainEvents(t, goodEvents)
	if len(got) != 2 || got[1].Generation.GeneratedText == nil {
		t.Fatalf("good request events %+v", got)
	}
}
