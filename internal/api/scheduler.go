package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/metrics"
	"github.com/samcharles93/weft/internal/policy"
)

// Stepper advances a batch by one token.
type Stepper interface {
	GenerateToken(ctx context.Context, b *batch.Batch) ([]inference.Generation, *batch.Batch, inference.Timings, error)
}

type SchedulerConfig struct {
	MaxBatchSize int
	QueueSize    int
	Build        batch.BuildOptions
	Logger       logger.Logger
}

// Event carries one generation of a request, or the error that ended it.
// The events channel is closed after the last event.
type Event struct {
	Generation inference.Generation
	Err        error
}

type pending struct {
	ctx    context.Context
	req    batch.Request
	events chan Event
}

// Scheduler admits queued requests in arrival order. It prefills new
// requests as their own batch, merges them into the running batch and drops
// finished or abandoned rows after every step. All batch operations happen
// on the goroutine that calls Run.
type Scheduler struct {
	engine   Stepper
	pre      batch.Preprocessor
	build    batch.BuildOptions
	maxBatch int
	log      logger.Logger

	queue chan *pending
	done  chan struct{}

	mu        sync.Mutex
	nextReq   uint64
	nextBatch uint64
	summary   *batch.Summary
}

// NewScheduler rejects sharded engines. Every event is delivered by this
// process, so a rank that does not own every row would leave requests
// without generations.
func NewScheduler(engine Stepper, pre batch.Preprocessor, cfg SchedulerConfig) (*Scheduler, error) {
	if engine == nil || pre == nil {
		return nil, errors.New("scheduler needs an engine and a preprocessor")
	}
	if sharded, ok := engine.(interface{ Shard() inference.Shard }); ok {
		if ws := sharded.Shard().WorldSize; ws > 1 {
			return nil, fmt.Errorf("scheduler serves a single shard, engine has world size %d", ws)
		}
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max batch size must be positive, got %d", cfg.MaxBatchSize)
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.MaxBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		engine:   engine,
		pre:      pre,
		build:    cfg.Build,
		maxBatch: cfg.MaxBatchSize,
		log:      log,
		queue:    make(chan *pending, cfg.QueueSize),
		done:     make(chan struct{}),
		nextReq:  1,
	}, nil
}

// Submit queues req under a fresh id. The returned channel receives one
// event per generated token.
func (s *Scheduler) Submit(ctx context.Context, req batch.Request) (<-chan Event, error) {
	if err := policy.Validate(req.Parameters, req.Stopping); err != nil {
		return nil, err
	}

	// Run closes done under mu, so a request queued here is always seen by
	// its final drain.
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	req.ID = s.nextReq
	s.nextReq++

	// One slot per token plus a terminal error keeps delivery non-blocking.
	p := &pending{ctx: ctx, req: req, events: make(chan Event, req.Stopping.MaxNewTokens+1)}
	select {
	case s.queue <- p:
		metrics.SetQueueDepth(len(s.queue))
		return p.events, nil
	default:
		return nil, ErrQueueFull
	}
}

// QueueDepth is the number of requests waiting for admission.
func (s *Scheduler) QueueDepth() int { return len(s.queue) }

// Running summarises the running batch, or returns nil when idle.
func (s *Scheduler) Running() *batch.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return nil
	}
	out := *s.summary
	return &out
}

// Run drives the engine until ctx is cancelled. Requests still waiting or
// running at that point receive ErrClosed.
func (s *Scheduler) Run(ctx context.Context) error {
	waiting := make(map[uint64]*pending)
	var running *batch.Batch
	defer func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		if running != nil {
			running.Cache.Release()
		}
		for id := range waiting {
			s.finish(waiting, id, ErrClosed)
		}
		for {
			select {
			case p := <-s.queue:
				p.events <- Event{Err: ErrClosed}
				close(p.events)
			default:
				s.setRunning(nil)
				return
			}
		}
	}()

	for {
		var admitted []*pending
		if running == nil {
			select {
			case <-ctx.Done():
				return nil
			case p := <-s.queue:
				admitted = append(admitted, p)
			}
		} else if ctx.Err() != nil {
			return nil
		}

		room := s.maxBatch - len(admitted)
		if running != nil {
			room -= running.Len()
		}
		admitted = append(admitted, s.drain(room)...)
		metrics.SetQueueDepth(len(s.queue))

		if len(admitted) > 0 {
			running = s.merge(running, s.prefill(ctx, admitted, waiting), waiting)
		}
		if running != nil {
			running = s.step(ctx, running, waiting)
		}
		s.setRunning(running)
	}
}

func (s *Scheduler) drain(room int) []*pending {
	var out []*pending
	for range room {
		select {
		case p := <-s.queue:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

// prefill builds and steps a batch for newly admitted requests. When the
// group fails to build, each request is retried alone so one bad image only
// fails its own request.
func (s *Scheduler) prefill(ctx context.Context, admitted []*pending, waiting map[uint64]*pending) *batch.Batch {
	reqs := make([]batch.Request, 0, len(admitted))
	for _, p := range admitted {
		if err := p.ctx.Err(); err != nil {
			p.events <- Event{Err: err}
			close(p.events)
			continue
		}
		waiting[p.req.ID] = p
		reqs = append(reqs, p.req)
	}
	if len(reqs) == 0 {
		return nil
	}

	b, err := batch.FromRequests(s.batchID(), reqs, s.pre, s.build)
	if err != nil {
		if len(reqs) == 1 {
			s.log.Warn("request rejected", "request", reqs[0].ID, "error", err)
			s.finish(waiting, reqs[0].ID, newInvalidRequest(err.Error()))
			return nil
		}
		var out *batch.Batch
		for _, p := range admitted {
			if _, ok := waiting[p.req.ID]; ok {
				out = s.merge(out, s.prefill(ctx, []*pending{p}, waiting), waiting)
			}
		}
		return out
	}
	s.log.Debug("prefill", "batch", b.ID, "size", b.Len(), "max_input_length", b.MaxInputLength)
	return s.step(ctx, b, waiting)
}

// step runs one engine step, delivers the owned generations and drops every
// row that stopped or whose caller went away.
func (s *Scheduler) step(ctx context.Context, b *batch.Batch, waiting map[uint64]*pending) *batch.Batch {
	gens, next, _, err := s.engine.GenerateToken(ctx, b)
	if err != nil {
		s.log.Error("step failed", "batch", b.ID, "error", err)
		s.failBatch(b, waiting, err)
		return nil
	}
	for _, g := range gens {
		if p, ok := waiting[g.RequestID]; ok {
			p.events <- Event{Generation: g}
		}
	}
	if next == nil {
		for _, r := range b.Requests {
			s.finish(waiting, r.ID, nil)
		}
		return nil
	}

	keep := make([]uint64, 0, next.Len())
	for i, r := range next.Requests {
		_, stopped := next.Policies[i].Stopping.Stopped()
		p, ok := waiting[r.ID]
		switch {
		case stopped:
			s.finish(waiting, r.ID, nil)
		case !ok:
		case p.ctx.Err() != nil:
			s.finish(waiting, r.ID, p.ctx.Err())
		default:
			keep = append(keep, r.ID)
		}
	}
	before := next.Len()
	if len(keep) == before {
		return next
	}
	if len(keep) == 0 {
		next.Cache.Release()
		return nil
	}
	out, err := next.Filter(keep)
	if err != nil {
		s.log.Error("filter failed", "batch", next.ID, "error", err)
		s.failBatch(next, waiting, err)
		return nil
	}
	metrics.RecordFilter(before, out.Len())
	return out
}

func (s *Scheduler) merge(running, next *batch.Batch, waiting map[uint64]*pending) *batch.Batch {
	switch {
	case next == nil:
		return running
	case running == nil:
		return next
	}
	out, err := batch.Concatenate([]*batch.Batch{running, next})
	if err != nil {
		s.log.Error("concatenate failed", "running", running.ID, "new", next.ID, "error", err)
		s.failBatch(running, waiting, err)
		s.failBatch(next, waiting, err)
		return nil
	}
	metrics.RecordConcatenate(out.Len())
	return out
}

func (s *Scheduler) failBatch(b *batch.Batch, waiting map[uint64]*pending, err error) {
	for _, r := range b.Requests {
		s.finish(waiting, r.ID, err)
	}
	b.Cache.Release()
}

// finish closes the events of a request, sending err first when non-nil.
func (s *Scheduler) finish(waiting map[uint64]*pending, id uint64, err error) {
	p, ok := waiting[id]
	if !ok {
		return
	}
	delete(waiting, id)
	if err != nil {
		p.events <- Event{Err: err}
	}
	close(p.events)
}

func (s *Scheduler) batchID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextBatch
	s.nextBatch++
	return id
}

func (s *Scheduler) setRunning(b *batch.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		s.summary = nil
		return
	}
	sum := b.Summary()
	s.summary = &sum
}
