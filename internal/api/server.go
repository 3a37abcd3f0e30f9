package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/weft/internal/batch"
	"github.com/samcharles93/weft/internal/inference"
	"github.com/samcharles93/weft/internal/policy"
)

// ErrNoResult is returned when a request finished without a final
// generation, which happens for rows owned by another shard.
var ErrNoResult = errors.New("generation finished without a result")

type Server struct {
	sched    *Scheduler
	defaults policy.Defaults
	truncate int
}

// NewServer exposes sched over HTTP. defaults fill unset request parameters
// and truncate caps prompts that do not ask for less.
func NewServer(sched *Scheduler, defaults policy.Defaults, truncate int) *Server {
	return &Server{sched: sched, defaults: defaults, truncate: truncate}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/generate_stream", s.handleGenerateStream)
	e.GET("/v1/batch", s.handleBatch)
	e.GET("/health", s.handleHealth)
}

func (s *Server) request(req GenerateRequest) (batch.Request, error) {
	chunks, err := req.Inputs.chunks()
	if err != nil {
		return batch.Request{}, err
	}
	sp, st := policy.Resolve(req.Parameters.options(), s.defaults)
	truncate := s.truncate
	if t := req.Parameters.Truncate; t != nil {
		if *t < 1 {
			return batch.Request{}, newInvalidRequest("truncate must be positive")
		}
		if truncate == 0 || *t < truncate {
			truncate = *t
		}
	}
	return batch.Request{
		Chunks:          chunks,
		Truncate:        truncate,
		Parameters:      sp,
		Stopping:        st,
		PrefillLogprobs: req.Parameters.DecoderInputDetails,
	}, nil
}

func (s *Server) submit(c *echo.Context) (<-chan Event, error) {
	body, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	req, err := s.request(body)
	if err != nil {
		return nil, err
	}
	return s.sched.Submit(c.Request().Context(), req)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	events, err := s.submit(c)
	if err != nil {
		return writeSubmitError(c, err)
	}
	resp := GenerateResponse{ID: newGenerationID()}
	finished := false
	err = collect(c.Request().Context(), events, func(g inference.Generation) error {
		if g.PrefillTokens != nil {
			resp.Details.Prefill = WireTokens(g.PrefillTokens)
		}
		resp.Details.Tokens = append(resp.Details.Tokens, WireTokens(&g.Tokens)...)
		if gt := g.GeneratedText; gt != nil {
			finished = true
			resp.GeneratedText = gt.Text
			resp.Details.FinishReason = gt.FinishReason
			resp.Details.GeneratedTokens = gt.GeneratedTokens
			resp.Details.Seed = gt.Seed
		}
		return nil
	})
	if err == nil && !finished {
		err = ErrNoResult
	}
	if err != nil {
		return writeSubmitError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerateStream(c *echo.Context) error {
	events, err := s.submit(c)
	if err != nil {
		return writeSubmitError(c, err)
	}
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	id := newGenerationID()
	index := 0
	finished := false
	err = collect(c.Request().Context(), events, func(g inference.Generation) error {
		for _, tok := range WireTokens(&g.Tokens) {
			ev := StreamEvent{ID: id, Index: index, Token: tok}
			index++
			if gt := g.GeneratedText; gt != nil {
				finished = true
				text := gt.Text
				ev.GeneratedText = &text
				ev.Details = &Details{
					FinishReason:    gt.FinishReason,
					GeneratedTokens: gt.GeneratedTokens,
					Seed:            gt.Seed,
					Prefill:         WireTokens(g.PrefillTokens),
				}
			}
			if err := w.Emit(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && !finished {
		err = ErrNoResult
	}
	if err != nil {
		if w.Started() {
			return w.Failed(err)
		}
		return writeSubmitError(c, err)
	}
	return nil
}

func (s *Server) handleBatch(c *echo.Context) error {
	return c.JSON(http.StatusOK, BatchResponse{
		Running: s.sched.Running(),
		Queue:   s.sched.QueueDepth(),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	select {
	case <-s.sched.done:
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "stopped"})
	default:
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Queue: s.sched.QueueDepth()})
}

// collect feeds every generation of events to fn until the channel closes,
// an error event arrives or ctx ends.
func collect(ctx context.Context, events <-chan Event, fn func(inference.Generation) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return ev.Err
			}
			if err := fn(ev.Generation); err != nil {
				return err
			}
		}
	}
}
