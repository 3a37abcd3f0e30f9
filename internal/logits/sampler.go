package logits

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
)

// SamplerConfig configures a Sampler. Temperature <= 0 selects greedily.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
}

// Sampler draws token ids from score vectors with a per request seeded
// generator. It keeps scratch buffers between calls and is not safe for
// concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	cand []candidate
	seen map[int]struct{}
}

type candidate struct {
	id    int
	score float32
	prob  float64
}

func NewSampler(cfg SamplerConfig) *Sampler {
	s := &Sampler{
		rng:    rand.New(rand.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15)),
		greedy: cfg.Temperature <= 0,
		seen:   make(map[int]struct{}),
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	cfg.TopK = max(cfg.TopK, 0)
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	s.cfg = cfg
	return s
}

// Greedy reports whether Pick always returns the argmax.
func (s *Sampler) Greedy() bool {
	return s.greedy || s.cfg.TopK == 1
}

// Penalize applies the repetition penalty in place, once for every distinct
// id in history. Positive scores are divided by the penalty and negative
// ones multiplied.
func (s *Sampler) Penalize(scores []float32, history []int) {
	p := s.cfg.RepeatPenalty
	if p == 1 || len(history) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range history {
		if id < 0 || id >= len(scores) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if scores[id] > 0 {
			scores[id] /= p
		} else {
			scores[id] *= p
		}
	}
}

// Sample penalizes scores by history and picks a token.
func (s *Sampler) Sample(scores []float32, history []int) int {
	s.Penalize(scores, history)
	return s.Pick(scores)
}

// Pick selects a token from scores without modifying them. Ids scored -Inf
// are never sampled.
func (s *Sampler) Pick(scores []float32) int {
	if s.Greedy() {
		return argmax(scores)
	}
	cand := s.candidates(scores)
	if len(cand) == 0 {
		return argmax(scores)
	}

	top := float64(cand[0].score)
	var sum float64
	for i := range cand {
		cand[i].prob = math.Exp(float64(cand[i].score) - top)
		sum += cand[i].prob
	}
	if sum == 0 || math.IsNaN(sum) {
		return cand[0].id
	}

	// Nucleus: keep the smallest prefix whose mass reaches TopP.
	keep := len(cand)
	if s.cfg.TopP < 1 {
		var mass float64
		for i := range cand {
			mass += cand[i].prob / sum
			if mass >= float64(s.cfg.TopP) {
				keep = i + 1
				break
			}
		}
	}
	var kept float64
	for _, c := range cand[:keep] {
		kept += c.prob
	}

	r := s.rng.Float64() * kept
	for _, c := range cand[:keep] {
		r -= c.prob
		if r < 0 {
			return c.id
		}
	}
	return cand[keep-1].id
}

// candidates returns the finite scores divided by temperature, best first
// and cut to TopK. Ties keep the lower id first.
func (s *Sampler) candidates(scores []float32) []candidate {
	inv := 1 / s.cfg.Temperature
	cand := s.cand[:0]
	for id, v := range scores {
		if math.IsInf(float64(v), -1) || math.IsNaN(float64(v)) {
			continue
		}
		cand = append(cand, candidate{id: id, score: v * inv})
	}
	slices.SortFunc(cand, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if k := s.cfg.TopK; k > 0 && k < len(cand) {
		cand = cand[:k]
	}
	s.cand = cand
	return cand
}

// argmax returns the index of the first maximum. It panics on empty input.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i, v := range x[1:] {
		if v > x[best] {
			best = i + 1
		}
	}
	return best
}
