package policy

import (
	"fmt"
	"strings"
)

// FinishReason explains why a request stopped generating.
type FinishReason int

const (
	FinishLength FinishReason = iota
	FinishEOSToken
	FinishStopSequence
)

func (r FinishReason) String() string {
	switch r {
	case FinishLength:
		return "length"
	case FinishEOSToken:
		return "eos_token"
	case FinishStopSequence:
		return "stop_sequence"
	default:
		return "unknown"
	}
}

// MarshalText renders the reason as its wire name.
func (r FinishReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *FinishReason) UnmarshalText(b []byte) error {
	for _, c := range []FinishReason{FinishLength, FinishEOSToken, FinishStopSequence} {
		if c.String() == string(b) {
			*r = c
			return nil
		}
	}
	return fmt.Errorf("unknown finish reason %q", b)
}

// stopWindow bounds the rolling output matched against stop sequences.
const stopWindow = 300

// StoppingParams are the per request stop conditions.
type StoppingParams struct {
	MaxNewTokens  int
	StopSequences []string
	IgnoreEOS     bool
}

// StoppingCriteria tracks generated tokens for one request.
type StoppingCriteria struct {
	eos       int
	maxNew    int
	ignoreEOS bool
	stops     []string
	current   int
	output    string
	done      bool
	reason    FinishReason
}

// NewStoppingCriteria returns criteria for p. eos is the model end token; a
// negative value disables the end token check.
func NewStoppingCriteria(p StoppingParams, eos int) *StoppingCriteria {
	stops := make([]string, 0, len(p.StopSequences))
	for _, s := range p.StopSequences {
		if s != "" {
			stops = append(stops, s)
		}
	}
	return &StoppingCriteria{
		eos:       eos,
		maxNew:    p.MaxNewTokens,
		ignoreEOS: p.IgnoreEOS,
		stops:     stops,
	}
}

// Check records one generated token and its newly emitted text and reports
// whether generation must stop.
func (s *StoppingCriteria) Check(token int, text string) (bool, FinishReason) {
	stop, reason := s.check(token, text)
	if stop && !s.done {
		s.done, s.reason = true, reason
	}
	return stop, reason
}

func (s *StoppingCriteria) check(token int, text string) (bool, FinishReason) {
	s.current++
	if s.current >= s.maxNew {
		return true, FinishLength
	}
	if !s.ignoreEOS && s.eos >= 0 && token == s.eos {
		return true, FinishEOSToken
	}
	if len(s.stops) == 0 {
		return false, 0
	}
	s.output += text
	if len(s.output) > stopWindow {
		s.output = s.output[len(s.output)-stopWindow:]
	}
	for _, stop := range s.stops {
		if strings.HasSuffix(s.output, stop) {
			return true, FinishStopSequence
		}
	}
	return false, 0
}

// Stopped reports the reason of the first stop, if any.
func (s *StoppingCriteria) Stopped() (FinishReason, bool) { return s.reason, s.done }

// CurrentTokens is the number of tokens checked so far.
func (s *StoppingCriteria) CurrentTokens() int { return s.current }

// Remaining is the number of tokens left in the budget.
func (s *StoppingCriteria) Remaining() int { return s.maxNew - s.current }
