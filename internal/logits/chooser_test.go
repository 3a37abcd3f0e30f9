package logits

import (
	"math"
	"testing"
)

func TestChooserGreedy(t *testing.T) {
	c := NewChooser(ChooserConfig{})
	tok, logprobs := c.Choose(nil, []float32{0.1, 2, 0.5})
	if tok != 1 {
		t.Fatalf("expected argmax 1, got %d", tok)
	}
	var sum float64
	for _, lp := range logprobs {
		sum += math.Exp(float64(lp))
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("logprobs do not normalise: %f", sum)
	}
	if _, sampling := c.Seed(); sampling {
		t.Fatal("greedy chooser reported sampling")
	}
}

func TestChooserDoesNotMutateScores(t *testing.T) {
	c := NewChooser(ChooserConfig{RepetitionPenalty: 3})
	scores := []float32{1, 2, 3}
	c.Choose([]int{2}, scores)
	if scores[2] != 3 {
		t.Fatalf("scores mutated: %v", scores)
	}
}

func TestChooserRepetitionPenaltyChangesChoice(t *testing.T) {
	c := NewChooser(ChooserConfig{RepetitionPenalty: 4})
	tok, _ := c.Choose([]int{2}, []float32{0, 2, 3})
	if tok != 1 {
		t.Fatalf("expected penalty to move choice to 1, got %d", tok)
	}
}

func TestChooserSeededSampling(t *testing.T) {
	cfg := ChooserConfig{DoSample: true, Temperature: 0.8, Seed: 1234}
	a := NewChooser(cfg)
	b := NewChooser(cfg)
	scores := []float32{1, 1.2, 0.9, 1.1}
	for i := 0; i < 8; i++ {
		ta, _ := a.Choose(nil, scores)
		tb, _ := b.Choose(nil, scores)
		if ta != tb {
			t.Fatalf("step %d: seeded choosers diverged %d vs %d", i, ta, tb)
		}
	}
	seed, sampling := a.Seed()
	if !sampling || seed != 1234 {
		t.Fatalf("Seed() = %d, %v", seed, sampling)
	}
}

func TestChooserGrammar(t *testing.T) {
	const end = 9
	trie, err := NewTokenTrie([][]int{{3, 4}, {5}}, end)
	if err != nil {
		t.Fatal(err)
	}
	var c Chooser = NewChooser(ChooserConfig{Grammar: trie})

	// Highest raw score is 0, which the grammar forbids.
	scores := []float32{10, 0, 0, 1, 0, 2, 0, 0, 0, 0}
	tok, logprobs := c.Choose(nil, scores)
	if tok != 5 {
		t.Fatalf("expected grammar choice 5, got %d", tok)
	}
	if !math.IsInf(float64(logprobs[0]), -1) {
		t.Fatalf("disallowed token has finite logprob %f", logprobs[0])
	}

	// Once the choice is complete only the end token remains allowed.
	c = c.Advance(tok)
	tok, logprobs = c.Choose(nil, scores)
	if tok != end {
		t.Fatalf("expected end token after completion, got %d", tok)
	}
	for id, lp := range logprobs {
		if id != end && !math.IsInf(float64(lp), -1) {
			t.Fatalf("token %d still allowed after completion", id)
		}
	}
}

func TestGrammarStateTransitions(t *testing.T) {
	trie, err := NewTokenTrie([][]int{{1, 2}, {1}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	st := trie.Start()
	if !st.Allowed(1) || st.Allowed(2) || st.Allowed(0) {
		t.Fatal("unexpected start permissions")
	}
	st = st.Advance(1)
	if !st.Allowed(2) || !st.Allowed(0) {
		t.Fatal("after 1 both continuation and end are allowed")
	}
	if st.Done() {
		t.Fatal("state with children is not done")
	}
	st = st.Advance(7)
	if !st.Done() || !st.Allowed(0) || st.Allowed(2) {
		t.Fatal("off-trie token must exhaust the grammar")
	}
	if _, err := NewTokenTrie(nil, 0); err == nil {
		t.Fatal("expected error for empty grammar")
	}
}
