package logits

import (
	"errors"
	"math"
)

var ErrEmptyGrammar = errors.New("grammar has no choices")

type trieNode struct {
	children map[int]*trieNode
	terminal bool
}

// TokenTrie constrains generation to one of a fixed set of token sequences.
// Once a complete sequence has been produced only the end token is allowed.
type TokenTrie struct {
	root *trieNode
	end  int
}

// GrammarState is a position inside a TokenTrie. The zero value is invalid;
// obtain one from Start.
type GrammarState struct {
	trie *TokenTrie
	node *trieNode
}

// NewTokenTrie builds a trie from the allowed sequences. end is the token that
// terminates generation once a sequence is complete.
func NewTokenTrie(choices [][]int, end int) (*TokenTrie, error) {
	if len(choices) == 0 {
		return nil, ErrEmptyGrammar
	}
	root := &trieNode{children: map[int]*trieNode{}}
	for _, seq := range choices {
		n := root
		for _, id := range seq {
			next, ok := n.children[id]
			if !ok {
				next = &trieNode{children: map[int]*trieNode{}}
				n.children[id] = next
			}
			n = next
		}
		n.terminal = true
	}
	return &TokenTrie{root: root, end: end}, nil
}

// Start returns the state before any token has been produced.
func (t *TokenTrie) Start() GrammarState {
	return GrammarState{trie: t, node: t.root}
}

// Allowed reports whether id may be produced next.
func (g GrammarState) Allowed(id int) bool {
	if g.node == nil {
		return id == g.trie.end
	}
	if _, ok := g.node.children[id]; ok {
		return true
	}
	return id == g.trie.end && (g.node.terminal || len(g.node.children) == 0)
}

// Mask sets every disallowed score to -Inf.
func (g GrammarState) Mask(scores []float32) {
	inf := float32(math.Inf(-1))
	for i := range scores {
		if !g.Allowed(i) {
			scores[i] = inf
		}
	}
}

// Advance returns the state after id. Tokens outside the trie move to the
// exhausted state where only the end token is allowed.
func (g GrammarState) Advance(id int) GrammarState {
	if g.node == nil {
		return g
	}
	next, ok := g.node.children[id]
	if !ok {
		return GrammarState{trie: g.trie}
	}
	return GrammarState{trie: g.trie, node: next}
}

// Done reports whether a complete sequence has been produced.
func (g GrammarState) Done() bool {
	return g.node == nil || (g.node.terminal && len(g.node.children) == 0)
}
