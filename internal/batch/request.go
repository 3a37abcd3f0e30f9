package batch

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/weft/internal/policy"
	"github.com/samcharles93/weft/internal/tensor"
)

// ChunkKind tags the payload of a prompt chunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkImage
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkImage:
		return "image"
	default:
		return fmt.Sprintf("chunk(%d)", int(k))
	}
}

// Chunk is one piece of a multimodal prompt. Image holds encoded image bytes
// (png, jpeg, gif or bmp).
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Image []byte
}

// Request is a generation request as admitted into a batch.
type Request struct {
	ID              uint64
	Chunks          []Chunk
	Truncate        int
	Parameters      policy.SamplingParams
	Stopping        policy.StoppingParams
	PrefillLogprobs bool
}

// PromptPart is a resolved chunk: exactly one of Text or Image is set.
type PromptPart struct {
	Text  string
	Image image.Image
}

// Encoded is the padded preprocessor output for a list of prompts. Rows are
// left padded so the most recent token of every row is in the last column.
type Encoded struct {
	// InputIDs is [N, L].
	InputIDs *tensor.Dense[int]
	// AttentionMask is [N, L], 1 for real tokens.
	AttentionMask *tensor.Dense[int]
	// PixelValues is [N, I, C, H, W] or nil when no prompt has images.
	PixelValues *tensor.Dense[float32]
	// ImageAttentionMask is [N, L, I] or nil.
	ImageAttentionMask *tensor.Dense[int]
}

// Preprocessor tokenizes prompts and prepares image tensors.
type Preprocessor interface {
	Preprocess(prompts [][]PromptPart, maxTruncation int) (*Encoded, error)
}

func resolveChunks(r Request) ([]PromptPart, error) {
	parts := make([]PromptPart, 0, len(r.Chunks))
	for i, c := range r.Chunks {
		switch c.Kind {
		case ChunkText:
			parts = append(parts, PromptPart{Text: c.Text})
		case ChunkImage:
			img, _, err := image.Decode(bytes.NewReader(c.Image))
			if err != nil {
				return nil, fmt.Errorf("request %d chunk %d: %w: %v", r.ID, i, ErrInvalidImage, err)
			}
			parts = append(parts, PromptPart{Image: img})
		default:
			return nil, fmt.Errorf("request %d chunk %d: %w: %s", r.ID, i, ErrUnsupportedChunk, c.Kind)
		}
	}
	return parts, nil
}

func (e *Encoded) check(n int) error {
	if e == nil || e.InputIDs == nil || e.AttentionMask == nil {
		return fmt.Errorf("%w: missing token ids or attention mask", ErrMalformedInput)
	}
	if e.InputIDs.Rank() != 2 || e.InputIDs.Dim(0) != n {
		return fmt.Errorf("%w: token ids shape %v for %d requests", ErrMalformedInput, e.InputIDs.Shape(), n)
	}
	if e.AttentionMask.Rank() != 2 || e.AttentionMask.Dim(0) != n || e.AttentionMask.Dim(1) != e.InputIDs.Dim(1) {
		return fmt.Errorf("%w: attention mask shape %v", ErrMalformedInput, e.AttentionMask.Shape())
	}
	if (e.PixelValues == nil) != (e.ImageAttentionMask == nil) {
		return fmt.Errorf("%w: pixel values and image attention mask must be set together", ErrMalformedInput)
	}
	if e.PixelValues != nil {
		if e.PixelValues.Rank() != 5 || e.PixelValues.Dim(0) != n {
			return fmt.Errorf("%w: pixel values shape %v", ErrMalformedInput, e.PixelValues.Shape())
		}
		m := e.ImageAttentionMask
		if m.Rank() != 3 || m.Dim(0) != n || m.Dim(1) != e.InputIDs.Dim(1) || m.Dim(2) != e.PixelValues.Dim(1) {
			return fmt.Errorf("%w: image attention mask shape %v", ErrMalformedInput, m.Shape())
		}
	}
	return nil
}
