package batch

import "errors"

var (
	ErrEmptyBatch       = errors.New("batch has no requests")
	ErrUnsupportedChunk = errors.New("unsupported prompt chunk")
	ErrInvalidImage     = errors.New("invalid image chunk")
	ErrMalformedInput   = errors.New("preprocessor output does not match requests")
	ErrEmptyFilter      = errors.New("filter requires at least one request id")
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrEmptyConcat      = errors.New("concatenate requires at least one batch")
	ErrNotPrefilled     = errors.New("only prefilled batches can be concatenated")
	ErrCacheMismatch    = errors.New("key/value cache geometry mismatch")
	ErrInvariant        = errors.New("batch invariant violated")
	ErrBatchFailed      = errors.New("batch failed part way through a step")
)
