package quasijson

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCandidates reports input without anything resembling an object.
	ErrNoCandidates = errors.New("no object candidates found")
	// ErrNotObject reports a chunk whose top-level value is not an object.
	ErrNotObject = errors.New("top-level value is not an object")
)

const (
	ErrorUnrecoverableChunk = "unrecoverable_chunk"
	ErrorBatchExhausted     = "batch_exhausted"
)

const snippetLimit = 120

// ChunkError describes a candidate that could not be recovered. Err is the
// diagnostic of the innermost parse attempt.
type ChunkError struct {
	Category string
	Index    int
	Snippet  string
	Err      error
}

func (e *ChunkError) Error() string {
	if e == nil {
		return ""
	}
	if e.Category == ErrorBatchExhausted {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: chunk %d: %v", e.Category, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// CategoryFromError returns the category of a *ChunkError in err's chain.
func CategoryFromError(err error) string {
	var chunkErr *ChunkError
	if errors.As(err, &chunkErr) {
		return chunkErr.Category
	}
	return ""
}

func snippet(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "no output"
	}
	runes := []rune(trimmed)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit]) + "..."
	}
	return trimmed
}
