package quasijson

import (
	"fmt"
	"regexp"

	"github.com/valyala/fastjson"
)

// firstObjectPattern is the non-greedy fallback: text from the first "{" to
// the nearest "}". It does not follow nesting.
var firstObjectPattern = regexp.MustCompile(`(?s)\{.*?\}`)

// ParseStrict parses text as strict JSON and requires an object at the top.
func ParseStrict(text string) (Value, error) {
	var p fastjson.Parser
	parsed, err := p.Parse(text)
	if err != nil {
		return Value{}, err
	}
	if parsed.Type() != fastjson.TypeObject {
		return Value{}, fmt.Errorf("%w: got %s", ErrNotObject, parsed.Type())
	}
	return fromFastJSON(parsed)
}

// Parse normalizes text and parses it. When the whole text does not parse, the
// first brace-delimited substring is tried on its own. The returned error is
// the diagnostic of the last attempt.
func Parse(text string) (Value, error) {
	normalized := Normalize(text)

	value, err := ParseStrict(normalized)
	if err == nil {
		return value, nil
	}

	candidate := firstObjectPattern.FindString(normalized)
	if candidate == "" || candidate == normalized {
		return Value{}, err
	}
	value, fallbackErr := ParseStrict(candidate)
	if fallbackErr != nil {
		return Value{}, fallbackErr
	}
	return value, nil
}

// ParseChunk parses one chunk. Failures come back as a *ChunkError.
func ParseChunk(chunk Chunk) (Value, error) {
	value, err := Parse(chunk.Text)
	if err != nil {
		return Value{}, &ChunkError{
			Category: ErrorUnrecoverableChunk,
			Index:    chunk.Index,
			Snippet:  snippet(chunk.Text),
			Err:      err,
		}
	}
	return value, nil
}
