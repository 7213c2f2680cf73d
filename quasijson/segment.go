package quasijson

import (
	"fmt"
	"regexp"
	"strings"
)

// Chunk is the slice of a dump attributed to one candidate object.
type Chunk struct {
	Index int
	Text  string
}

// SeparatorConfig lists the patterns that mark object boundaries in a dump.
// A header starts a new object and its match includes the opening brace. A
// boundary ends one object and starts the next, so its match includes the
// closing brace of the first and the opening brace of the second.
type SeparatorConfig struct {
	Headers    []string `yaml:"headers"`
	Boundaries []string `yaml:"boundaries"`
}

// DefaultSeparators matches the console formatting of the session client:
// class-labelled "Content {" headers and back-to-back "}\n{" objects.
func DefaultSeparators() SeparatorConfig {
	return SeparatorConfig{
		Headers:    []string{`Content \{`},
		Boundaries: []string{`\}\s*\{`},
	}
}

// IsZero reports whether no separator patterns are configured.
func (c SeparatorConfig) IsZero() bool {
	return len(c.Headers) == 0 && len(c.Boundaries) == 0
}

// balancedPattern matches an object with at most one level of nested objects.
var balancedPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// Segmenter splits a raw dump into candidate chunks.
type Segmenter struct {
	pattern     *regexp.Regexp
	headerGroup int
}

// NewSegmenter compiles the separator patterns of cfg.
func NewSegmenter(cfg SeparatorConfig) (*Segmenter, error) {
	headers, err := compileAlternation(cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("header separator: %w", err)
	}
	boundaries, err := compileAlternation(cfg.Boundaries)
	if err != nil {
		return nil, fmt.Errorf("boundary separator: %w", err)
	}

	var parts []string
	if headers != "" {
		parts = append(parts, `(?P<header>`+headers+`)`)
	}
	if boundaries != "" {
		parts = append(parts, `(?P<boundary>`+boundaries+`)`)
	}
	if len(parts) == 0 {
		return &Segmenter{headerGroup: -1}, nil
	}

	re, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile separators: %w", err)
	}
	return &Segmenter{pattern: re, headerGroup: re.SubexpIndex("header")}, nil
}

func compileAlternation(patterns []string) (string, error) {
	alts := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return "", fmt.Errorf("compile %q: %w", pattern, err)
		}
		alts = append(alts, `(?:`+pattern+`)`)
	}
	return strings.Join(alts, "|"), nil
}

var defaultSegmenter = func() *Segmenter {
	s, err := NewSegmenter(DefaultSeparators())
	if err != nil {
		panic(err)
	}
	return s
}()

// Split segments raw with the default separators.
func Split(raw string) []Chunk {
	return defaultSegmenter.Split(raw)
}

// Split returns the candidate chunks of raw in input order. Input without
// any opening brace yields no chunks. When the separators produce nothing,
// Split falls back to ScanBalanced.
func (s *Segmenter) Split(raw string) []Chunk {
	if !strings.Contains(raw, "{") {
		return nil
	}

	var texts []string
	var buf strings.Builder
	flush := func() {
		if text := buf.String(); strings.Contains(text, "{") {
			texts = append(texts, text)
		}
		buf.Reset()
	}

	prev := 0
	if s.pattern != nil {
		for _, m := range s.pattern.FindAllStringSubmatchIndex(raw, -1) {
			if m[0] == m[1] {
				continue
			}
			buf.WriteString(raw[prev:m[0]])
			prev = m[1]

			if s.isHeader(m) {
				flush()
				buf.WriteByte('{')
				continue
			}
			buf.WriteByte('}')
			flush()
			buf.WriteByte('{')
		}
	}
	buf.WriteString(raw[prev:])
	flush()

	if len(texts) == 0 {
		return ScanBalanced(raw)
	}
	return toChunks(texts)
}

func (s *Segmenter) isHeader(match []int) bool {
	return s.headerGroup > 0 && match[2*s.headerGroup] >= 0
}

// ScanBalanced returns every object of raw that has at most one level of
// nesting. Deeper objects are not matched whole.
func ScanBalanced(raw string) []Chunk {
	return toChunks(balancedPattern.FindAllString(raw, -1))
}

func toChunks(texts []string) []Chunk {
	if len(texts) == 0 {
		return nil
	}
	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{Index: i, Text: text}
	}
	return chunks
}
