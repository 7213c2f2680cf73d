package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/dumprecover/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeSender []string
	IncludeText   []string
	ExcludeSender []string
	ExcludeText   []string
}

// IsZero reports whether no pattern is configured.
func (o Options) IsZero() bool {
	return len(o.IncludeSender) == 0 && len(o.IncludeText) == 0 &&
		len(o.ExcludeSender) == 0 && len(o.ExcludeText) == 0
}

// Filter holds compiled regex patterns for filtering messages.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeSender []*regexp.Regexp
	includeText   []*regexp.Regexp
	excludeSender []*regexp.Regexp
	excludeText   []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSender, err := compilePatterns(opts.IncludeSender)
	if err != nil {
		return nil, fmt.Errorf("compile include-sender pattern: %w", err)
	}
	includeText, err := compilePatterns(opts.IncludeText)
	if err != nil {
		return nil, fmt.Errorf("compile include-text pattern: %w", err)
	}
	excludeSender, err := compilePatterns(opts.ExcludeSender)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-sender pattern: %w", err)
	}
	excludeText, err := compilePatterns(opts.ExcludeText)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-text pattern: %w", err)
	}

	includeActive := len(includeSender) > 0 || len(includeText) > 0
	excludeActive := len(excludeSender) > 0 || len(excludeText) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeSender: includeSender,
		includeText:   includeText,
		excludeSender: excludeSender,
		excludeText:   excludeText,
		hits:          make(map[string]int),
	}, nil
}

// Allows returns true if a message from sender with the given text passes
// the filter criteria. The sender is matched against both the sender id and
// the display name when one is known.
func (f *Filter) Allows(sender, text string) bool {
	if f.includeMode {
		return f.matchAny(f.includeSender, sender) || f.matchAny(f.includeText, text)
	}

	if f.excludeMode {
		if f.matchAny(f.excludeSender, sender) || f.matchAny(f.excludeText, text) {
			return false
		}
	}

	return true
}

// AllowsMessage applies Allows to a mapped message.
func (f *Filter) AllowsMessage(msg model.Message) bool {
	return f.Allows(SenderLine(msg), msg.Text)
}

// SenderLine renders the text sender patterns are matched against.
func SenderLine(msg model.Message) string {
	if msg.SenderName == "" {
		return msg.SenderID
	}
	return msg.SenderName + " <" + msg.SenderID + ">"
}

// Stats summarises how often each pattern matched.
type Stats struct {
	Mode     string
	Patterns int
	Hits     map[string]int
}

// GetStats returns a copy of the per-pattern hit counts.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}

	mode := "none"
	switch {
	case f.includeMode:
		mode = "include"
	case f.excludeMode:
		mode = "exclude"
	}

	return Stats{
		Mode:     mode,
		Patterns: len(f.includeSender) + len(f.includeText) + len(f.excludeSender) + len(f.excludeText),
		Hits:     hits,
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}
