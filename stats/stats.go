package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSegment Stage = "segment"
	StageParse   Stage = "parse"
	StageMap     Stage = "map"
	StageFilter  Stage = "filter"
	StageSink    Stage = "sink"
)

type EventType string

const (
	EventTypeCandidate         EventType = "candidate"
	EventTypeRecovered         EventType = "recovered"
	EventTypeUnrecoverable     EventType = "unrecoverable"
	EventTypeMapped            EventType = "mapped"
	EventTypeDropped           EventType = "dropped"
	EventTypeAttachmentDropped EventType = "attachment_dropped"
	EventTypeDuplicate         EventType = "duplicate"
	EventTypeFiltered          EventType = "filtered"
	EventTypeWritten           EventType = "written"
	EventTypeError             EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Chunk     int
	Err       error
	Detail    string
}

type Summary struct {
	Candidates         int
	Recovered          int
	Unrecoverable      int
	Mapped             int
	Dropped            int
	AttachmentsDropped int
	Duplicates         int
	Filtered           int
	Written            int
	Errors             int
	LastError          error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"candidates", s.Candidates,
		"recovered", s.Recovered,
		"unrecoverable", s.Unrecoverable,
		"mapped", s.Mapped,
		"dropped", s.Dropped,
		"attachmentsDropped", s.AttachmentsDropped,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"written", s.Written,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	metrics *Metrics
}

func NewCollector() *Collector {
	return &Collector{}
}

// WithMetrics makes the collector mirror every event into m.
func (c *Collector) WithMetrics(m *Metrics) *Collector {
	c.metrics = m
	return c
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply records one event.
func (c *Collector) Apply(evt Event) {
	if c.metrics != nil {
		c.metrics.Observe(evt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeCandidate:
		c.summary.Candidates++
	case EventTypeRecovered:
		c.summary.Recovered++
	case EventTypeUnrecoverable:
		c.summary.Unrecoverable++
	case EventTypeMapped:
		c.summary.Mapped++
	case EventTypeDropped:
		c.summary.Dropped++
	case EventTypeAttachmentDropped:
		c.summary.AttachmentsDropped++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, metrics *Metrics, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector().WithMetrics(metrics),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}
