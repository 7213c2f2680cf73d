package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dhcgn/dumprecover/filter"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/pipeline"
	"github.com/dhcgn/dumprecover/quasijson"
	"github.com/dhcgn/dumprecover/runner"
	"github.com/dhcgn/dumprecover/stats"
)

type Options struct {
	// Path of the dump; empty or "-" reads Stdin.
	Path       string
	Stdin      io.Reader
	Separators quasijson.SeparatorConfig
	Workers    int
	Filter     filter.Options
	// Events receives pipeline and filter events. Nil discards them.
	Events func(stats.Event)
}

// Reader recovers the messages of one dump and streams them as envelopes.
type Reader struct {
	opts     Options
	pipeline *pipeline.Pipeline
	filter   *filter.Filter
	logger   *slog.Logger
}

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	p, err := pipeline.New(pipeline.Options{
		Separators: opts.Separators,
		Workers:    opts.Workers,
		Logger:     logger,
		Events:     opts.Events,
	})
	if err != nil {
		return nil, err
	}

	return &Reader{opts: opts, pipeline: p, filter: f, logger: logger}, nil
}

// Stream reads the dump, recovers it and sends every message that passes the
// filter to out. Read failures are sent as an error envelope.
func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	raw, err := ReadInput(r.opts.Path, r.opts.Stdin)
	if err != nil {
		return r.emitError(ctx, out, err)
	}

	res, err := r.pipeline.Process(ctx, raw)
	if err != nil {
		return err
	}
	r.logger.Info("dump recovered",
		"source", r.source(),
		"candidates", res.Candidates,
		"recovered", res.Recovered,
		"unrecoverable", res.Unrecoverable,
		"messages", len(res.Messages),
	)

	for _, msg := range res.Messages {
		if !r.filter.AllowsMessage(msg) {
			r.emit(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: msg.ID})
			continue
		}
		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}

	if fs := r.filter.GetStats(); fs.Patterns > 0 {
		r.logger.Debug("filter applied", "mode", fs.Mode, "patterns", fs.Patterns, "hits", fs.Hits)
	}
	return nil
}

func (r *Reader) source() string {
	if r.opts.Path == "" || r.opts.Path == "-" {
		return "stdin"
	}
	return r.opts.Path
}

func (r *Reader) emit(evt stats.Event) {
	if r.opts.Events != nil {
		r.opts.Events(evt)
	}
}

func (r *Reader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	r.logger.Error("dump read error", "source", r.source(), "err", err)
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ReadInput returns the whole dump at path, or stdin when path is empty or "-".
func ReadInput(path string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" || path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read dump: %w", err)
	}
	return string(data), nil
}

type Producer struct {
	reader *Reader
	runner *runner.Runner
}

// NewProducer registers a recovery stage on r that feeds r.Envelopes().
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if opts.Events == nil {
		opts.Events = r.EmitEvent
	}
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("recover", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEnvelopes()
	return p.reader.Stream(ctx, p.runner.Envelopes())
}
