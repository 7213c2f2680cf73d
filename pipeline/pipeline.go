package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/dumprecover/mapper"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/quasijson"
	"github.com/dhcgn/dumprecover/stats"
)

// Options configures a Pipeline. The zero value uses the default separators,
// one worker per CPU and no logging.
type Options struct {
	Separators quasijson.SeparatorConfig
	Workers    int
	Logger     *slog.Logger
	// Events, when set, receives one event per candidate, recovery, drop
	// and mapped message, in chunk order.
	Events func(stats.Event)
}

// Pipeline turns a console dump into messages: segment, recover every
// candidate, then map the recovered objects in input order.
type Pipeline struct {
	segmenter *quasijson.Segmenter
	workers   int
	logger    *slog.Logger
	events    func(stats.Event)
}

// Result is the outcome of one Process call.
type Result struct {
	Messages           []model.Message
	Candidates         int
	Recovered          int
	Unrecoverable      int
	Dropped            int
	AttachmentsDropped int
	Duplicates         int
}

func New(opts Options) (*Pipeline, error) {
	separators := opts.Separators
	if separators.IsZero() {
		separators = quasijson.DefaultSeparators()
	}
	segmenter, err := quasijson.NewSegmenter(separators)
	if err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Pipeline{
		segmenter: segmenter,
		workers:   workers,
		logger:    logger,
		events:    opts.Events,
	}, nil
}

var defaultPipeline = func() *Pipeline {
	p, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return p
}()

// Process recovers every message in raw with the default options. Input
// without recoverable objects yields an empty slice.
func Process(raw string) []model.Message {
	res, _ := defaultPipeline.Process(context.Background(), raw)
	return res.Messages
}

// RecoverObject recovers the first object of raw with the default options.
func RecoverObject(raw string) (quasijson.Value, error) {
	return defaultPipeline.RecoverObject(raw)
}

type outcome struct {
	value quasijson.Value
	err   error
}

// Process segments raw, recovers the candidates in parallel and maps them in
// chunk order. Malformed chunks, records and attachments are dropped and
// reported; the only error is a cancelled ctx.
func (p *Pipeline) Process(ctx context.Context, raw string) (Result, error) {
	chunks, outcomes, err := p.recoverChunks(ctx, raw)
	if err != nil {
		return Result{}, err
	}

	res := Result{Candidates: len(chunks)}
	if len(chunks) == 0 {
		p.logger.Debug("no object candidates", "bytes", len(raw))
		return res, nil
	}

	seen := make(map[string]struct{})
	for i, o := range outcomes {
		chunk := chunks[i].Index
		p.emit(stats.Event{Stage: stats.StageSegment, Type: stats.EventTypeCandidate, Chunk: chunk})

		if o.err != nil {
			res.Unrecoverable++
			p.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeUnrecoverable, Chunk: chunk, Err: o.err, Detail: dropReason(o.err)})
			p.logDrop("dropped unrecoverable chunk", chunk, o.err)
			continue
		}
		res.Recovered++
		p.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeRecovered, Chunk: chunk})

		msg, dropped, err := mapper.Map(o.value)
		for _, dropErr := range dropped {
			res.AttachmentsDropped++
			p.emit(stats.Event{Stage: stats.StageMap, Type: stats.EventTypeAttachmentDropped, Chunk: chunk, MessageID: msg.ID, Err: dropErr, Detail: dropReason(dropErr)})
			p.logDrop("dropped attachment", chunk, dropErr, "messageID", msg.ID)
		}
		if err != nil {
			res.Dropped++
			p.emit(stats.Event{Stage: stats.StageMap, Type: stats.EventTypeDropped, Chunk: chunk, Err: err, Detail: dropReason(err)})
			p.logDrop("dropped record", chunk, err)
			continue
		}

		if _, ok := seen[msg.ID]; ok {
			res.Duplicates++
			p.emit(stats.Event{Stage: stats.StageMap, Type: stats.EventTypeDuplicate, Chunk: chunk, MessageID: msg.ID})
			p.logger.Debug("dropped duplicate record", "chunk", chunk, "messageID", msg.ID)
			continue
		}
		seen[msg.ID] = struct{}{}

		res.Messages = append(res.Messages, msg)
		p.emit(stats.Event{Stage: stats.StageMap, Type: stats.EventTypeMapped, Chunk: chunk, MessageID: msg.ID})
	}

	p.logger.Debug("dump processed",
		"candidates", res.Candidates,
		"recovered", res.Recovered,
		"unrecoverable", res.Unrecoverable,
		"dropped", res.Dropped,
		"messages", len(res.Messages),
	)
	return res, nil
}

// RecoverObject returns the first candidate of raw that recovers. It fails
// with ErrNoCandidates when raw holds nothing that looks like an object, and
// with a batch_exhausted *quasijson.ChunkError when no candidate recovers.
func (p *Pipeline) RecoverObject(raw string) (quasijson.Value, error) {
	chunks, outcomes, err := p.recoverChunks(context.Background(), raw)
	if err != nil {
		return quasijson.Value{}, err
	}
	if len(chunks) == 0 {
		return quasijson.Value{}, quasijson.ErrNoCandidates
	}

	var last *quasijson.ChunkError
	for i, o := range outcomes {
		if o.err == nil {
			return o.value, nil
		}
		p.logDrop("dropped unrecoverable chunk", chunks[i].Index, o.err)
		if !errors.As(o.err, &last) {
			last = &quasijson.ChunkError{Index: chunks[i].Index, Err: o.err}
		}
	}

	return quasijson.Value{}, &quasijson.ChunkError{
		Category: quasijson.ErrorBatchExhausted,
		Index:    last.Index,
		Snippet:  last.Snippet,
		Err:      last.Err,
	}
}

// recoverChunks segments raw and parses every candidate. When the separators
// found candidates but none of them recovers, raw is scanned again for
// balanced objects.
func (p *Pipeline) recoverChunks(ctx context.Context, raw string) ([]quasijson.Chunk, []outcome, error) {
	chunks := p.segmenter.Split(raw)
	outcomes, err := p.parseAll(ctx, chunks)
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) == 0 || recoveredAny(outcomes) {
		return chunks, outcomes, nil
	}

	rescan := quasijson.ScanBalanced(raw)
	if len(rescan) == 0 || sameChunks(rescan, chunks) {
		return chunks, outcomes, nil
	}
	p.logger.Debug("no candidate recovered, rescanning for balanced objects", "candidates", len(chunks), "rescanned", len(rescan))

	rescanOutcomes, err := p.parseAll(ctx, rescan)
	if err != nil {
		return nil, nil, err
	}
	if !recoveredAny(rescanOutcomes) {
		return chunks, outcomes, nil
	}
	return rescan, rescanOutcomes, nil
}

// parseAll parses chunks on up to p.workers goroutines. Results are stored
// by chunk position so the caller sees them in input order.
func (p *Pipeline) parseAll(ctx context.Context, chunks []quasijson.Chunk) ([]outcome, error) {
	outcomes := make([]outcome, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			value, err := quasijson.ParseChunk(chunk)
			outcomes[i] = outcome{value: value, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (p *Pipeline) emit(evt stats.Event) {
	if p.events != nil {
		p.events(evt)
	}
}

func (p *Pipeline) logDrop(msg string, chunk int, err error, attrs ...any) {
	args := []any{"chunk", chunk}
	var fieldErr *mapper.FieldError
	var chunkErr *quasijson.ChunkError
	switch {
	case errors.As(err, &fieldErr):
		args = append(args, "path", fieldErr.Path, "reason", fieldErr.Err.Error())
	case errors.As(err, &chunkErr):
		args = append(args, "reason", chunkErr.Category, "snippet", chunkErr.Snippet)
	}
	args = append(args, attrs...)
	args = append(args, "err", err)
	p.logger.Warn(msg, args...)
}

// dropReason names why a chunk, record or attachment was dropped, without
// the input-specific parts of the error.
func dropReason(err error) string {
	var fieldErr *mapper.FieldError
	var chunkErr *quasijson.ChunkError
	switch {
	case errors.As(err, &fieldErr):
		return fieldErr.Path + ": " + fieldErr.Err.Error()
	case errors.As(err, &chunkErr):
		return chunkErr.Category
	}
	return err.Error()
}

func recoveredAny(outcomes []outcome) bool {
	for _, o := range outcomes {
		if o.err == nil {
			return true
		}
	}
	return false
}

func sameChunks(a, b []quasijson.Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}
