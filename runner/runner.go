package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/dumprecover/config"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/state"
	"github.com/dhcgn/dumprecover/stats"
)

var ErrMessageIDMissing = errors.New("recovered message missing id")

type StageFunc func(context.Context) error

// Runner connects the recovery stage to the sink stage. Envelopes written to
// Envelopes() are checked against the seen-message ledger and forwarded to
// Messages(); every stage reports through EmitEvent.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	envelopes chan model.Envelope
	messages  chan model.Message
	events    chan stats.Event

	tracker state.Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEnvelopesOnce sync.Once
	closeMessagesOnce  sync.Once
	closeEventsOnce    sync.Once
	since              time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	var tracker state.Tracker = state.NewMemoryTracker()
	if cfg.StateDir != "" {
		fileTracker, err := state.NewFileTracker(cfg.StateDir, true)
		if err != nil {
			return nil, fmt.Errorf("state tracker: %w", err)
		}
		tracker = fileTracker
	}
	return NewWithTracker(cfg, tracker, logger), nil
}

// NewWithTracker builds a runner around an existing ledger.
func NewWithTracker(cfg config.Config, tracker state.Tracker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		envelopes: make(chan model.Envelope, 32),
		messages:  make(chan model.Message, 32),
		events:    make(chan stats.Event, 128),
		tracker:   tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) Envelopes() chan<- model.Envelope {
	return r.envelopes
}

func (r *Runner) CloseEnvelopes() {
	r.closeEnvelopesOnce.Do(func() {
		close(r.envelopes)
	})
}

func (r *Runner) Messages() <-chan model.Message {
	return r.messages
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage and stats subscriber has returned, then
// closes the ledger. It returns the first stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if closer, ok := r.tracker.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.fail(fmt.Errorf("close state: %w", err))
		}
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration, "seen", r.tracker.Snapshot().Seen)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeMessages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.envelopes:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeError, Err: envelope.Err})
				r.fail(fmt.Errorf("recover: %w", envelope.Err))
				continue
			}

			msg := envelope.Message
			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
				r.fail(ErrMessageIDMissing)
				continue
			}

			if r.tracker.Seen(msg.ID) {
				r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeDuplicate, MessageID: msg.ID, Detail: "seen in an earlier run"})
				r.logger.Debug("skipping message from ledger", "messageID", msg.ID)
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.messages <- msg:
			}
		}
	}
}

func (r *Runner) closeMessages() {
	r.closeMessagesOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
