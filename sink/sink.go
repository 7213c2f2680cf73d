package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tidwall/pretty"

	"github.com/dhcgn/dumprecover/config"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/runner"
	"github.com/dhcgn/dumprecover/state"
	"github.com/dhcgn/dumprecover/stats"
)

// Sink receives recovered messages in order.
type Sink interface {
	Write(msg model.Message) error
	Close() error
}

var (
	lineOptions  = &pretty.Options{Width: 80, Indent: "  "}
	arrayOptions = &pretty.Options{Width: 80, Prefix: "  ", Indent: "  "}
)

// JSONWriter writes messages as JSON Lines or as one JSON array.
type JSONWriter struct {
	buf    *bufio.Writer
	closer io.Closer
	format string
	pretty bool
	count  int
}

func NewJSONWriter(w io.Writer, format string, indent bool) *JSONWriter {
	return &JSONWriter{
		buf:    bufio.NewWriter(w),
		format: format,
		pretty: indent,
	}
}

// Create opens path for writing. An empty path writes to stdout, which is
// flushed but never closed.
func Create(path, format string, indent bool) (*JSONWriter, error) {
	if path == "" {
		return NewJSONWriter(os.Stdout, format, indent), nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	w := NewJSONWriter(file, format, indent)
	w.closer = file
	return w, nil
}

func (w *JSONWriter) Write(msg model.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	if w.format == config.FormatJSON {
		sep := ",\n"
		if w.count == 0 {
			sep = "[\n"
		}
		if _, err := w.buf.WriteString(sep); err != nil {
			return err
		}
		if w.pretty {
			data = pretty.PrettyOptions(data, arrayOptions)
		}
		data = bytes.TrimRight(data, "\n")
	} else if w.pretty {
		data = pretty.PrettyOptions(data, lineOptions)
	}

	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if w.format != config.FormatJSON && !bytes.HasSuffix(data, []byte("\n")) {
		if err := w.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	w.count++
	return nil
}

// Close terminates a JSON array, flushes and closes the file.
func (w *JSONWriter) Close() error {
	var tail string
	if w.format == config.FormatJSON {
		tail = "\n]\n"
		if w.count == 0 {
			tail = "[]\n"
		}
	}

	var errs []error
	if _, err := w.buf.WriteString(tail); err != nil {
		errs = append(errs, err)
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush output: %w", err))
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Encode renders msg as compact JSON without HTML escaping.
func Encode(msg model.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Stage drains the runner's messages into every sink and records each
// written message in the ledger.
type Stage struct {
	runner  *runner.Runner
	sinks   []Sink
	tracker state.Tracker
	logger  *slog.Logger
}

func NewStage(r *runner.Runner, logger *slog.Logger, sinks ...Sink) (*Stage, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Stage{runner: r, sinks: sinks, tracker: tracker, logger: logger}
	r.AddStage("sink", s.run)
	return s, nil
}

func (s *Stage) run(ctx context.Context) (err error) {
	defer func() {
		for _, sk := range s.sinks {
			if cerr := sk.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	messages := s.runner.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := s.write(msg); err != nil {
				s.runner.EmitEvent(stats.Event{Stage: stats.StageSink, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}
			s.runner.EmitEvent(stats.Event{Stage: stats.StageSink, Type: stats.EventTypeWritten, MessageID: msg.ID})
		}
	}
}

func (s *Stage) write(msg model.Message) error {
	for _, sk := range s.sinks {
		if err := sk.Write(msg); err != nil {
			return fmt.Errorf("write message %s: %w", msg.ID, err)
		}
	}
	if err := s.tracker.Mark(msg.ID, msg.Fingerprint()); err != nil {
		return fmt.Errorf("mark message %s: %w", msg.ID, err)
	}
	s.logger.Debug("message written", "messageID", msg.ID, "sender", msg.SenderID)
	return nil
}
