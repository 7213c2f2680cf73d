package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/dumprecover/config"
	"github.com/dhcgn/dumprecover/filter"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/quasijson"
	"github.com/dhcgn/dumprecover/runner"
	"github.com/dhcgn/dumprecover/state"
	"github.com/dhcgn/dumprecover/stats"
)

const pollDump = "../pipeline/testdata/poll.txt"

func stream(t *testing.T, opts Options) ([]model.Envelope, error) {
	t.Helper()
	reader, err := NewReader(opts, nil)
	require.NoError(t, err)

	out := make(chan model.Envelope, 16)
	err = reader.Stream(context.Background(), out)
	close(out)

	var got []model.Envelope
	for env := range out {
		got = append(got, env)
	}
	return got, err
}

func ids(envelopes []model.Envelope) []string {
	var out []string
	for _, env := range envelopes {
		out = append(out, env.Message.ID)
	}
	return out
}

func TestReader_Stream(t *testing.T) {
	var events []stats.Event
	got, err := stream(t, Options{Path: pollDump, Workers: 2, Events: func(evt stats.Event) {
		events = append(events, evt)
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-2"}, ids(got))

	collector := stats.NewCollector()
	for _, evt := range events {
		collector.Apply(evt)
	}
	assert.Equal(t, 4, collector.Snapshot().Candidates)
	assert.Equal(t, 2, collector.Snapshot().Mapped)
}

func TestReader_Stdin(t *testing.T) {
	dump := "noise Content { id: 'x', type: 't', from: 'f', text: 'hello', timestamp: 1700000000 } tail"
	got, err := stream(t, Options{Path: "-", Stdin: strings.NewReader(dump)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Message.Text)
}

func TestReader_Filter(t *testing.T) {
	var filtered []string
	got, err := stream(t, Options{
		Path:   pollDump,
		Filter: filter.Options{IncludeSender: []string{"^Alice"}},
		Events: func(evt stats.Event) {
			if evt.Type == stats.EventTypeFiltered {
				filtered = append(filtered, evt.MessageID)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, ids(got))
	assert.Equal(t, []string{"m-2"}, filtered)
}

func TestReader_MissingFileSendsErrorEnvelope(t *testing.T) {
	got, err := stream(t, Options{Path: filepath.Join(t.TempDir(), "missing.txt")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, os.ErrNotExist)
}

func TestNewReader_InvalidOptions(t *testing.T) {
	_, err := NewReader(Options{Filter: filter.Options{IncludeText: []string{"("}}}, nil)
	assert.Error(t, err)

	_, err = NewReader(Options{Separators: quasijson.SeparatorConfig{Headers: []string{"("}}}, nil)
	assert.Error(t, err)
}

func TestProducer_FeedsRunner(t *testing.T) {
	r := runner.NewWithTracker(config.Config{}, state.NewMemoryTracker(), nil)
	collector := stats.NewCollector()
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		collector.Run(ctx, events)
		return nil
	})

	var got []string
	r.AddStage("collect", func(ctx context.Context) error {
		for msg := range r.Messages() {
			got = append(got, msg.ID)
		}
		return nil
	})
	_, err := NewProducer(Options{Path: pollDump}, r, nil)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"m-1", "m-2"}, got)

	summary := collector.Snapshot()
	assert.Equal(t, 3, summary.Recovered)
	assert.Equal(t, 1, summary.Unrecoverable)
	assert.Equal(t, 1, summary.Dropped)
}

func TestProducer_ReadErrorFailsRun(t *testing.T) {
	r := runner.NewWithTracker(config.Config{}, state.NewMemoryTracker(), nil)
	r.SubscribeStats("discard", func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
		}
		return nil
	})
	r.AddStage("collect", func(ctx context.Context) error {
		for range r.Messages() {
		}
		return nil
	})
	_, err := NewProducer(Options{Path: filepath.Join(t.TempDir(), "missing.txt")}, r, nil)
	require.NoError(t, err)

	err = r.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
