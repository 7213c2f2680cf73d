package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/dumprecover/filter"
	"github.com/dhcgn/dumprecover/pipeline"
)

const pollDump = "../pipeline/testdata/poll.txt"

func readPollDump(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(pollDump)
	require.NoError(t, err)
	return string(data)
}

func TestAnalyse(t *testing.T) {
	f, err := filter.New(filter.Options{})
	require.NoError(t, err)

	report, err := Analyse(context.Background(), readPollDump(t), pipeline.Options{Workers: 2}, f)
	require.NoError(t, err)

	s := report.Summary
	assert.Equal(t, 4, s.Candidates)
	assert.Equal(t, 3, s.Recovered)
	assert.Equal(t, 1, s.Unrecoverable)
	assert.Equal(t, 2, s.Mapped)
	assert.Equal(t, 1, s.Dropped)
	assert.Equal(t, 1, s.AttachmentsDropped)

	assert.Equal(t, map[string]int{"Alice <05aa11>": 1, "05bb22": 1}, report.Counter["Sender"])
	assert.Equal(t, map[string]int{"private": 2}, report.Counter["Type"])
	assert.Equal(t, map[string]int{"image/png": 1}, report.Counter["Content-Type"])
	assert.Len(t, report.Counter["Drop-Reason"], 3)
	for reason := range report.Counter["Drop-Reason"] {
		switch {
		case strings.HasPrefix(reason, "unrecoverable: "):
		case strings.HasPrefix(reason, "dropped: type"):
		case strings.HasPrefix(reason, "attachment_dropped: attachments[1].metadata.width"):
		default:
			t.Errorf("unexpected drop reason %q", reason)
		}
	}
}

func TestAnalyse_Filter(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludeSender: []string{"Alice"}})
	require.NoError(t, err)

	report, err := Analyse(context.Background(), readPollDump(t), pipeline.Options{Workers: 1}, f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Filtered)
	assert.Equal(t, map[string]int{"05bb22": 1}, report.Counter["Sender"])
	assert.Equal(t, "exclude", report.Filter.Mode)
	assert.Equal(t, 1, report.Filter.Hits["Alice"])
}

func TestDumpStatsCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	cmd := NewDumpStatsCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{pollDump, "--output", dir, "--top", "1", "--include-text", "attached"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Recovered 3 of 4 candidates (75.00%), 1 unrecoverable")
	assert.Contains(t, text, "Filters (include):")
	assert.Contains(t, text, "Top 1 Sender:\n1. Alice <05aa11> (1)\n")

	file, err := os.Open(filepath.Join(dir, "report_content_type.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Value", "Count"}, {"image/png", "1"}}, records)

	for _, name := range []string{"report_sender.csv", "report_type.csv", "report_drop_reason.csv"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestDumpStatsCommand_Stdin(t *testing.T) {
	var out bytes.Buffer
	cmd := NewDumpStatsCommand()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(readPollDump(t)))
	cmd.SetArgs([]string{"--output", t.TempDir()})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Mapped 2 messages, dropped 1 records and 1 attachments, 0 duplicates, 0 filtered")
}

func TestDumpStatsCommand_Separators(t *testing.T) {
	const dump = "Item { id: 'a', type: 't', from: 'u', text: 'x', timestamp: 1 } Item { id: 'b', type: 't', from: 'u', text: 'y', timestamp: 2 }"

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := NewDumpStatsCommand()
		cmd.SetOut(&out)
		cmd.SetIn(strings.NewReader(dump))
		cmd.SetArgs(append([]string{"--output", t.TempDir()}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run(), "Recovered 1 of 1 candidates")
	assert.Contains(t, run("--header-separator", `Item \{`), "Recovered 2 of 2 candidates")

	yamlPath := filepath.Join(t.TempDir(), "separators.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("headers:\n  - 'Item \\{'\n"), 0o644))
	assert.Contains(t, run("--separators", yamlPath), "Recovered 2 of 2 candidates")
}

func TestDumpStatsCommand_Errors(t *testing.T) {
	cmd := NewDumpStatsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.txt")})
	assert.Error(t, cmd.Execute())

	cmd = NewDumpStatsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pollDump, "--include-text", "a", "--exclude-text", "b"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	cmd = NewDumpStatsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pollDump, "--boundary-separator", "("})
	assert.Error(t, cmd.Execute())
}
