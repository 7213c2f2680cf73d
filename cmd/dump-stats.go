package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/dumprecover/config"
	"github.com/dhcgn/dumprecover/filter"
	"github.com/dhcgn/dumprecover/ingest"
	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/pipeline"
	"github.com/dhcgn/dumprecover/stats"
)

// Report holds the counters dump-stats prints and saves.
type Report struct {
	Summary stats.Summary
	Filter  filter.Stats
	Counter map[string]map[string]int
}

var reportCategories = []string{"Sender", "Type", "Content-Type", "Drop-Reason"}

// NewDumpStatsCommand returns the dump-stats subcommand.
func NewDumpStatsCommand() *cobra.Command {
	var (
		reportDir     string
		topN          int
		workers       int
		includeSender []string
		includeText   []string
		excludeSender []string
		excludeText   []string
		separators    config.Config
	)

	cmd := &cobra.Command{
		Use:   "dump-stats [dump file|-]",
		Short: "Analyse a dump and show recovery statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			raw, err := ingest.ReadInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}

			f, err := filter.New(filter.Options{
				IncludeSender: includeSender,
				IncludeText:   includeText,
				ExcludeSender: excludeSender,
				ExcludeText:   excludeText,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			sep, err := separators.Separators()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report, err := Analyse(ctx, raw, pipeline.Options{Separators: sep, Workers: workers}, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			PrintReport(out, report, topN)

			if err := saveCSVReports(report.Counter, reportCategories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel chunk parsers (0 uses one per CPU)")
	cmd.Flags().StringArrayVar(&includeSender, "include-sender", nil, "Regex allow-list applied to senders (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&includeText, "include-text", nil, "Regex allow-list applied to message text (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&excludeSender, "exclude-sender", nil, "Regex block-list applied to senders (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&excludeText, "exclude-text", nil, "Regex block-list applied to message text (mutually exclusive with include flags)")
	cmd.Flags().StringVar(&separators.SeparatorsFile, "separators", "", "YAML file with header and boundary separator patterns")
	cmd.Flags().StringArrayVar(&separators.HeaderSeparators, "header-separator", nil, "Regex marking the start of an object, including its opening brace")
	cmd.Flags().StringArrayVar(&separators.BoundarySeparators, "boundary-separator", nil, "Regex marking the end of one object and the start of the next")
	return cmd
}

// Analyse recovers raw with opts and counts senders, types, attachment
// content types and drop reasons of the messages f allows. opts.Events is
// replaced.
func Analyse(ctx context.Context, raw string, opts pipeline.Options, f *filter.Filter) (Report, error) {
	collector := stats.NewCollector()
	counter := make(map[string]map[string]int, len(reportCategories))
	for _, c := range reportCategories {
		counter[c] = make(map[string]int)
	}

	opts.Events = func(evt stats.Event) {
		collector.Apply(evt)
		if evt.Type == stats.EventTypeDropped || evt.Type == stats.EventTypeAttachmentDropped || evt.Type == stats.EventTypeUnrecoverable {
			counter["Drop-Reason"][string(evt.Type)+": "+evt.Detail]++
		}
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return Report{}, err
	}

	res, err := p.Process(ctx, raw)
	if err != nil {
		return Report{}, err
	}

	for _, msg := range res.Messages {
		if !f.AllowsMessage(msg) {
			collector.Apply(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: msg.ID})
			continue
		}
		count(counter, msg)
	}

	return Report{Summary: collector.Snapshot(), Filter: f.GetStats(), Counter: counter}, nil
}

func count(counter map[string]map[string]int, msg model.Message) {
	counter["Sender"][filter.SenderLine(msg)]++
	counter["Type"][msg.Type]++
	for _, att := range msg.Attachments {
		contentType := att.Metadata.ContentType
		if contentType == "" {
			contentType = "(none)"
		}
		counter["Content-Type"][contentType]++
	}
}

// PrintReport writes the summary and the top entries of every category.
func PrintReport(w io.Writer, report Report, topN int) {
	s := report.Summary
	var recoveredPercent float64
	if s.Candidates > 0 {
		recoveredPercent = float64(s.Recovered) / float64(s.Candidates) * 100
	}
	fmt.Fprintf(w, "Recovered %d of %d candidates (%.2f%%), %d unrecoverable\n", s.Recovered, s.Candidates, recoveredPercent, s.Unrecoverable)
	fmt.Fprintf(w, "Mapped %d messages, dropped %d records and %d attachments, %d duplicates, %d filtered\n\n",
		s.Mapped, s.Dropped, s.AttachmentsDropped, s.Duplicates, s.Filtered)

	if report.Filter.Patterns > 0 {
		fmt.Fprintf(w, "Filters (%s):\n", report.Filter.Mode)
		printFilterHits(w, report.Filter.Hits)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, category := range reportCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, report.Counter[category], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeCategory(category)))
		if err := writeCSV(filePath, stats.Top(counter[category], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeCategory(category string) string {
	name := strings.ToLower(category)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(w io.Writer, hits map[string]int) {
	patterns := make([]string, 0, len(hits))
	for p := range hits {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if hits[patterns[i]] != hits[patterns[j]] {
			return hits[patterns[i]] > hits[patterns[j]]
		}
		return patterns[i] < patterns[j]
	})
	for _, p := range patterns {
		fmt.Fprintf(w, "  ✓ %s: %d hits\n", p, hits[p])
	}
}
