package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/dhcgn/dumprecover/cmd"
	"github.com/dhcgn/dumprecover/config"
	"github.com/dhcgn/dumprecover/ingest"
	"github.com/dhcgn/dumprecover/mbox"
	"github.com/dhcgn/dumprecover/pipeline"
	"github.com/dhcgn/dumprecover/runner"
	"github.com/dhcgn/dumprecover/sink"
	"github.com/dhcgn/dumprecover/stats"
)

func main() {
	rootCmd, err := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// streams carries the process I/O so the commands can be driven from tests.
type streams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, error) {
	std := streams{stdin: stdin, stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:           "dumprecover [dump file|-]",
		Short:         "Recover structured messages from console dumps of a message poller",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg, std.stderr)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting dumprecover", "input", inputName(cfg), "format", cfg.Format, "object", cfg.Object)

			if cfg.Object {
				return runObject(cfg, std, logger)
			}
			return run(cfg, std, logger)
		},
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}
	rootCmd.AddCommand(cmd.NewDumpStatsCommand())
	return rootCmd, nil
}

func run(cfg config.Config, std streams, logger *slog.Logger) error {
	separators, err := cfg.Separators()
	if err != nil {
		return err
	}

	sinks, err := openSinks(cfg, std)
	if err != nil {
		return err
	}

	r, err := runner.New(cfg, logger)
	if err != nil {
		closeSinks(sinks)
		return fmt.Errorf("runner.New: %w", err)
	}
	metrics := stats.NewMetrics()
	reporter := stats.NewReporter(r, metrics, logger)

	producerOpts := ingest.Options{
		Path:       cfg.InputPath,
		Stdin:      std.stdin,
		Separators: separators,
		Workers:    cfg.Workers,
		Filter:     cfg.FilterOptions(),
	}
	if _, err := ingest.NewProducer(producerOpts, r, logger); err != nil {
		closeSinks(sinks)
		return fmt.Errorf("ingest.NewProducer: %w", err)
	}

	if _, err := sink.NewStage(r, logger, sinks...); err != nil {
		closeSinks(sinks)
		return fmt.Errorf("sink.NewStage: %w", err)
	}

	runErr := r.Start()

	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Error("metrics textfile", "path", cfg.MetricsTextfile, "err", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	summary := reporter.Summary()
	if runErr == nil && summary.Candidates > 0 && summary.Mapped == 0 {
		logger.Warn("no messages recovered", summary.LogAttrs()...)
	}
	return runErr
}

func openSinks(cfg config.Config, std streams) ([]sink.Sink, error) {
	var out *sink.JSONWriter
	if cfg.OutputPath == "" {
		out = sink.NewJSONWriter(std.stdout, cfg.Format, cfg.Pretty)
	} else {
		var err error
		out, err = sink.Create(cfg.OutputPath, cfg.Format, cfg.Pretty)
		if err != nil {
			return nil, err
		}
	}
	sinks := []sink.Sink{out}

	if cfg.MboxOut != "" {
		archive, err := mbox.Create(mbox.Options{Path: cfg.MboxOut, Domain: cfg.MboxDomain})
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, archive)
	}
	return sinks, nil
}

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// runObject prints the first recoverable object of the dump.
func runObject(cfg config.Config, std streams, logger *slog.Logger) error {
	separators, err := cfg.Separators()
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{Separators: separators, Workers: cfg.Workers, Logger: logger})
	if err != nil {
		return err
	}

	raw, err := ingest.ReadInput(cfg.InputPath, std.stdin)
	if err != nil {
		return err
	}
	value, err := p.RecoverObject(raw)
	if err != nil {
		return fmt.Errorf("recover object: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	if cfg.Pretty {
		data = pretty.Pretty(data)
	} else {
		data = append(data, '\n')
	}

	if cfg.OutputPath == "" {
		_, err = std.stdout.Write(data)
		return err
	}
	return os.WriteFile(cfg.OutputPath, data, 0o644)
}

func inputName(cfg config.Config) string {
	if cfg.Stdin() {
		return "stdin"
	}
	return cfg.InputPath
}

func setupLogger(cfg config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	writer := stderr
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("dumprecover-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		writer = io.MultiWriter(stderr, file)
		cleanup = func() error {
			return file.Close()
		}
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})), cleanup, nil
	}

	handler := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(handler), cleanup, nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}
