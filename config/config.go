package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/dumprecover/filter"
	"github.com/dhcgn/dumprecover/quasijson"
)

const (
	FormatJSONLines = "jsonl"
	FormatJSON      = "json"

	envPrefix = "DUMPRECOVER"
)

// Config captures all command-line options required to recover a dump.
type Config struct {
	InputPath          string
	OutputPath         string
	Format             string
	Pretty             bool
	Object             bool
	Workers            int
	SeparatorsFile     string
	HeaderSeparators   []string
	BoundarySeparators []string
	StateDir           string
	MboxOut            string
	MboxDomain         string
	MetricsTextfile    string
	LogLevel           string
	LogFormat          string
	LogDir             string
	IncludeSender      []string
	IncludeText        []string
	ExcludeSender      []string
	ExcludeText        []string
}

// Stdin reports whether the dump is read from standard input.
func (c Config) Stdin() bool {
	return c.InputPath == "" || c.InputPath == "-"
}

// FilterOptions returns the configured include/exclude patterns.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeSender: c.IncludeSender,
		IncludeText:   c.IncludeText,
		ExcludeSender: c.ExcludeSender,
		ExcludeText:   c.ExcludeText,
	}
}

// Separators resolves the separator contract: the YAML file if given, then
// patterns from flags, then the defaults.
func (c Config) Separators() (quasijson.SeparatorConfig, error) {
	var cfg quasijson.SeparatorConfig
	if c.SeparatorsFile != "" {
		loaded, err := LoadSeparators(c.SeparatorsFile)
		if err != nil {
			return quasijson.SeparatorConfig{}, err
		}
		cfg = loaded
	}
	cfg.Headers = append(cfg.Headers, c.HeaderSeparators...)
	cfg.Boundaries = append(cfg.Boundaries, c.BoundarySeparators...)
	if cfg.IsZero() {
		return quasijson.DefaultSeparators(), nil
	}
	return cfg, nil
}

// LoadSeparators reads a separator contract from a YAML file.
func LoadSeparators(path string) (quasijson.SeparatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return quasijson.SeparatorConfig{}, fmt.Errorf("read separators: %w", err)
	}
	var cfg quasijson.SeparatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return quasijson.SeparatorConfig{}, fmt.Errorf("parse separators %s: %w", path, err)
	}
	if cfg.IsZero() {
		return quasijson.SeparatorConfig{}, fmt.Errorf("separators %s: no headers or boundaries", path)
	}
	return cfg, nil
}

// envOverrides are read from DUMPRECOVER_* variables. They apply only to
// flags that were not set on the command line.
type envOverrides struct {
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LogFormat       string `envconfig:"LOG_FORMAT"`
	LogDir          string `envconfig:"LOG_DIR"`
	Workers         int    `envconfig:"WORKERS"`
	Separators      string `envconfig:"SEPARATORS"`
	StateDir        string `envconfig:"STATE_DIR"`
	MboxDomain      string `envconfig:"MBOX_DOMAIN"`
	MetricsTextfile string `envconfig:"METRICS_TEXTFILE"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.StringP("output", "o", "", "Write recovered messages to this file instead of stdout")
	flags.String("format", FormatJSONLines, "Output format: jsonl or json")
	flags.Bool("pretty", false, "Indent JSON output")
	flags.Bool("object", false, "Recover a single object and print it instead of mapping messages")
	flags.Int("workers", 0, "Parallel chunk parsers (0 uses one per CPU)")
	flags.String("separators", "", "YAML file with header and boundary separator patterns")
	flags.StringArray("header-separator", nil, "Regex marking the start of an object, including its opening brace")
	flags.StringArray("boundary-separator", nil, "Regex marking the end of one object and the start of the next")
	flags.String("state-dir", "", "Directory of the seen-message ledger; messages written by earlier runs are skipped")
	flags.String("mbox-out", "", "Also archive recovered messages into this mbox file")
	flags.String("mbox-domain", "dumprecover.local", "Domain used for Message-Id and sender addresses in the mbox archive")
	flags.String("metrics-textfile", "", "Write Prometheus counters to this file when the run ends")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Logging format: text or json")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-sender", nil, "Regex allow-list applied to senders (mutually exclusive with exclude flags)")
	flags.StringArray("include-text", nil, "Regex allow-list applied to message text (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-sender", nil, "Regex block-list applied to senders (mutually exclusive with include flags)")
	flags.StringArray("exclude-text", nil, "Regex block-list applied to message text (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags and arguments into a Config
// struct with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	outputPath, err := flags.GetString("output")
	if err != nil {
		return Config{}, err
	}
	format, err := flags.GetString("format")
	if err != nil {
		return Config{}, err
	}
	pretty, err := flags.GetBool("pretty")
	if err != nil {
		return Config{}, err
	}
	object, err := flags.GetBool("object")
	if err != nil {
		return Config{}, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return Config{}, err
	}
	separatorsFile, err := flags.GetString("separators")
	if err != nil {
		return Config{}, err
	}
	headerSeparators, err := flags.GetStringArray("header-separator")
	if err != nil {
		return Config{}, err
	}
	boundarySeparators, err := flags.GetStringArray("boundary-separator")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	mboxOut, err := flags.GetString("mbox-out")
	if err != nil {
		return Config{}, err
	}
	mboxDomain, err := flags.GetString("mbox-domain")
	if err != nil {
		return Config{}, err
	}
	metricsTextfile, err := flags.GetString("metrics-textfile")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logFormat, err := flags.GetString("log-format")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeSender, err := flags.GetStringArray("include-sender")
	if err != nil {
		return Config{}, err
	}
	includeText, err := flags.GetStringArray("include-text")
	if err != nil {
		return Config{}, err
	}
	excludeSender, err := flags.GetStringArray("exclude-sender")
	if err != nil {
		return Config{}, err
	}
	excludeText, err := flags.GetStringArray("exclude-text")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		OutputPath:         outputPath,
		Format:             strings.ToLower(format),
		Pretty:             pretty,
		Object:             object,
		Workers:            workers,
		SeparatorsFile:     separatorsFile,
		HeaderSeparators:   headerSeparators,
		BoundarySeparators: boundarySeparators,
		StateDir:           stateDir,
		MboxOut:            mboxOut,
		MboxDomain:         mboxDomain,
		MetricsTextfile:    metricsTextfile,
		LogLevel:           logLevel,
		LogFormat:          logFormat,
		LogDir:             logDir,
		IncludeSender:      includeSender,
		IncludeText:        includeText,
		ExcludeSender:      excludeSender,
		ExcludeText:        excludeText,
	}
	if len(args) > 0 {
		cfg.InputPath = args[0]
	}

	if err := applyEnv(cmd, &cfg); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv loads an optional .env file and copies DUMPRECOVER_* values into
// cfg for every flag the user did not set explicitly.
func applyEnv(cmd *cobra.Command, cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	flags := cmd.Flags()
	setString := func(flag, value string, dst *string) {
		if value != "" && !flags.Changed(flag) {
			*dst = value
		}
	}
	setString("log-level", env.LogLevel, &cfg.LogLevel)
	setString("log-format", env.LogFormat, &cfg.LogFormat)
	setString("log-dir", env.LogDir, &cfg.LogDir)
	setString("separators", env.Separators, &cfg.SeparatorsFile)
	setString("state-dir", env.StateDir, &cfg.StateDir)
	setString("mbox-domain", env.MboxDomain, &cfg.MboxDomain)
	setString("metrics-textfile", env.MetricsTextfile, &cfg.MetricsTextfile)
	if env.Workers != 0 && !flags.Changed("workers") {
		cfg.Workers = env.Workers
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch cfg.Format {
	case FormatJSONLines, FormatJSON:
	default:
		return fmt.Errorf("invalid --format: %s", cfg.Format)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("--workers must not be negative")
	}
	if cfg.Object && (cfg.MboxOut != "" || cfg.StateDir != "") {
		return fmt.Errorf("--object cannot be combined with --mbox-out or --state-dir")
	}
	if cfg.MboxOut != "" && strings.TrimSpace(cfg.MboxDomain) == "" {
		return fmt.Errorf("--mbox-domain must not be empty when --mbox-out is set")
	}
	if !cfg.FilterOptions().IsZero() && cfg.Object {
		return fmt.Errorf("filters do not apply to --object")
	}
	includeActive := len(cfg.IncludeSender) > 0 || len(cfg.IncludeText) > 0
	excludeActive := len(cfg.ExcludeSender) > 0 || len(cfg.ExcludeText) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}
