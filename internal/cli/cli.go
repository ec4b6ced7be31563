// Package cli parses command-line arguments, validates user input and runs a
// plan file end to end. It translates flags into a Config and owns process
// level concerns like exit codes.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return e.Message
}

// Config is the command-line configuration.
type Config struct {
	PlanPath  string
	Threads   int // Overrides the plan when >= 0.
	Ranks     int // Overrides the plan when > 0.
	LogLevel  string
	LogFormat string
	Metrics   bool // Print phase timings in Prometheus text format.
}

// Parse processes command-line arguments. It returns the Config, whether
// the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("taskchain", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
taskchain - run chained per-task computations over threads and ranks.

Usage:
  taskchain [options] [PLAN]

Arguments:
  PLAN
    Path to an .hcl plan file.

Options:
`)
		flagSet.PrintDefaults()
	}

	planFlag := flagSet.String("plan", "", "Path to the plan file.")
	pFlag := flagSet.String("p", "", "Path to the plan file (shorthand).")
	threadsFlag := flagSet.Int("threads", -1, "Worker goroutines per rank. 0 uses every CPU, -1 keeps the plan setting.")
	ranksFlag := flagSet.Int("ranks", 0, "In-process ranks. 0 keeps the plan setting.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	metricsFlag := flagSet.Bool("metrics", false, "Print scheduler timings after the run.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *planFlag != "" {
		path = *planFlag
	} else if *pFlag != "" {
		path = *pFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Plan path determined.", "path", path)

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	if *ranksFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid ranks: must not be negative"}
	}

	return &Config{
		PlanPath:  path,
		Threads:   *threadsFlag,
		Ranks:     *ranksFlag,
		LogLevel:  logLevel,
		LogFormat: logFormat,
		Metrics:   *metricsFlag,
	}, false, nil
}

// newLogger creates an isolated logger without touching the global one.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
