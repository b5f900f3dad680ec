package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/kilnml/kiln/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("kiln", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
kiln - a graph-based training engine with fingerprint caching.

Usage:
  kiln [options] [SCHEMA_PATH]

Arguments:
  SCHEMA_PATH
    Path to a single .hcl schema file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	schemaFlag := flagSet.String("schema", "", "Path to the schema file or directory.")
	sFlag := flagSet.String("s", "", "Path to the schema file or directory (shorthand).")
	outFlag := flagSet.String("output", "model.tar.gz", "Path of the model archive to write.")
	describeFlag := flagSet.String("describe", "", "Print the metadata of an existing model archive and exit.")
	cacheDirFlag := flagSet.String("cache-dir", ".kiln/cache", "Directory for the durable training cache. Empty means in-memory only.")
	storageDirFlag := flagSet.String("storage-dir", ".kiln/storage", "Directory for persisted component state.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Only fingerprint the schema and report the hit/miss plan.")
	forceFlag := flagSet.Bool("force-retrain", false, "Skip fingerprinting and retrain every node.")
	fineTuneFlag := flagSet.String("fine-tune-from", "", "Path to a model archive whose persisted state seeds this run.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent execution workers.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *schemaFlag != "" {
		path = *schemaFlag
	} else if *sFlag != "" {
		path = *sFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" && *describeFlag == "" {
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

	config, err := app.NewConfig(app.Config{
		SchemaPath:   path,
		OutputPath:   *outFlag,
		DescribePath: *describeFlag,
		CacheDir:     *cacheDirFlag,
		StorageDir:   *storageDirFlag,
		DryRun:       *dryRunFlag,
		ForceRetrain: *forceFlag,
		FineTuneFrom: *fineTuneFlag,
		Workers:      *workersFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
