// bundle-uploader signs files as data items and sends them to a bundling
// node, one at a time, as a bundle, or as a whole folder with a path
// manifest.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/config"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// exitFunds is returned when the account cannot pay for an upload, so
// scripts can tell it apart from other failures.
const exitFunds = 3

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if upload.IsInsufficientFunds(err) {
			os.Exit(exitFunds)
		}
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, cfg config.Config, args []string) error
}

var commands = []command{
	{"upload", "upload one file", runUpload},
	{"upload-dir", "upload a folder and its path manifest", runUploadDir},
	{"bundle", "upload files together as one bundle", runBundle},
	{"address", "print the address of the configured key", runAddress},
}

func run(args []string) error {
	flags := pflag.NewFlagSet("bundle-uploader", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	configPath := flags.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() { usage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("bundle-uploader %s (%s)\n", Version, GitSHA)
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		usage(flags)
		return errors.New("no command given")
	}
	cmd, ok := lookup(rest[0])
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Debug("bundle-uploader starting", "version", Version, "git_sha", GitSHA, "command", cmd.name)

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server stopped", "component", "main", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := logging.NewCorrelationID()
	ctx = logging.WithCorrelationID(ctx, runID)
	slog.Info("running command", "component", "main", "command", cmd.name, "correlation_id", runID)

	return cmd.run(ctx, cfg, rest[1:])
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: bundle-uploader [--config FILE] COMMAND [flags] [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nglobal flags:\n%s", flags.FlagUsages())
}

// printJSON writes v to stdout for scripts to consume.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
