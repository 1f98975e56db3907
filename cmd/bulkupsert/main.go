// Package main implements the bulkupsert binary. It loads record files into
// a table, replays journaled invocations, or serves the upsert HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/app"
	"github.com/arkilian/bulkupsert/internal/config"
	"github.com/arkilian/bulkupsert/internal/logging"
	"github.com/arkilian/bulkupsert/pkg/upsert"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "bulkupsert - insert-or-update records in bulk\n\n")
	fmt.Fprintf(os.Stderr, "Usage: bulkupsert <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  load      Upsert a file, directory, s3:// object or prefix, or stdin into a table\n")
	fmt.Fprintf(os.Stderr, "  serve     Serve the HTTP upsert API\n")
	fmt.Fprintf(os.Stderr, "  replay    Re-run journaled invocations that did not commit\n")
	fmt.Fprintf(os.Stderr, "  version   Show version information\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  bulkupsert load -config bulkupsert.yaml -table users -input users.ndjson\n")
	fmt.Fprintf(os.Stderr, "  bulkupsert load -table users -input s3://exports/users/ -id-fields email\n")
	fmt.Fprintf(os.Stderr, "  bulkupsert serve -config /etc/bulkupsert/config.yaml\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  BULKUPSERT_DATA_DIR        Base directory for local files\n")
	fmt.Fprintf(os.Stderr, "  BULKUPSERT_DATABASE_DRIVER sqlite3 or pgx\n")
	fmt.Fprintf(os.Stderr, "  BULKUPSERT_DATABASE_DSN    Data source name\n")
	fmt.Fprintf(os.Stderr, "  BULKUPSERT_HTTP_ADDR       HTTP listen address\n")
	fmt.Fprintf(os.Stderr, "  BULKUPSERT_LOG_LEVEL       debug, info, warn or error\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "load":
		err = runLoad(args)
	case "serve":
		err = runServe(args)
	case "replay":
		err = runReplay(args)
	case "version":
		fmt.Printf("bulkupsert version %s (commit: %s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		zap.L().Error("command failed", zap.String("command", cmd), zap.Error(err))
		zap.L().Sync()
		fmt.Fprintf(os.Stderr, "bulkupsert %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// setup loads the configuration, installs the global logger and opens the app.
func setup(configFile string) (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := logging.Install(cfg.Logging)
	return app.New(cfg, logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func runLoad(args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	var (
		configFile = fs.String("config", "", "Path to configuration file (YAML or JSON)")
		table      = fs.String("table", "", "Target table")
		input      = fs.String("input", "-", "Input path, directory, s3://bucket/key or s3://bucket/prefix/, or - for stdin")
		idFields   = fs.String("id-fields", "", "Comma separated identity fields (default: primary key)")
		omit       = fs.String("omit", "", "Comma separated fields never written")
		policy     = fs.String("duplicate-policy", "", "last_wins or reject (default: configured)")
		window     = fs.Int("window-size", -1, "Records per window (default: configured, 0 = whole input)")
	)
	fs.Parse(args)
	if *table == "" {
		fs.Usage()
		return fmt.Errorf("-table is required")
	}

	a, err := setup(*configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var r io.Reader = os.Stdin
	if *input != "-" {
		rc, err := a.OpenInput(ctx, *input)
		if err != nil {
			return err
		}
		defer rc.Close()
		r = rc
	}

	var opts []upsert.Option
	if list := splitList(*idFields); len(list) > 0 {
		opts = append(opts, upsert.WithIDFields(list...))
	}
	if list := splitList(*omit); len(list) > 0 {
		opts = append(opts, upsert.WithOmit(list...))
	}
	if *policy != "" {
		opts = append(opts, upsert.WithDuplicatePolicy(upsert.DuplicatePolicy(*policy)))
	}
	if *window >= 0 {
		opts = append(opts, upsert.WithWindowSize(*window))
	}

	summary, err := a.Load(ctx, *table, r, opts...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	fs.Parse(args)

	a, err := setup(*configFile)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.ListenAndServe(context.Background())
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	fs.Parse(args)

	a, err := setup(*configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := a.Replay(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d invocations\n", n)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
