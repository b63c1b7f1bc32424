// Command migrate manages the database schema: up, down, steps N, version.
package main

import (
	"flag"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-faster/errors"

	"github.com/xenking/bazaar-pricing/internal/storage/postgres"
)

func main() {
	var databaseURL string

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Usage = func() {
		_, _ = os.Stderr.WriteString("usage: migrate [flags] up|down|steps N|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(databaseURL, flag.Args()); err != nil {
		slog.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(databaseURL string, args []string) (rerr error) {
	m, err := postgres.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	switch cmd := args[0]; cmd {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
	case "steps":
		if len(args) < 2 {
			return errors.New("steps requires a count, e.g. steps -1")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Wrapf(err, "parse steps %q", args[1])
		}
		if err := m.Steps(n); err != nil {
			return err
		}
	case "version":
	default:
		return errors.Errorf("unknown command %q", cmd)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return errors.Wrap(err, "read version")
	}
	slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}
