// Command poolctl is a read-only operator console for a pool-engine
// database. It prints pools, templates, account statements, balance
// audits and the recent transaction log as tables.
//
//	poolctl [-config path] pools [-status LOCKED] [-template id] [-account id]
//	poolctl pool <id>
//	poolctl templates
//	poolctl statement <account>
//	poolctl audit <account>...
//	poolctl recent [-n 50]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betpool/pool-engine/internal/config"
	"github.com/betpool/pool-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Tables go to stdout; keep logs out of the way.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
	defer cleanup()

	c, err := newConsole(st, cfg.EngineConfig(), os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
	if err := c.run(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: poolctl [-config path] <command> [args]

commands:
  pools [-status S] [-template ID] [-account ID]
                                     list pools
  pool <id>                          pool detail with wagers and projections
  templates                          list templates
  statement <account>                account balance and transaction log
  audit <account>...                 compare stored and reconstructed balances
  recent [-n N]                      newest transaction log entries
`)
	flag.PrintDefaults()
}

// openStore opens the configured persistent backend. The in-memory driver
// has nothing to inspect from a separate process.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	case config.DriverSQLite:
		sq, err := store.NewSQLiteStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { sq.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("storage driver %q has no persistent data; use sqlite or postgres", cfg.Storage.Driver)
	}
}
