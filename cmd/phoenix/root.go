package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/petrijr/phoenix"
	"github.com/petrijr/phoenix/internal/config"
	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/mongo"
)

var (
	flagConfigFile string
	flagStoreURI   string
	flagDatabase   string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "phoenix",
	Short:         "Crash-resilient multi-agent workflow engine",
	Long:          "Phoenix runs goal-driven task DAGs across disposable worker processes.\nAll state lives in the shared store; kill any process at any time.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigFile, "config", "", "path to a YAML config file")
	pf.StringVar(&flagStoreURI, "store-uri", "", "store backend: 'memory', a mongodb:// URI, or a SQLite file path")
	pf.StringVar(&flagDatabase, "database", "", "MongoDB database name")
	pf.StringVar(&flagLogLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return nil, err
	}
	if flagStoreURI != "" {
		cfg.StoreURI = flagStoreURI
	}
	if flagDatabase != "" {
		cfg.Database = flagDatabase
	}
	return cfg, nil
}

// openStore selects the backend from the URI shape: "memory", a
// mongodb:// URI, or a SQLite file path. The returned close function is
// safe to call once.
func openStore(ctx context.Context, cfg *config.Config) (phoenix.Store, func(), error) {
	uri := cfg.StoreURI
	switch {
	case uri == "" || uri == "memory":
		return phoenix.NewInMemoryStore(), func() {}, nil

	case strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://"):
		store, disconnect, err := mongo.Connect(ctx, uri, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		return store, func() { _ = disconnect(context.Background()) }, nil

	default:
		db, err := sql.Open("sqlite", uri)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", uri, err)
		}
		// modernc sqlite serializes writers; one connection avoids
		// SQLITE_BUSY churn under concurrent claims.
		db.SetMaxOpenConns(1)

		store, err := phoenix.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
}

// newLogger builds the process logger: text on stderr, mirrored into
// the store's logs collection.
func newLogger(store phoenix.Store) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", flagLogLevel)
	}

	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewStoreHandler(base, store)), nil
}

// runUntilSignalled is the common scaffolding for the long-running
// subcommands: process exit is the operator's tool, not the program's.
func runUntilSignalled(cmd *cobra.Command, run func(ctx context.Context) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	err := run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
