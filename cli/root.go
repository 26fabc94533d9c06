// Package cli implements the flowport command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowport/config"
	"github.com/petal-labs/flowport/importer"
	"github.com/petal-labs/flowport/store"
	"github.com/petal-labs/flowport/store/redisstore"
	"github.com/petal-labs/flowport/store/sqlite"
)

// NewRootCmd builds the flowport command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowport",
		Short: "Import exported AI agent flows",
		Long:  "flowport imports exported agent flow graphs into a local store under fresh identifiers.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to flowport.yaml")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("store", "", "Store backend: memory | sqlite | redis (overrides config)")
	root.PersistentFlags().String("sqlite-path", "", "SQLite database path (overrides config)")
	root.PersistentFlags().String("redis-url", "", "Redis URL (overrides config)")
	root.PersistentFlags().String("ids", "", "Id strategy: uuid | ulid | ksuid (overrides config)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("flowport version %s\n", version))

	root.AddCommand(NewImportCmd())
	root.AddCommand(NewDetectCmd())
	root.AddCommand(NewListCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// env is the resolved runtime shared by subcommands.
type env struct {
	cfg     config.File
	path    string
	logger  *slog.Logger
	backend store.Backend
}

// loadConfig resolves the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Resolve(explicit)
	if err != nil {
		return config.File{}, "", exitError(exitGeneric, "loading config: %v", err)
	}

	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, _ := cmd.Flags().GetString("sqlite-path"); v != "" {
		cfg.Store.SQLitePath = v
		if !cmd.Flags().Changed("store") {
			cfg.Store.Backend = config.BackendSQLite
		}
	}
	if v, _ := cmd.Flags().GetString("redis-url"); v != "" {
		cfg.Store.RedisURL = v
		if !cmd.Flags().Changed("store") {
			cfg.Store.Backend = config.BackendRedis
		}
	}
	if v, _ := cmd.Flags().GetString("ids"); v != "" {
		cfg.IDs.Strategy = strings.ToLower(strings.TrimSpace(v))
	}
	if err := cfg.Validate(); err != nil {
		return config.File{}, "", exitError(exitValidation, "invalid configuration: %v", err)
	}
	return cfg, path, nil
}

// newLogger builds a text logger honoring --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openBackend opens the configured store backend.
func openBackend(ctx context.Context, sc config.StoreConfig) (store.Backend, error) {
	switch sc.Backend {
	case "", config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite:
		s, err := sqlite.Open(sqlite.Config{DSN: sc.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, redisstore.Options{URL: sc.RedisURL, Prefix: sc.RedisPrefix})
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// setup resolves config, logger and backend. The caller closes the
// backend through env.close.
func setup(cmd *cobra.Command) (*env, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	backend, err := openBackend(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, exitError(exitGeneric, "%v", err)
	}
	logger.Debug("store opened", "backend", cfg.Store.Backend)
	return &env{cfg: cfg, path: path, logger: logger, backend: backend}, nil
}

func (e *env) close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Warn("closing store", "error", err)
	}
}

// newImporter builds an importer over the env's backend.
func (e *env) newImporter(extra ...importer.Option) (*importer.Importer, error) {
	gen, err := e.cfg.Generator()
	if err != nil {
		return nil, exitError(exitValidation, "%v", err)
	}
	opts := append([]importer.Option{
		importer.WithGenerator(gen),
		importer.WithLogger(e.logger),
	}, extra...)
	return importer.NewForBackend(e.backend, opts...), nil
}

func isQuiet(cmd *cobra.Command) bool {
	quiet, _ := cmd.Flags().GetBool("quiet")
	return quiet
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
