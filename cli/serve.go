package cli

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowport/bus"
	"github.com/petal-labs/flowport/config"
	"github.com/petal-labs/flowport/importer"
	"github.com/petal-labs/flowport/inbox"
	flowotel "github.com/petal-labs/flowport/otel"
	"github.com/petal-labs/flowport/server"
	"github.com/petal-labs/flowport/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the import HTTP server and inbox watcher",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (default: from server.addr)")
	cmd.Flags().String("host", "", "Listen host (default: from server.addr)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector for traces and metrics (overrides telemetry.otlp_endpoint)")
	cmd.Flags().String("inbox-dir", "", "Directory swept for export files (overrides inbox.dir)")
	cmd.Flags().String("inbox-schedule", "", "Inbox cron schedule, UTC (overrides inbox.schedule)")
	cmd.Flags().Duration("inbox-poll", 5*time.Second, "How often the inbox checks whether a sweep is due")
	cmd.Flags().String("events-db", "", "SQLite file for the import event journal (overrides events.path)")

	return cmd
}

// serveStack is everything runServe starts and later stops.
type serveStack struct {
	env       *env
	telemetry *flowotel.Telemetry
	watcher   *inbox.Watcher
	bus       *bus.MemBus
	events    bus.EventStore
	handler   http.Handler
}

func (s *serveStack) close(ctx context.Context) {
	if s.watcher != nil {
		_ = s.watcher.Stop(ctx)
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if c, ok := s.events.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.env.logger.Warn("event journal close", "error", err)
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.env.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	s.env.close()
}

// buildServeStack wires store, telemetry, importer, inbox and HTTP
// handler without starting anything.
func buildServeStack(cmd *cobra.Command) (*serveStack, error) {
	e, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	stack := &serveStack{env: e}
	fail := func(err error) (*serveStack, error) {
		stack.close(context.Background())
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("otlp-endpoint"); v != "" {
		e.cfg.Telemetry.OTLPEndpoint = v
	}
	tel, err := flowotel.Setup(cmd.Context(), flowotel.Config{
		ServiceName:    e.cfg.Telemetry.ServiceName,
		OTLPEndpoint:   e.cfg.Telemetry.OTLPEndpoint,
		Insecure:       e.cfg.Telemetry.Insecure,
		MetricInterval: e.cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fail(exitError(exitGeneric, "initializing telemetry: %v", err))
	}
	stack.telemetry = tel

	logEvent := func(ev importer.Event) {
		e.logger.Debug("import event",
			"kind", ev.Kind,
			"import_id", ev.ImportID,
			"phase", ev.Phase,
			"trace_id", ev.TraceID,
			"span_id", ev.SpanID,
		)
	}
	if v, _ := cmd.Flags().GetString("events-db"); v != "" {
		e.cfg.Events.Path = v
	}
	events, err := openEventStore(e.cfg.Events)
	if err != nil {
		return fail(exitError(exitGeneric, "opening event journal: %v", err))
	}
	stack.events = events
	stack.bus = bus.NewMemBus(bus.MemBusConfig{})

	// Enrich once so the journal and the debug log carry the same span ids.
	imp, err := e.newImporter(importer.WithEventHandler(importer.MultiEventHandler(
		tel.Handler(),
		flowotel.EnrichHandler(importer.MultiEventHandler(
			logEvent,
			bus.Journal(events, stack.bus, e.logger),
		), tel.Tracing),
	)))
	if err != nil {
		return fail(err)
	}

	opts, err := e.cfg.ImportOptions()
	if err != nil {
		return fail(exitError(exitValidation, "%v", err))
	}

	if v, _ := cmd.Flags().GetString("inbox-dir"); v != "" {
		e.cfg.Inbox.Dir = v
	}
	if v, _ := cmd.Flags().GetString("inbox-schedule"); v != "" {
		e.cfg.Inbox.Schedule = v
	}
	var sweeper server.Sweeper
	if e.cfg.Inbox.Dir != "" {
		observer, err := tel.InboxObserver()
		if err != nil {
			return fail(exitError(exitGeneric, "initializing inbox telemetry: %v", err))
		}
		poll, _ := cmd.Flags().GetDuration("inbox-poll")
		watcher, err := inbox.New(inbox.Config{
			Dir:          e.cfg.Inbox.Dir,
			Schedule:     e.cfg.Inbox.Schedule,
			Importer:     imp,
			Options:      opts,
			PollInterval: poll,
			Logger:       e.logger,
			Observer:     observer,
		})
		if err != nil {
			return fail(exitError(exitValidation, "inbox: %v", err))
		}
		stack.watcher = watcher
		sweeper = watcher
	}

	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	stack.handler = server.NewServer(server.ServerConfig{
		Importer:   imp,
		Stores:     store.StoresOf(e.backend),
		Defaults:   opts,
		Inbox:      sweeper,
		Events:     events,
		Bus:        stack.bus,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     e.logger,
	}).Handler()
	return stack, nil
}

// openEventStore opens the SQLite journal when a path is configured and
// an in-memory one otherwise.
func openEventStore(cfg config.EventsConfig) (bus.EventStore, error) {
	if cfg.Path == "" {
		return bus.NewMemEventStore(cfg.MaxImports), nil
	}
	return bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:          cfg.Path,
		RetentionAge: cfg.Retention,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	stack, err := buildServeStack(cmd)
	if err != nil {
		return err
	}
	defer stack.close(context.Background())

	addr, err := listenAddr(cmd, stack.env.cfg.Server.Addr)
	if err != nil {
		return err
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stack.watcher != nil {
		if err := stack.watcher.Start(ctx); err != nil {
			return exitError(exitGeneric, "starting inbox: %v", err)
		}
		stack.env.logger.Info("inbox watching", "dir", stack.watcher.Dir(), "next_run", stack.watcher.NextRun())
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      stack.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if !isQuiet(cmd) {
			printf(cmd.OutOrStdout(), "flowport listening on %s (store: %s)\n", addr, stack.env.cfg.Store.Backend)
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if !isQuiet(cmd) {
			printf(cmd.OutOrStdout(), "Shutting down...\n")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitGeneric, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitGeneric, "server error: %v", err)
		}
		return nil
	}
}

// listenAddr applies --host and --port over the configured address.
func listenAddr(cmd *cobra.Command, configured string) (string, error) {
	host, port, err := net.SplitHostPort(configured)
	if err != nil {
		return "", exitError(exitValidation, "invalid server.addr %q: %v", configured, err)
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		if v < 0 || v > 65535 {
			return "", exitError(exitValidation, "invalid port %d", v)
		}
		port = strconv.Itoa(v)
	}
	if port == "" {
		return "", exitError(exitValidation, "no listen port configured")
	}
	return net.JoinHostPort(host, port), nil
}
