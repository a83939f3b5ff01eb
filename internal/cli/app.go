package cli

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/config"
	"github.com/roach88/changefeed/internal/entity"
	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/migrator"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/notify"
	"github.com/roach88/changefeed/internal/policy"
	"github.com/roach88/changefeed/internal/resolver"
	"github.com/roach88/changefeed/internal/store"
	"github.com/roach88/changefeed/internal/tracker"
)

// app holds the components every command is built from.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	registry *policy.Registry
	entities *entity.SQLStore
	closers  []func()
}

// openApp loads the configuration and opens the store. The caller must
// call close.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = logging.DebugLevel
	}
	logger := logging.NewWithWriter(level, logging.ParseFormat(cfg.Logging.Format), cmd.ErrOrStderr())

	reg, err := cfg.Registry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid type registry", err)
	}

	st, err := store.OpenDriver(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("database ready",
		zap.String("driver", cfg.Database.Driver),
		zap.Int("types", len(reg.Types())))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		entities: entity.NewSQLStore(st.DB(), st.Dialect(), reg),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// notifier fans flush notifications out to the log and, when configured,
// to NATS. An unreachable NATS server is not fatal.
func (a *app) notifier() tracker.Notifier {
	notifiers := []tracker.Notifier{notify.LogNotifier{Logger: a.logger.Named("notify")}}
	if a.cfg.NATS.URL != "" {
		pub, err := notify.ConnectNATS(notify.NATSOptions{
			URL:           a.cfg.NATS.URL,
			Subject:       a.cfg.NATS.Subject,
			MaxReconnects: a.cfg.NATS.MaxReconnects,
			ReconnectWait: a.cfg.NATS.ReconnectWait,
		}, a.logger)
		if err != nil {
			a.logger.Warn("NATS notifications disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, pub.Close)
			notifiers = append(notifiers, pub)
		}
	}
	return notify.NewDispatcher(notifiers...)
}

func (a *app) tracker() *tracker.Tracker {
	return tracker.New(a.store, a.registry,
		tracker.WithLogger(a.logger.Named("tracker")),
		tracker.WithNotifier(a.notifier()),
		tracker.WithRetry(tracker.RetryPolicy{
			Attempts: a.cfg.Tracker.RetryAttempts,
			Interval: a.cfg.Tracker.RetryInterval,
		}))
}

func (a *app) resolver() *resolver.Resolver {
	return resolver.New(a.store, a.entities, a.registry,
		resolver.WithLogger(a.logger.Named("resolver")),
		resolver.WithLimits(a.cfg.Sync.MaxLimit, a.cfg.Sync.DefaultLimit))
}

func (a *app) migrator() *migrator.Migrator {
	return migrator.New(a.store, a.entities, a.registry,
		migrator.WithLogger(a.logger.Named("migrator")),
		migrator.WithChunkSize(a.cfg.Migrator.ChunkSize))
}

func (a *app) formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// jobError wraps err with an exit code. Unknown types and rejected input
// are command errors; anything else is a job failure.
func jobError(message string, err error) error {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case model.IsLookupError(err), model.IsValidationError(err):
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

func writeLines(w io.Writer, lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}
