package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/authbridge/api"
	"github.com/alexjbarnes/authbridge/errs"
	"github.com/alexjbarnes/authbridge/flow"
	"github.com/alexjbarnes/authbridge/internal/config"
	"github.com/alexjbarnes/authbridge/internal/logging"
	"github.com/alexjbarnes/authbridge/session"
)

var Version = "dev"

func main() {
	// Handle logout subcommand before the daemon path.
	if len(os.Args) > 1 && os.Args[1] == "logout" {
		if err := logout(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// logout removes the persisted session from the keyring.
func logout() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	if !cfg.PersistenceEnabled() {
		logger.Info("no session storage configured, nothing to remove")
		return nil
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	session.NewStorage(cfg.ProjectID, store, logger).Remove()
	logger.Info("stored session removed")
	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment).With(slog.String("run_id", uuid.NewString()[:8]))
	logger.Info("authbridge starting",
		slog.String("version", Version),
		slog.String("project_id", cfg.ProjectID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := api.NewClient(api.Config{
		ProjectID: cfg.ProjectID,
		BaseURL:   cfg.BaseURL,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating api client: %w", err)
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	storage := session.NewStorage(cfg.ProjectID, store, logger)
	lifecycle := session.NewLifecycle(client, logger)
	manager := session.NewManager(lifecycle, storage, logger)
	defer lifecycle.SetSession(nil)

	watcher := &sessionLogger{logger: logger}
	manager.AddDelegate(watcher)
	defer manager.RemoveDelegate(watcher)

	if restored := manager.RestoreSession(); restored != nil {
		if restored.RefreshToken.IsExpired() {
			logger.Info("stored session expired, signing in again")
			manager.ClearSession()
		} else {
			logger.Info("restored session", slog.String("user_id", restored.User.UserID))
			if _, err := manager.RefreshSessionIfNeeded(ctx); err != nil {
				logger.Warn("could not refresh restored session", slog.String("error", err.Error()))
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if manager.Session() == nil {
		g.Go(func() error {
			return runFlow(gctx, cfg, manager, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

// runFlow authenticates by running the configured flow against the web
// runtime and hands the resulting session to the manager.
func runFlow(ctx context.Context, cfg *config.Config, manager *session.Manager, logger *slog.Logger) error {
	flowSpec, err := cfg.ResolveFlow()
	if err != nil {
		return err
	}

	logger.Info("dialing web runtime", slog.String("url", cfg.RuntimeURL))
	runtime, err := flow.DialRuntime(ctx, cfg.RuntimeURL, logger)
	if err != nil {
		return err
	}

	observer := &flowObserver{logger: logger, manager: manager, done: make(chan error, 1)}
	coordinator, err := flow.NewCoordinator(flow.CoordinatorConfig{
		Runtime:  runtime,
		Delegate: observer,
		Logger:   logger,
	})
	if err != nil {
		runtime.Close()
		return err
	}
	defer coordinator.Close()

	if err := coordinator.Start(ctx, flowSpec); err != nil {
		return fmt.Errorf("starting flow: %w", err)
	}

	select {
	case err := <-observer.done:
		if err != nil {
			return fmt.Errorf("flow failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		coordinator.Cancel()
		return ctx.Err()
	}
}

// openStore picks the session store: the encrypted keyring when a
// passphrase is configured, in-memory otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (session.Store, func(), error) {
	if !cfg.PersistenceEnabled() {
		logger.Debug("no storage passphrase set, sessions held in memory")
		return session.NewMemoryStore(), func() {}, nil
	}

	path := cfg.StoragePath
	if path == "" {
		var err error
		path, err = session.DefaultKeyringPath()
		if err != nil {
			return nil, nil, err
		}
	}

	store, err := session.OpenKeyring(path, cfg.StoragePassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("opening keyring: %w", err)
	}

	logger.Debug("keyring open", slog.String("path", path))
	return store, func() { _ = store.Close() }, nil
}

// flowObserver reports flow progress and captures the outcome.
type flowObserver struct {
	logger  *slog.Logger
	manager *session.Manager
	done    chan error
}

func (o *flowObserver) CoordinatorStateChanged(from, to flow.State) {
	o.logger.Debug("flow state changed", slog.String("from", from.String()), slog.String("to", to.String()))
}

func (o *flowObserver) CoordinatorReady() {
	o.logger.Info("flow ready for user input")
}

func (o *flowObserver) CoordinatorFailed(err *errs.Error) {
	o.done <- err
}

func (o *flowObserver) CoordinatorFinished(response *session.AuthenticationResponse) {
	o.logger.Info("flow finished",
		slog.String("user_id", response.User.UserID),
		slog.Bool("first_seen", response.FirstSeen),
	)
	o.manager.ManageSession(session.New(response))
	o.done <- nil
}

// sessionLogger logs session change notifications from the manager.
type sessionLogger struct {
	logger *slog.Logger
}

func (s *sessionLogger) SessionTokensUpdated(sess *session.Session) {
	s.logger.Info("session tokens updated", slog.Time("expires", sess.SessionToken.ExpiresAt))
}

func (s *sessionLogger) SessionUserUpdated(sess *session.Session) {
	s.logger.Info("session user updated", slog.String("user_id", sess.User.UserID))
}
