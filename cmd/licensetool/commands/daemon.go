package commands

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/eventstore"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/future"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
	"git.home.luguber.info/inful/licensetool/internal/notify"
	"git.home.luguber.info/inful/licensetool/internal/orchestrator"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"git.home.luguber.info/inful/licensetool/internal/scheduler"
	"git.home.luguber.info/inful/licensetool/internal/watch"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Addr    string `help:"HTTP listen address (overrides daemon.http_addr)"`
	NoWatch bool   `help:"Do not watch pom.xml files"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	if d.Addr != "" {
		sess.cfg.Daemon.HTTPAddr = d.Addr
	}
	if d.NoWatch {
		sess.cfg.Manifest.Watch = false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return RunDaemon(ctx, sess)
}

// RunDaemon runs until ctx is done or a component fails. Event consumers
// stop last, after draining the bus that Dispose closes.
func RunDaemon(ctx context.Context, sess *session) error {
	logger := sess.logger
	cfg := sess.cfg
	logger.Info("Starting daemon", logfields.Project(sess.root))

	reg := prom.NewRegistry()
	o := sess.orchestrator(orchestrator.WithRecorder(metrics.NewPrometheusRecorder(reg)))

	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	grp, gctx := errgroup.WithContext(runCtx)
	// Consumers end when Dispose closes the bus.
	drainCtx := context.WithoutCancel(gctx)

	var store *eventstore.SQLiteStore
	abort := func(err error) error {
		stopRun()
		o.Dispose(context.Background())
		_ = grp.Wait()
		closeStore(store, logger)
		return err
	}

	var history *eventstore.ManifestHistoryProjection
	if path := cfg.EventStorePath(sess.root); path != "" {
		var err error
		store, err = eventstore.NewSQLiteStore(path)
		if err != nil {
			return abort(err)
		}
		history = eventstore.NewManifestHistoryProjection(store)
		if err := history.Rebuild(ctx); err != nil {
			logger.Warn("Failed to rebuild manifest history", logfields.Error(err))
		}
		rec := eventstore.NewRecorder(o.Bus(), store, history, logger)
		grp.Go(func() error {
			rec.Run(drainCtx)
			return nil
		})
		logger.Info("Recording events", logfields.Path(path))
	}

	if cfg.Events.NATSURL != "" {
		conn, err := notify.Connect(cfg.Events.NATSURL, "licensetool")
		if err != nil {
			logger.Warn("NATS unavailable, lifecycle events will not be forwarded", logfields.Error(err))
		} else {
			n := notify.New(o.Bus(), conn, cfg.Events.SubjectPrefix, logger)
			grp.Go(func() error {
				n.Run(drainCtx)
				if err := conn.Drain(); err != nil {
					logger.Warn("Failed to drain NATS connection", logfields.Error(err))
				}
				return nil
			})
		}
	}

	ref := &refresher{sess: sess, o: o, report: cfg.Manifest.Report}

	if cfg.Manifest.GenerateOnStartup {
		generateOnStartup(gctx, grp, sess, o)
	}

	if cfg.Sidecar.Enabled {
		o.EnsureSidecarRunning(ctx)
	}

	if cfg.Manifest.Watch {
		w, err := watch.New(sess.root, watch.Config{QuietWindow: cfg.WatchQuietWindow()},
			func(ctx context.Context, poms []string) {
				logger.Info("POM files changed", "count", len(poms))
				if _, err := ref.refresh(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Manifest refresh failed", logfields.Error(err))
				}
			}, o.Bus(), logger)
		if err != nil {
			return abort(err)
		}
		grp.Go(func() error { return w.Run(gctx) })
	}

	var sched *scheduler.Scheduler
	if cfg.Manifest.RefreshSchedule != "" {
		var err error
		sched, err = scheduler.New(logger)
		if err == nil {
			_, err = sched.ScheduleRefresh(gctx, cfg.Manifest.RefreshSchedule, func(ctx context.Context) error {
				_, err := ref.refresh(ctx)
				return err
			})
		}
		if err != nil {
			return abort(err)
		}
		sched.Start()
	}

	var srv *http.Server
	if cfg.Daemon.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.Daemon.HTTPAddr)
		if err != nil {
			return abort(ferrors.WrapError(err, ferrors.CategoryNetwork, "failed to listen").
				WithContext("addr", cfg.Daemon.HTTPAddr).
				Build())
		}
		srv = &http.Server{
			Handler:           newHandler(o, history, reg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return ferrors.WrapError(err, ferrors.CategoryNetwork, "HTTP server failed").Build()
			}
			return nil
		})
		logger.Info("Control endpoints listening", "addr", ln.Addr().String())
	}

	logger.Info("Daemon started, waiting for shutdown signal...")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping daemon...")
	case <-gctx.Done():
		logger.Warn("Daemon component failed, stopping daemon...")
	}

	shutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if srv != nil {
		if err := srv.Shutdown(shutdown); err != nil {
			logger.Warn("HTTP server shutdown", logfields.Error(err))
		}
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Warn("Scheduler shutdown", logfields.Error(err))
		}
	}
	o.Dispose(shutdown)
	stopRun()

	err := grp.Wait()
	closeStore(store, logger)
	if err != nil {
		return err
	}
	logger.Info("Daemon stopped successfully")
	return nil
}

// generateOnStartup produces the manifest when the project has a root
// pom.xml and no manifest exists yet.
func generateOnStartup(ctx context.Context, grp *errgroup.Group, sess *session, o *orchestrator.Orchestrator) {
	pom, ok := project.RootPOM(sess.root)
	if !ok {
		return
	}
	canonical := o.Generator().CanonicalPath(sess.root)
	if _, err := os.Stat(canonical); err == nil {
		sess.logger.Debug("Manifest present, skipping startup generation", logfields.Path(canonical))
		return
	}

	sess.logger.Info("Generating manifest on startup", logfields.Path(pom))
	h := o.GenerateManifest(ctx, pom)
	grp.Go(func() error {
		path, err := h.Wait(ctx)
		switch {
		case err == nil:
			sess.logger.Info("Startup manifest generated", logfields.Path(path))
		case errors.Is(err, future.ErrCancelled), ctx.Err() != nil:
		default:
			sess.logger.Error("Startup manifest generation failed", logfields.Error(err))
		}
		return nil
	})
}

func closeStore(store *eventstore.SQLiteStore, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close event store", logfields.Error(err))
	}
}
