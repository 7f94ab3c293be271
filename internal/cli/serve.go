package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskflow/orchestrator/internal/api"
	"github.com/taskflow/orchestrator/internal/config"
	"github.com/taskflow/orchestrator/internal/events"
	"github.com/taskflow/orchestrator/internal/monitor"
	"github.com/taskflow/orchestrator/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler with its HTTP API",
	Long: `Run the scheduler, the HTTP API, the retry sweeper and the metrics
collector. With NATS enabled, lifecycle events are published to JetStream
and agent results are consumed from task.result.<id>.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []scheduler.Option{
		scheduler.WithRetryPolicy(scheduler.NewRetryPolicy(cfg.Retry)),
		scheduler.WithDeadlineWindow(cfg.Boost.DeadlineWindow),
	}

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}

		publisher, err := events.NewNATSPublisher(js, events.DefaultRetryConfig(), logger)
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithPublisher(publisher))
	}

	sched := scheduler.NewScheduler(store, logger, opts...)

	sweeper, err := scheduler.NewRetrySweeper(sched, cfg.Retry.SweepSchedule, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	collector := monitor.NewMetricsCollector(js, sched, cfg.Metrics.Interval, logger)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop()

	alerts := monitor.NewAlertManager(js, logger)
	for _, rule := range monitor.DefaultRules() {
		alerts.AddRule(rule)
	}
	if err := alerts.Start(ctx); err != nil {
		return err
	}
	defer alerts.Stop()

	if js != nil {
		listener, err := events.NewResultListener(js, sched, logger)
		if err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer listener.Stop()
	}

	srv := api.NewServer(sched, logger)
	srv.SetMetrics(collector)
	srv.SetAlerts(alerts)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// connectNATS dials the configured server, retrying with exponential backoff
func connectNATS(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			logger.Warn("Failed to connect to NATS, retrying...",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
	}

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
