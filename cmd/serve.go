package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/monitoring"
	"github.com/salonworks/storyline/internal/observability"
	"github.com/salonworks/storyline/internal/trigger"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, webhook receiver and daily schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, nil)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				zap.L().Warn("flush traces", zap.Error(err))
			}
		}()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		supervisor := trigger.NewSupervisor(ctx, env.Orchestrator, cfg.Server.WebhookConcurrency)
		go supervisor.Drain(ctx)

		// Daily sweep and dead letter replays.
		sched := trigger.NewScheduler(ctx, env.Calendar.Location())
		if err := sched.AddSweep(cfg.Sweep.Cron, trigger.NewSweeper(env.Orchestrator, env.Calendar, env.ContentTypes)); err != nil {
			return err
		}
		if cfg.Sweep.ReplayCron != "" {
			replayer := trigger.NewReplayer(env.Store, env.Orchestrator, replayBackoff())
			if err := sched.AddReplay(cfg.Sweep.ReplayCron, replayer, cfg.Sweep.ReplayLimit); err != nil {
				return err
			}
		}
		sched.Start()
		defer sched.Stop()

		collector := monitoring.NewCollector(env.Store)
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		srv := &server{
			gen:       env.Orchestrator,
			webhooks:  supervisor,
			store:     env.Store,
			collector: collector,
			types:     env.ContentTypes,
			origins:   cfg.Server.CORSOrigins,
			breaker:   env.Breaker,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Int("scheduled_jobs", sched.Entries()),
			zap.Int("webhook_concurrency", cfg.Server.WebhookConcurrency),
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		zap.L().Info("waiting for webhook generations to finish")
		supervisor.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
