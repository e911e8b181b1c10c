package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"carequeue/internal/api"
	"carequeue/internal/clinic"
	"carequeue/internal/config"
	"carequeue/internal/db"
	"carequeue/internal/handlers"
	"carequeue/internal/logging"
	"carequeue/internal/queue"
	"carequeue/internal/scheduler"
	"carequeue/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Logger = logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger := log.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Dialect(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open db")
	}
	defer conn.Close()

	if err := queue.EnsureSchema(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	if err := clinic.EnsureSchema(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("ensure clinic schema")
	}

	repo := queue.NewSQLRepo(conn)

	store := clinic.NewSQLStore(conn)
	records := clinic.NewCachedStore(store, cfg.CacheSize, cfg.CacheTTL)

	registry := worker.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Records:  records,
		Notifier: store,
		Cache:    records,
		Logger:   logger,
	})
	engine := worker.NewEngine(repo, registry, cfg.Worker(), logger)

	svc, err := scheduler.NewService(engine, repo, cfg.Scheduler(), logger)
	if err != nil {
		log.Fatal().Err(err).Msg("create scheduler")
	}
	// Another instance may share the database, so only tasks older than
	// the stale cutoff are recovered.
	if n, err := svc.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover stale tasks")
	} else if n > 0 {
		log.Warn().Int("recovered", n).Msg("recovered stale processing tasks")
	}
	svc.Start(ctx)

	appointments := clinic.NewAppointmentService(store, repo, records, logger)
	appointments.ReminderLead = cfg.ReminderLead

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Tasks:        repo,
			Poller:       svc,
			Appointments: appointments,
			Reports:      clinic.NewReportService(store, repo, logger),
			Medications:  clinic.NewMedicationService(store, repo, logger),
			Logger:       logger,
			Debug:        cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Strs("task_types", typeNames(registry)).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	select {
	case <-svc.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("scheduler jobs still running at shutdown")
	}
}

func typeNames(r *worker.Registry) []string {
	types := r.Types()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
