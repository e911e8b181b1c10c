// Package scheduler drives the task engine on cron intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"carequeue/internal/worker"
)

type Poller interface {
	ProcessDueTasks(ctx context.Context) (worker.Summary, error)
}

type Recoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}

type Config struct {
	PollSpec    string
	RecoverSpec string
	// StaleAfter is how long a task may sit in processing before it is
	// returned to pending. It must exceed the handler timeout.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{PollSpec: "@every 15s", RecoverSpec: "@every 1m", StaleAfter: 10 * time.Minute}
}

type Service struct {
	poller    Poller
	recoverer Recoverer
	cfg       Config
	log       zerolog.Logger
	cron      *cron.Cron

	// pollMu keeps manual and scheduled polls from overlapping.
	pollMu sync.Mutex
	ctx    context.Context

	Now func() time.Time
}

func NewService(poller Poller, recoverer Recoverer, cfg Config, logger zerolog.Logger) (*Service, error) {
	def := DefaultConfig()
	if cfg.PollSpec == "" {
		cfg.PollSpec = def.PollSpec
	}
	if cfg.RecoverSpec == "" {
		cfg.RecoverSpec = def.RecoverSpec
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger}
	s := &Service{
		poller:    poller,
		recoverer: recoverer,
		cfg:       cfg,
		log:       logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
		Now: func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(cfg.PollSpec, s.poll); err != nil {
		return nil, fmt.Errorf("poll spec %q: %w", cfg.PollSpec, err)
	}
	if recoverer != nil {
		if _, err := s.cron.AddFunc(cfg.RecoverSpec, s.recover); err != nil {
			return nil, fmt.Errorf("recover spec %q: %w", cfg.RecoverSpec, err)
		}
	}
	return s, nil
}

// Start runs the cron loop until Stop. ctx is passed to every job.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info().Str("poll", s.cfg.PollSpec).Str("recover", s.cfg.RecoverSpec).Msg("scheduler started")
}

// Stop halts scheduling. The returned context is done once running jobs finish.
func (s *Service) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce runs a single poll, waiting for a scheduled one in progress.
func (s *Service) RunOnce(ctx context.Context) (worker.Summary, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.poller.ProcessDueTasks(ctx)
}

func (s *Service) poll() {
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("poll due tasks")
	}
}

// Recover handles tasks left in processing longer than StaleAfter. Tasks
// another live instance is still running are newer than the cutoff and stay put.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.recoverer == nil {
		return 0, nil
	}
	return s.recoverer.RecoverStale(ctx, s.Now().Add(-s.cfg.StaleAfter))
}

func (s *Service) recover() {
	n, err := s.Recover(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("recover stale tasks")
		return
	}
	if n > 0 {
		s.log.Warn().Int("recovered", n).Msg("recovered stale processing tasks")
	}
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
