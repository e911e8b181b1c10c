package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carequeue/internal/domain"
	"carequeue/internal/queue"
)

type Config struct {
	BatchSize      int
	Concurrency    int
	HandlerTimeout time.Duration
	Backoff        Backoff
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      queue.DefaultBatchSize,
		Concurrency:    1,
		HandlerTimeout: 30 * time.Second,
		Backoff:        DefaultBackoff(),
	}
}

// Summary counts one poll. Total is the number of tasks attempted;
// Skipped tasks were claimed by another poller first.
type Summary struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Total     int `json:"total"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeProcessed
	outcomeFailed
)

func (s *Summary) add(o outcome) {
	switch o {
	case outcomeProcessed:
		s.Processed++
		s.Total++
	case outcomeFailed:
		s.Errors++
		s.Total++
	default:
		s.Skipped++
	}
}

type Engine struct {
	repo     queue.Repository
	registry *Registry
	cfg      Config
	log      zerolog.Logger

	// Now is the engine clock; tests replace it.
	Now func() time.Time
}

func NewEngine(repo queue.Repository, registry *Registry, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		log:      logger.With().Str("component", "engine").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessDueTasks claims up to BatchSize due tasks and drives each one to an
// outcome. Task failures are recorded on the task and never returned; only a
// failure to read the batch is.
func (e *Engine) ProcessDueTasks(ctx context.Context) (Summary, error) {
	tasks, err := e.repo.FindDueBatch(ctx, e.Now(), e.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("find due batch: %w", err)
	}

	var (
		sum Summary
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.Concurrency)
	)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(tk domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			o := e.processOne(ctx, tk)
			mu.Lock()
			sum.add(o)
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if sum.Total > 0 || sum.Skipped > 0 {
		e.log.Info().
			Int("processed", sum.Processed).
			Int("errors", sum.Errors).
			Int("total", sum.Total).
			Int("skipped", sum.Skipped).
			Msg("processed due tasks")
	}
	return sum, nil
}

func (e *Engine) processOne(ctx context.Context, t domain.Task) outcome {
	logger := e.log.With().Str("task_id", t.ID).Str("task_type", string(t.Type)).Logger()

	startedAt := e.Now()
	ok, err := e.repo.Claim(ctx, t.ID, startedAt)
	if err != nil {
		logger.Error().Err(err).Msg("claim task")
		return outcomeSkipped
	}
	if !ok {
		logger.Debug().Msg("task claimed elsewhere, skipping")
		return outcomeSkipped
	}

	attempt := domain.Attempt{TaskID: t.ID, Number: t.RetryCount + 1, StartedAt: startedAt}
	logger = logger.With().Int("attempt", attempt.Number).Logger()
	res, herr := e.run(ctx, t)
	attempt.FinishedAt = e.Now()

	// Outcomes are written even when the poll itself is being canceled.
	wctx := context.WithoutCancel(ctx)

	if herr == nil {
		b, err := json.Marshal(res)
		if err == nil {
			err = e.repo.Complete(wctx, t.ID, string(b), attempt)
		}
		if err != nil {
			logger.Error().Err(err).Msg("record task completion")
			return outcomeFailed
		}
		logger.Info().Str("result", res.Message).Msg("task completed")
		return outcomeProcessed
	}

	retryAt := attempt.FinishedAt.Add(e.cfg.Backoff.Delay(t.RetryCount))
	status, retries, err := e.repo.RecordFailure(wctx, t.ID, herr.Error(), attempt, retryAt)
	if err != nil {
		logger.Error().Err(err).AnErr("handler_err", herr).Msg("record task failure")
		return outcomeFailed
	}
	var ev *zerolog.Event
	if status == domain.StatusFailed {
		ev = logger.Error()
	} else {
		ev = logger.Warn().Time("retry_at", retryAt)
	}
	ev.Err(herr).Str("status", string(status)).Int("retry_count", retries).Int("max_retries", t.MaxRetries).Msg("task attempt failed")
	return outcomeFailed
}

type handlerResult struct {
	res domain.Result
	err error
}

// run dispatches t under the handler timeout. A handler that ignores its
// context is abandoned once the timeout fires.
func (e *Engine) run(ctx context.Context, t domain.Task) (domain.Result, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	}
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := e.registry.Dispatch(hctx, t)
		done <- handlerResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-hctx.Done():
		select {
		case r := <-done:
			return r.res, r.err
		default:
		}
		return domain.Result{}, fmt.Errorf("handler %s: %w", t.Type, hctx.Err())
	}
}
