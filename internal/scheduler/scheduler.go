package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/runlog"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
	"github.com/mergebot/mergebot/pkg/telemetry"
)

// Backoff bounds for transient work item failures
const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Source produces work items for activity observed since its last poll
type Source interface {
	Poll(ctx context.Context) ([]*WorkItem, error)
}

// Scheduler drives the periodic poll and the worker pool
type Scheduler struct {
	cfg     config.SchedulerConfig
	queue   *Queue
	cron    *cron.Cron
	sources []Source
	runs    *runlog.Store

	mu       sync.Mutex
	deferred []*WorkItem

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a scheduler over the given sources. The run log store is
// optional; when nil no audit records are written.
func New(cfg config.SchedulerConfig, runs *runlog.Store, sources ...Source) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		queue:   NewQueue(),
		cron:    cron.New(),
		sources: sources,
		runs:    runs,
	}
}

// Queue exposes queue statistics for the operator surface
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Start launches the worker pool and the poll schedule
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	s.group = group
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		group.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}

	if _, err := s.cron.AddFunc(s.cfg.PollInterval, func() { s.tick(ctx) }); err != nil {
		cancel()
		return errors.Wrap(errors.ErrCodeConfigInvalid,
			"invalid poll interval `"+s.cfg.PollInterval+"`", err)
	}
	s.cron.Start()
	// Prime the queue without waiting for the first cron firing
	go s.tick(ctx)
	logger.Info("scheduler started",
		zap.Int("workers", s.cfg.MaxWorkers),
		zap.String("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop halts polling, drains the workers and waits for them
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.queue.Close()
	if s.group != nil {
		_ = s.group.Wait()
	}
	logger.Info("scheduler stopped")
}

// tick polls all sources and enqueues their items, together with items
// deferred by earlier retry exhaustion.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, item := range deferred {
		s.queue.Add(item)
	}

	for _, src := range s.sources {
		items, err := src.Poll(ctx)
		if err != nil {
			logger.Error("poll failed", zap.Error(err))
			continue
		}
		for _, item := range items {
			s.queue.Add(item)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		item := s.queue.Next(ctx)
		if item == nil {
			return
		}
		s.execute(ctx, item)
		s.queue.Done(item.Key)
	}
}

// execute runs one item with the retry budget and capped exponential
// backoff. Exhausting the budget surfaces the failure to the operator and
// defers the item to the next tick.
func (s *Scheduler) execute(ctx context.Context, item *WorkItem) {
	metrics := telemetry.GetMetrics()
	metrics.RecordWorkItemStarted(ctx, item.Kind)
	started := time.Now()
	runID := runlog.NewRunID()

	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx,
			time.Duration(s.cfg.WorkItemTimeout)*time.Second)
		err = item.Run(attemptCtx)
		cancel()
		if err == nil || !errors.Retryable(err) {
			break
		}
		metrics.RecordWorkItemRetry(ctx, item.Kind)
		logger.Warn("work item failed, will retry",
			zap.String("key", item.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	duration := time.Since(started)
	outcome := "success"
	switch {
	case err == nil:
	case errors.Retryable(err):
		outcome = "exhausted"
		metrics.RecordWorkItemFailure(ctx, item.Kind)
		logger.Error("work item retry budget exhausted, deferring to next tick",
			zap.String("key", item.Key), zap.Error(err))
		s.mu.Lock()
		s.deferred = append(s.deferred, item)
		s.mu.Unlock()
	default:
		outcome = "failed"
		metrics.RecordWorkItemFailure(ctx, item.Kind)
		logger.Error("work item failed terminally",
			zap.String("key", item.Key), zap.Error(err))
	}
	metrics.RecordWorkItemCompleted(ctx, item.Kind, outcome, duration.Seconds())
	if s.runs != nil {
		s.runs.Record(ctx, runlog.Run{
			RunID:    runID,
			Key:      item.Key,
			Kind:     item.Kind,
			Outcome:  outcome,
			Error:    errorText(err),
			Duration: duration.Milliseconds(),
		})
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
