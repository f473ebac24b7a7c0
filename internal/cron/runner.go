package cronrunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"polybot/internal/config"
	"polybot/internal/models"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add schedules job under name. A panicking job is logged and the schedule
// keeps firing; an overlapping run is skipped.
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	if spec == "" {
		return 0, fmt.Errorf("cron %s: empty schedule", name)
	}
	id, err := r.cron.AddFunc(spec, r.wrap(name, job))
	if err != nil {
		return 0, fmt.Errorf("cron %s: %w", name, err)
	}
	return id, nil
}

func (r *Runner) wrap(name string, job func(context.Context)) func() {
	return func() {
		if r.baseCtx.Err() != nil {
			return
		}
		started := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("cron job panic", zap.String("job", name), zap.Any("panic", rec))
			}
		}()
		job(r.baseCtx)
		r.logger.Debug("cron job done", zap.String("job", name), zap.Duration("took", time.Since(started)))
	}
}

func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", r.Entries()))
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// Jobs is the periodic housekeeping the orchestrator exposes.
type Jobs interface {
	LogStatus()
	ExpireTrades() []models.SimulatedTrade
	LogInterimReport()
}

// Register schedules every configured housekeeping job. An empty schedule
// disables that job.
func Register(r *Runner, cfg config.CronConfig, jobs Jobs, paper bool) error {
	var errs []error
	add := func(name, spec string, job func(context.Context)) {
		if spec == "" {
			return
		}
		if _, err := r.Add(name, spec, job); err != nil {
			errs = append(errs, err)
		}
	}
	add("status_log", cfg.StatusLog, func(context.Context) { jobs.LogStatus() })
	if paper {
		add("expire_trades", cfg.ExpireTrades, func(context.Context) { jobs.ExpireTrades() })
		add("interim_report", cfg.InterimReport, func(context.Context) { jobs.LogInterimReport() })
	}
	return errors.Join(errs...)
}
