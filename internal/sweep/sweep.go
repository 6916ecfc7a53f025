// Package sweep schedules the background maintenance jobs: deposit
// reconciliation, order expiry, and lock-registry reaping. Each job runs
// under a named maintenance lock so a slow run is skipped, never stacked.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tunnelbay/tunnelbay/internal/locks"
	"github.com/tunnelbay/tunnelbay/internal/metrics"
	"github.com/tunnelbay/tunnelbay/internal/storage"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// Job names, used for maintenance locks and metrics labels.
const (
	JobDeposits = "deposits"
	JobExpiry   = "expiry"
	JobLockReap = "lock_reap"
)

// DepositSweeper reconciles pending deposit intents once.
type DepositSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ExpirySweeper retires expired orders once.
type ExpirySweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
}

// Config holds the job schedules, in cron syntax.
type Config struct {
	DepositSchedule string
	ExpirySchedule  string
	ReapSchedule    string
	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.DepositSchedule == "" {
		c.DepositSchedule = "@every 1m"
	}
	if c.ExpirySchedule == "" {
		c.ExpirySchedule = "@every 10m"
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "@every 30m"
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 10 * time.Minute
	}
}

// Runner owns the cron scheduler.
type Runner struct {
	config   Config
	cron     *cron.Cron
	maint    *locks.Maintenance
	registry *locks.Registry
	orders   storage.OrderStore
	deposits DepositSweeper
	expiry   ExpirySweeper
	log      *logger.Logger
}

// NewRunner creates a sweep runner. Jobs whose dependency is nil are not
// scheduled.
func NewRunner(config Config, registry *locks.Registry, orders storage.OrderStore, deposits DepositSweeper, expiry ExpirySweeper, log *logger.Logger) *Runner {
	config.withDefaults()
	if log == nil {
		log = logger.NewDefault("sweep")
	}
	return &Runner{
		config:   config,
		cron:     cron.New(),
		maint:    locks.NewMaintenance(),
		registry: registry,
		orders:   orders,
		deposits: deposits,
		expiry:   expiry,
		log:      log,
	}
}

// Start registers and starts the jobs.
func (r *Runner) Start() error {
	if r.deposits != nil {
		if _, err := r.cron.AddFunc(r.config.DepositSchedule, func() {
			r.runJob(JobDeposits, func(ctx context.Context) error {
				n, err := r.deposits.Sweep(ctx)
				if n > 0 {
					r.log.WithField("confirmed", n).Info("deposit sweep")
				}
				return err
			})
		}); err != nil {
			return err
		}
	}
	if r.expiry != nil {
		if _, err := r.cron.AddFunc(r.config.ExpirySchedule, func() {
			r.runJob(JobExpiry, func(ctx context.Context) error {
				n, err := r.expiry.ExpireSweep(ctx)
				if n > 0 {
					r.log.WithField("retired", n).Info("expiry sweep")
				}
				return err
			})
		}); err != nil {
			return err
		}
	}
	if r.registry != nil {
		if _, err := r.cron.AddFunc(r.config.ReapSchedule, func() {
			r.runJob(JobLockReap, func(ctx context.Context) error {
				return r.reapLocks(ctx)
			})
		}); err != nil {
			return err
		}
	}

	r.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RunDepositSweep triggers the deposit job out of schedule, for the ops API.
func (r *Runner) RunDepositSweep(ctx context.Context) (int, error) {
	if r.deposits == nil {
		return 0, errors.New("deposit sweep not configured")
	}
	if !r.maint.TryLock(JobDeposits) {
		return 0, errors.New("deposit sweep already running")
	}
	defer r.maint.Unlock(JobDeposits)
	return r.deposits.Sweep(ctx)
}

func (r *Runner) runJob(name string, fn func(ctx context.Context) error) {
	if !r.maint.TryLock(name) {
		r.log.WithField("job", name).Debug("previous run still active, skipping")
		return
	}
	defer r.maint.Unlock(name)

	ctx, cancel := context.WithTimeout(context.Background(), r.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordSweepRun(name, time.Since(start), err == nil)
	if err != nil {
		r.log.WithError(err).WithField("job", name).Warn("sweep job failed")
	}
}

// reapLocks drops lock handles whose orders reached a terminal state. Orders
// the store no longer knows are terminal too.
func (r *Runner) reapLocks(ctx context.Context) error {
	reaped := r.registry.Reap(func(orderID string) bool {
		ord, err := r.orders.GetOrder(ctx, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return false
		}
		if err != nil {
			// Storage hiccup: keep the handle, a later sweep retries.
			return true
		}
		return ord.Status.Live() && ord.DeletedAt == nil
	})
	if reaped > 0 {
		r.log.WithField("reaped", reaped).Info("lock registry reap")
	}
	metrics.SetLockHandles(r.registry.Len())
	return nil
}
