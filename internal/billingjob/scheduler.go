package billingjob

import (
	"context"
	"time"

	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// runLockTTL outlives the day so a late or restarted replica does not bill the same date twice.
	runLockTTL = 24 * time.Hour
	runTimeout = 30 * time.Minute
)

// runLock is the slice of *lock.Redis the scheduler needs.
type runLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type SchedulerParams struct {
	fx.In

	Driver *Driver
	Clock  clock.Clock
	Policy *config.PolicyHolder
	Log    *zap.Logger
	Lock   *lock.Redis `optional:"true"`
}

// Scheduler triggers the daily run at the configured UTC hour. With Redis available only one
// replica runs a given day.
type Scheduler struct {
	driver *Driver
	clock  clock.Clock
	policy *config.PolicyHolder
	log    *zap.Logger
	lock   runLock
}

func NewScheduler(p SchedulerParams) *Scheduler {
	s := &Scheduler{
		driver: p.Driver,
		clock:  p.Clock,
		policy: p.Policy,
		log:    p.Log.Named("billingjob.scheduler"),
	}
	if p.Lock != nil {
		s.lock = p.Lock
	}
	return s
}

// NextRun returns the first run time strictly after now.
func NextRun(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		next := NextRun(s.clock.Now(), s.policy.Get().DailyRunHourUTC)
		wait := next.Sub(s.clock.Now())
		s.log.Info("scheduler.next_run", zap.Time("at", next), zap.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	}
}

// RunOnce bills yesterday. It reports false when another replica already took the day.
// A successful run keeps the day's key until it expires; a failed run gives it back so the
// next replica can retry.
func (s *Scheduler) RunOnce(parent context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()

	date := s.driver.DefaultDate()
	key := "billingjob:" + date.Format(time.DateOnly)
	token := ""
	if s.lock != nil {
		var ok bool
		var err error
		token, ok, err = s.lock.TryLock(ctx, key, runLockTTL)
		if err != nil {
			return false, err
		}
		if !ok {
			s.log.Info("scheduler.skip_locked", zap.String("lock_key", key))
			return false, nil
		}
	}

	_, err := s.driver.Run(ctx, Options{Date: date, GraceDays: -1})
	if err != nil && s.lock != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if relErr := s.lock.Release(releaseCtx, key, token); relErr != nil {
			s.log.Warn("scheduler.release_failed", zap.String("lock_key", key), zap.Error(relErr))
		}
	}
	return true, err
}
