package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

// DefaultReconcileInterval is the default wait between reconcile sweeps
const DefaultReconcileInterval = 15 * time.Minute

type Reconciler interface {
	Reconcile(ctx context.Context) (*linkage.ReconcileReport, error)
}

// Scheduler runs a reconcile sweep every interval. Instances share the reconcile lock, so
// only one of them sweeps per tick.
type Scheduler struct {
	engine   Reconciler
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

func NewScheduler(engine Reconciler, locker Locker, interval, lockTTL time.Duration, logger ectologger.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		engine:   engine,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	s.logger.WithContext(ctx).Infof("Starting reconcile scheduler: interval=%s", s.interval)
	go s.loop(context.WithoutCancel(ctx), s.stopCh, s.stoppedC)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, stoppedC := s.stopCh, s.stoppedC
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-stoppedC:
		s.logger.WithContext(ctx).Info("Reconcile scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Reconcile scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, stoppedC chan<- struct{}) {
	defer close(stoppedC)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithContext(ctx).WithError(err).Error("Scheduled reconcile failed")
			}
		}
	}
}

// RunOnce sweeps under the reconcile lock. It returns a nil report and no error when another
// holder has the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*linkage.ReconcileReport, error) {
	ctx = appctx.SetRoute(ctx, "scheduler.reconcile")
	ctx, span := tracing.StartSpan(ctx, "jobs.Scheduler.RunOnce")
	defer span.End()

	var report *linkage.ReconcileReport
	err := s.locker.WithLock(ctx, ReconcileLockKey, s.lockTTL, func(ctx context.Context) error {
		var err error
		report, err = s.engine.Reconcile(ctx)
		return err
	})
	if IsLocked(err) {
		s.logger.WithContext(ctx).Debug("Reconcile already running elsewhere, skipping tick")
		return nil, nil
	}
	return report, err
}
