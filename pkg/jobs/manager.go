package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when an equivalent job is already running on this instance
	ErrJobRunning = errors.New("job already running")
)

const (
	KindFlagDuplicates = "flag-duplicates"
	KindReconcile      = "reconcile"

	// ReconcileLockKey is shared by scheduled and requested reconcile runs
	ReconcileLockKey = "reconcile"

	DefaultPageSize    = 200
	DefaultConcurrency = 4
	DefaultLockTTL     = 60 * time.Second

	maxRetained = 256
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Job is a snapshot of a job's progress.
type Job struct {
	ID         string                   `json:"id"`
	Kind       string                   `json:"kind"`
	EntityType string                   `json:"entity_type,omitempty"`
	Principal  string                   `json:"principal"`
	Status     Status                   `json:"status"`
	Processed  int64                    `json:"processed"`
	Linked     int64                    `json:"linked"`
	Skipped    int64                    `json:"skipped"`
	Failed     int64                    `json:"failed"`
	Report     *linkage.ReconcileReport `json:"report,omitempty"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

func (j *Job) Finished() bool {
	return j.Status != StatusRunning
}

// Linker is the slice of the linkage engine the jobs drive.
type Linker interface {
	Governs(entityType string) bool
	FlagDuplicates(ctx context.Context, principal *models.Principal, key string) (*linkage.LinkResult, error)
	Reconcile(ctx context.Context) (*linkage.ReconcileReport, error)
}

type KeyLister interface {
	ListKeys(ctx context.Context, entityType string, classification models.RecordClassification, after string, limit int) ([]string, error)
}

type Config struct {
	PageSize    int
	Concurrency int
	LockTTL     time.Duration
}

// run is the live state behind a Job.
type run struct {
	job       Job
	processed atomic.Int64
	linked    atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

func (r *run) snapshot() Job {
	j := r.job
	j.Processed = r.processed.Load()
	j.Linked = r.linked.Load()
	j.Skipped = r.skipped.Load()
	j.Failed = r.failed.Load()
	return j
}

// Manager starts jobs in the background and tracks their progress by id.
type Manager struct {
	engine  Linker
	keys    KeyLister
	locker  Locker
	checker permissions.Checker
	config  Config
	logger  ectologger.Logger

	mu   sync.Mutex
	runs map[string]*run

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(engine Linker, keys KeyLister, locker Locker, checker permissions.Checker, config Config, logger ectologger.Logger) *Manager {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if checker == nil {
		checker = permissions.NewPrincipalChecker()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:  engine,
		keys:    keys,
		locker:  locker,
		checker: checker,
		config:  config,
		logger:  logger,
		runs:    map[string]*run{},
		base:    base,
		cancel:  cancel,
	}
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return r.snapshot(), nil
}

// List returns every tracked job, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// StartFlagDuplicates re-links every active local of entityType in the background.
func (m *Manager) StartFlagDuplicates(ctx context.Context, principal *models.Principal, entityType string) (Job, error) {
	ctx, span := tracing.StartSpan(ctx, "jobs.Manager.StartFlagDuplicates")
	defer span.End()

	entityType = strings.ToUpper(entityType)
	if !m.engine.Governs(entityType) {
		return Job{}, fmt.Errorf("%w: %s", linkage.ErrRecordNotGoverned, entityType)
	}
	if err := m.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		return Job{}, err
	}

	r, err := m.register(KindFlagDuplicates, entityType, principal)
	if err != nil {
		return Job{}, err
	}
	job := r.snapshot()
	m.launch(ctx, r, KindFlagDuplicates+":"+entityType, func(ctx context.Context) error {
		return m.flagAll(ctx, r, principal, entityType)
	})
	return job, nil
}

// StartReconcile runs a reconcile sweep in the background.
func (m *Manager) StartReconcile(ctx context.Context, principal *models.Principal) (Job, error) {
	ctx, span := tracing.StartSpan(ctx, "jobs.Manager.StartReconcile")
	defer span.End()

	if err := m.checker.Demand(ctx, principal, permissions.WriteMaster); err != nil {
		return Job{}, err
	}
	r, err := m.register(KindReconcile, "", principal)
	if err != nil {
		return Job{}, err
	}
	job := r.snapshot()
	m.launch(ctx, r, ReconcileLockKey, func(ctx context.Context) error {
		report, err := m.engine.Reconcile(ctx)
		m.mu.Lock()
		r.job.Report = report
		m.mu.Unlock()
		if report != nil {
			r.processed.Store(int64(report.Masters + report.Sources))
		}
		return err
	})
	return job, nil
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop cancels running jobs and waits for them to wind down.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.WithContext(ctx).Warn("Jobs did not stop before shutdown deadline")
		return ctx.Err()
	}
}

func (m *Manager) register(kind, entityType string, principal *models.Principal) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.job.Kind == kind && r.job.EntityType == entityType && r.job.Status == StatusRunning {
			return nil, fmt.Errorf("%w: %s", ErrJobRunning, r.job.ID)
		}
	}
	m.prune()

	r := &run{job: Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityType: entityType,
		Principal:  principal.Name(),
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}}
	m.runs[r.job.ID] = r
	return r, nil
}

// prune drops the oldest finished jobs once the registry is full. Callers hold m.mu.
func (m *Manager) prune() {
	if len(m.runs) < maxRetained {
		return
	}
	var finished []*run
	for _, r := range m.runs {
		if r.job.FinishedAt != nil {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].job.FinishedAt.Before(*finished[j].job.FinishedAt) })
	for _, r := range finished {
		if len(m.runs) < maxRetained {
			return
		}
		delete(m.runs, r.job.ID)
	}
}

// launch runs fn under lockKey, detached from the request that started it.
func (m *Manager) launch(ctx context.Context, r *run, lockKey string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(m.base, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer stop()

		log := m.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":      r.job.ID,
			"kind":        r.job.Kind,
			"entity_type": r.job.EntityType,
		})
		log.Info("Job started")

		err := m.locker.WithLock(ctx, lockKey, m.config.LockTTL, fn)
		job := m.finish(r, err)
		fields := map[string]any{
			"status":    job.Status,
			"processed": job.Processed,
			"linked":    job.Linked,
			"skipped":   job.Skipped,
			"failed":    job.Failed,
		}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("Job did not complete")
			return
		}
		log.WithFields(fields).Info("Job completed")
	}()
}

func (m *Manager) finish(r *run, err error) Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	r.job.FinishedAt = &now
	switch {
	case err == nil:
		r.job.Status = StatusCompleted
	case IsLocked(err):
		r.job.Status = StatusFailed
		r.job.Error = fmt.Sprintf("%s is already running on another instance", r.job.Kind)
	case errors.Is(err, context.Canceled):
		r.job.Status = StatusCanceled
		r.job.Error = err.Error()
	default:
		r.job.Status = StatusFailed
		r.job.Error = err.Error()
	}
	return r.snapshot()
}

// flagAll pages the active locals of entityType and re-links each one. A record failing to
// re-link is counted and skipped; only listing failures and cancellation stop the job.
func (m *Manager) flagAll(ctx context.Context, r *run, principal *models.Principal, entityType string) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, err := m.keys.ListKeys(ctx, entityType, models.ClassificationLocal, after, m.config.PageSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.config.Concurrency)
		for _, key := range keys {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				m.flagOne(gctx, r, principal, key)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		after = keys[len(keys)-1]
		if len(keys) < m.config.PageSize {
			return nil
		}
	}
}

func (m *Manager) flagOne(ctx context.Context, r *run, principal *models.Principal, key string) {
	res, err := m.engine.FlagDuplicates(ctx, principal, key)
	if errors.Is(err, store.ErrConflict) {
		res, err = m.engine.FlagDuplicates(ctx, principal, key)
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	r.processed.Add(1)

	status := "unchanged"
	switch {
	case err == nil && res != nil && res.Deltas > 0:
		r.linked.Add(1)
		status = "linked"
	case err == nil:
	case errors.Is(err, linkage.ErrStateConflict), errors.Is(err, store.ErrNotFound):
		// the record was reclassified or obsoleted after it was listed
		r.skipped.Add(1)
		status = "skipped"
	default:
		r.failed.Add(1)
		status = "failed"
		m.logger.WithContext(ctx).WithError(err).WithField("record_key", key).Warn("Failed to flag duplicates for record")
	}
	metrics.RecordJobRecord(KindFlagDuplicates, status)
}
