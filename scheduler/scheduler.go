package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

// Scope narrows a job to one account (and optionally one storefront). The
// zero Scope means "global".
type Scope struct {
	AccountId    string
	StorefrontId *uint
}

func (s Scope) Key() string {
	if s.AccountId == "" {
		return "global"
	}
	if s.StorefrontId != nil {
		return fmt.Sprintf("%s/%d", s.AccountId, *s.StorefrontId)
	}
	return s.AccountId
}

// JobResult is what a job reports back for the run history.
type JobResult struct {
	Status  string
	Message string
}

// Job is the uniform contract every schedulable task implements: the sync
// orchestrator wrapper and maintenance jobs alike.
type Job interface {
	Name() string
	Run(ctx context.Context, scope Scope) JobResult
}

// JobFactory builds a Job from a persisted row. Factories are registered per
// name prefix (the part before ':') so dynamically created per-account rows
// like "account-sync:acct-42" resolve to real code at reload time.
type JobFactory func(row models.ScheduledJob) (Job, error)

// RunRecord is one history entry in a job's bounded ring.
type RunRecord struct {
	JobName    string    `json:"job_name"`
	Scope      string    `json:"scope"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// JobStatus is the read surface for operational/admin consumers.
type JobStatus struct {
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	Scope   string     `json:"scope"`
	Paused  bool       `json:"paused"`
	LastRun *RunRecord `json:"last_run,omitempty"`
}

// Clock abstracts time so tests drive ticks without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options configure a Scheduler. Zero values get sensible defaults.
type Options struct {
	Logger *logrus.Logger
	DB     *gorm.DB
	Locker *redislock.Client
	Clock  Clock

	TickInterval   time.Duration // default 1m
	DedupWindow    time.Duration // default 1h
	StopTimeout    time.Duration // default 30s
	ReloadInterval time.Duration // default 5m
	HistorySize    int           // default 20
	LockTTL        time.Duration // default 30m
}

type entry struct {
	job       Job
	spec      TriggerSpec
	scope     Scope
	paused    bool
	persisted bool
	lastRunAt time.Time
	history   []RunRecord
}

// Scheduler owns a set of named jobs and triggers them on a single background
// loop, dispatching each due job onto its own worker goroutine. It is an
// explicit service instance: construct once at process start, pass by
// reference, Start, and Stop on shutdown.
type Scheduler struct {
	opts     Options
	clock    Clock
	workerID string

	mu        sync.Mutex
	jobs      map[string]*entry
	factories map[string]JobFactory
	running   map[string]bool // job|scope keys currently in flight

	wg         sync.WaitGroup
	stopCh     chan struct{}
	stopOnce   sync.Once
	started    bool
	lastReload time.Time
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Hour
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 5 * time.Minute
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Scheduler{
		opts:      opts,
		clock:     opts.Clock,
		workerID:  "sched-" + uuid.NewString()[:8],
		jobs:      map[string]*entry{},
		factories: map[string]JobFactory{},
		running:   map[string]bool{},
		stopCh:    make(chan struct{}),
	}
}

// Register adds a job under a validated trigger spec. Duplicate names and bad
// specs fail here, not at trigger time.
func (s *Scheduler) Register(job Job, spec string, scope Scope) error {
	if job == nil || strings.TrimSpace(job.Name()) == "" {
		return fmt.Errorf("job must have a name")
	}
	parsed, err := ParseTriggerSpec(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %q already registered", job.Name())
	}
	s.jobs[job.Name()] = &entry{job: job, spec: parsed, scope: scope}
	return nil
}

// RegisterFactory maps a job-name prefix to a builder used when persisted job
// rows are reloaded.
func (s *Scheduler) RegisterFactory(prefix string, factory JobFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[prefix] = factory
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	delete(s.jobs, name)
	return nil
}

func (s *Scheduler) Pause(name string) error  { return s.setPaused(name, true) }
func (s *Scheduler) Resume(name string) error { return s.setPaused(name, false) }

func (s *Scheduler) setPaused(name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	e.paused = paused
	return nil
}

// Start launches the control loop. The loop itself never blocks on a job;
// every due job runs on its own worker goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop ceases scheduling after the current tick and waits, bounded by
// StopTimeout, for in-flight workers to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		if s.opts.Logger != nil {
			s.opts.Logger.WithField("module", "scheduler").
				Warn("stop timeout reached with workers still in flight")
		}
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-s.clock.After(s.opts.TickInterval):
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.maybeReload(now)

	type dispatchItem struct {
		e     *entry
		job   Job
		scope Scope
	}
	var due []dispatchItem

	s.mu.Lock()
	for _, e := range s.jobs {
		if e.paused {
			continue
		}
		if !e.spec.Due(now, e.lastRunAt) {
			continue
		}
		due = append(due, dispatchItem{e: e, job: e.job, scope: e.scope})
	}
	s.mu.Unlock()

	for _, item := range due {
		s.dispatch(item.job, item.scope, now, false)
	}
}

// Trigger runs a job ad hoc. force bypasses the single-flight dedup window
// (but never the in-flight overlap guard).
func (s *Scheduler) Trigger(name string, scope Scope, force bool) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not registered", name)
	}
	job := e.job
	if scope.Key() == (Scope{}).Key() {
		scope = e.scope
	}
	s.mu.Unlock()

	s.dispatch(job, scope, s.clock.Now(), force)
	return nil
}

func flightKey(name string, scope Scope) string {
	return name + "|" + scope.Key()
}

// dispatch applies the single-flight rules, then hands the job to a worker
// goroutine. The control loop never waits on the worker.
func (s *Scheduler) dispatch(job Job, scope Scope, now time.Time, force bool) {
	key := flightKey(job.Name(), scope)

	s.mu.Lock()
	e := s.jobs[job.Name()]
	if e == nil {
		s.mu.Unlock()
		return
	}
	if s.running[key] {
		s.recordLocked(e, RunRecord{
			JobName: job.Name(), Scope: scope.Key(), Status: RunStatusSkipped,
			Message: "previous run still in flight", StartedAt: now, FinishedAt: now,
		})
		s.mu.Unlock()
		return
	}
	if !force {
		if last, ok := s.lastRunLocked(e, scope); ok &&
			last.Status == RunStatusSuccess && now.Sub(last.StartedAt) < s.opts.DedupWindow {
			s.recordLocked(e, RunRecord{
				JobName: job.Name(), Scope: scope.Key(), Status: RunStatusSkipped,
				Message: "deduplicated: recent successful run", StartedAt: now, FinishedAt: now,
			})
			s.mu.Unlock()
			return
		}
	}
	s.running[key] = true
	e.lastRunAt = now
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(job, scope, now, key)
}

func (s *Scheduler) runJob(job Job, scope Scope, startedAt time.Time, key string) {
	defer s.wg.Done()
	// Jobs run outside any request; the tenant guard must not scope their
	// queries to one account.
	ctx := utils.SetSkipTenantScopeInContext(context.Background())

	rec := RunRecord{JobName: job.Name(), Scope: scope.Key(), StartedAt: startedAt}

	// Cross-process guard: when redis is configured, only one instance runs a
	// given (job, scope) at a time.
	if s.opts.Locker != nil {
		lock, err := s.opts.Locker.Obtain(ctx, "scheduler:"+key, s.opts.LockTTL, nil)
		if err != nil {
			rec.Status = RunStatusSkipped
			rec.Message = "held by another instance"
			rec.FinishedAt = s.clock.Now()
			s.finishRun(job.Name(), scope, key, rec)
			return
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	defer func() {
		if r := recover(); r != nil {
			rec.Status = RunStatusFailed
			rec.Message = fmt.Sprintf("job panicked: %v", r)
			rec.FinishedAt = s.clock.Now()
			s.finishRun(job.Name(), scope, key, rec)
		}
	}()

	result := job.Run(ctx, scope)
	rec.Status = result.Status
	if rec.Status == "" {
		rec.Status = RunStatusSuccess
	}
	rec.Message = result.Message
	rec.FinishedAt = s.clock.Now()
	s.finishRun(job.Name(), scope, key, rec)
}

func (s *Scheduler) finishRun(name string, scope Scope, key string, rec RunRecord) {
	s.mu.Lock()
	delete(s.running, key)
	e := s.jobs[name]
	if e != nil {
		s.recordLocked(e, rec)
	}
	persisted := e != nil && e.persisted
	s.mu.Unlock()

	if s.opts.Logger != nil {
		s.opts.Logger.WithFields(logrus.Fields{
			"module": "scheduler",
			"job":    name,
			"scope":  scope.Key(),
			"status": rec.Status,
			"worker": s.workerID,
		}).Info(rec.Message)
	}

	if persisted && s.opts.DB != nil && rec.Status != RunStatusSkipped {
		err := s.opts.DB.Model(&models.ScheduledJob{}).
			Where("name = ?", name).
			Update("last_run_at", rec.StartedAt).Error
		if err != nil && s.opts.Logger != nil {
			config.LogError(s.opts.Logger, "scheduler", "finishRun", "persist last_run_at failed", nil, err)
		}
	}
}

// recordLocked appends to the bounded ring; callers hold s.mu.
func (s *Scheduler) recordLocked(e *entry, rec RunRecord) {
	e.history = append(e.history, rec)
	if over := len(e.history) - s.opts.HistorySize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
}

// lastRunLocked returns the most recent non-skipped run for (job, scope);
// callers hold s.mu.
func (s *Scheduler) lastRunLocked(e *entry, scope Scope) (RunRecord, bool) {
	for i := len(e.history) - 1; i >= 0; i-- {
		rec := e.history[i]
		if rec.Scope == scope.Key() && rec.Status != RunStatusSkipped {
			return rec, true
		}
	}
	return RunRecord{}, false
}

// Jobs returns a snapshot of every registered job for the admin surface.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for name, e := range s.jobs {
		status := JobStatus{Name: name, Spec: e.spec.String(), Scope: e.scope.Key(), Paused: e.paused}
		if len(e.history) > 0 {
			last := e.history[len(e.history)-1]
			status.LastRun = &last
		}
		out = append(out, status)
	}
	return out
}

// History returns the bounded run history for one job, oldest first.
func (s *Scheduler) History(name string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return nil
	}
	out := make([]RunRecord, len(e.history))
	copy(out, e.history)
	return out
}

// maybeReload applies persisted job rows so external configuration changes
// take effect without a restart.
func (s *Scheduler) maybeReload(now time.Time) {
	if s.opts.DB == nil {
		return
	}
	s.mu.Lock()
	if !s.lastReload.IsZero() && now.Sub(s.lastReload) < s.opts.ReloadInterval {
		s.mu.Unlock()
		return
	}
	s.lastReload = now
	s.mu.Unlock()

	var rows []models.ScheduledJob
	if err := s.opts.DB.Find(&rows).Error; err != nil {
		if s.opts.Logger != nil {
			config.LogError(s.opts.Logger, "scheduler", "maybeReload", "load scheduled jobs failed", nil, err)
		}
		return
	}
	s.applyPersistedRows(rows)
}

func (s *Scheduler) applyPersistedRows(rows []models.ScheduledJob) {
	seen := map[string]bool{}
	for _, row := range rows {
		seen[row.Name] = true
		spec, err := ParseTriggerSpec(row.TriggerSpec)
		if err != nil {
			if s.opts.Logger != nil {
				config.LogError(s.opts.Logger, "scheduler", "applyPersistedRows", "bad trigger spec", map[string]any{"job": row.Name}, err)
			}
			continue
		}

		s.mu.Lock()
		if e, ok := s.jobs[row.Name]; ok {
			e.spec = spec
			e.paused = row.Paused
			if row.AccountId != "" {
				e.scope = Scope{AccountId: row.AccountId}
			}
			if row.LastRunAt != nil && e.lastRunAt.IsZero() {
				e.lastRunAt = *row.LastRunAt
			}
			s.mu.Unlock()
			continue
		}
		factory := s.factories[jobPrefix(row.Name)]
		s.mu.Unlock()

		if factory == nil {
			if s.opts.Logger != nil {
				s.opts.Logger.WithFields(logrus.Fields{
					"module": "scheduler",
					"job":    row.Name,
				}).Warn("no factory for persisted job; ignoring")
			}
			continue
		}
		job, err := factory(row)
		if err != nil {
			if s.opts.Logger != nil {
				config.LogError(s.opts.Logger, "scheduler", "applyPersistedRows", "factory failed", map[string]any{"job": row.Name}, err)
			}
			continue
		}

		s.mu.Lock()
		e := &entry{job: job, spec: spec, scope: Scope{AccountId: row.AccountId}, paused: row.Paused, persisted: true}
		if row.LastRunAt != nil {
			e.lastRunAt = *row.LastRunAt
		}
		s.jobs[row.Name] = e
		s.mu.Unlock()
	}

	// Persisted jobs whose rows disappeared are dropped.
	s.mu.Lock()
	for name, e := range s.jobs {
		if e.persisted && !seen[name] {
			delete(s.jobs, name)
		}
	}
	s.mu.Unlock()
}

func jobPrefix(name string) string {
	if idx := strings.Index(name, ":"); idx > 0 {
		return name[:idx]
	}
	return name
}
