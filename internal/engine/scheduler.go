package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// EvolutionJob is the common shape of the four evolution jobs, run by
// the Scheduler under a per-job interval/timeout/lock.
type EvolutionJob interface {
	Name() string
	Run(ctx context.Context, batchSize int) (types.JobReport, error)
}

// Scheduler is a long-running, idle-aware loop that runs each
// registered job no more often than its configured interval, serialized
// across processes via a database lock row.
type Scheduler struct {
	store storage.PrimaryStore
	cfg   config.SchedulerConfig
	jobs  map[string]EvolutionJob

	mu           sync.Mutex
	lastActivity time.Time
	lastRun      map[string]time.Time

	owner string
	stop  chan struct{}
	done  chan struct{}
}

// NewScheduler builds a scheduler with the given jobs registered under
// their Name().
func NewScheduler(store storage.PrimaryStore, cfg config.SchedulerConfig, jobs []EvolutionJob) *Scheduler {
	byName := make(map[string]EvolutionJob, len(jobs))
	for _, j := range jobs {
		byName[j.Name()] = j
	}
	return &Scheduler{
		store:        store,
		cfg:          cfg,
		jobs:         byName,
		lastActivity: time.Now(),
		lastRun:      make(map[string]time.Time),
		owner:        uuid.NewString(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Touch records write/search activity so the idleness check in the loop
// can tell recent traffic from a quiet period.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) >= s.cfg.IdleWindow
}

func (s *Scheduler) intervalFor(name string) time.Duration {
	switch name {
	case importanceJobName:
		return s.cfg.ImportanceInterval
	case linkDecayJobName:
		return s.cfg.LinkDecayInterval
	case archivalJobName:
		return s.cfg.ArchivalInterval
	case consolidationJobName:
		return s.cfg.ConsolidationInterval
	default:
		return 24 * time.Hour
	}
}

func (s *Scheduler) batchSizeFor(name string) int {
	if name == consolidationJobName && s.cfg.ConsolidationBatchLimit > 0 {
		return s.cfg.ConsolidationBatchLimit
	}
	return s.cfg.BatchSize
}

func (s *Scheduler) dueFor(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	return time.Since(last) >= s.intervalFor(name)
}

func (s *Scheduler) markRun(name string) {
	s.mu.Lock()
	s.lastRun[name] = time.Now()
	s.mu.Unlock()
}

// Start runs the scheduler loop in a background goroutine until Stop is
// called. tick controls how often the loop wakes to re-check idleness
// and due jobs.
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.runDueJobs(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runDueJobs(ctx context.Context) {
	if !s.isIdle() {
		return
	}
	for name, job := range s.jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.dueFor(name) {
			continue
		}
		s.runOne(ctx, name, job)
	}
}

// RunNow runs a single named job immediately regardless of idleness or
// interval.
func (s *Scheduler) RunNow(ctx context.Context, name string) (types.JobReport, error) {
	job, ok := s.jobs[name]
	if !ok {
		return types.JobReport{}, core.NewNotFound("unknown evolution job %q", name)
	}
	return s.runLocked(ctx, name, job)
}

// RunAll runs every registered job immediately, implementing
// evolve_all() → [JobReport].
func (s *Scheduler) RunAll(ctx context.Context) []types.JobReport {
	reports := make([]types.JobReport, 0, len(s.jobs))
	for name, job := range s.jobs {
		report, err := s.runLocked(ctx, name, job)
		if err != nil {
			log.Printf("engine: job %s failed: %v", name, err)
		}
		reports = append(reports, report)
	}
	return reports
}

func (s *Scheduler) runOne(ctx context.Context, name string, job EvolutionJob) {
	if _, err := s.runLocked(ctx, name, job); err != nil {
		log.Printf("engine: scheduled job %s failed: %v", name, err)
	}
	s.markRun(name)
}

// runLocked acquires the cross-process lock, runs the job under a
// timeout, and persists the job_run audit row regardless of outcome.
func (s *Scheduler) runLocked(ctx context.Context, name string, job EvolutionJob) (types.JobReport, error) {
	acquired, err := s.store.AcquireLock(ctx, name, s.owner, s.cfg.JobTimeout)
	if err != nil {
		return types.JobReport{JobName: name}, err
	}
	if !acquired {
		return types.JobReport{JobName: name, Details: []string{"lock held by another runner"}}, nil
	}
	defer s.store.ReleaseLock(ctx, name, s.owner)

	runID := uuid.NewString()
	started := time.Now()
	run := types.JobRun{ID: runID, JobName: name, StartedAt: started}
	if err := s.store.InsertJobRun(ctx, run); err != nil {
		log.Printf("engine: failed to record job_run start for %s: %v", name, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	report, runErr := job.Run(jobCtx, s.batchSizeFor(name))

	completed := time.Now()
	run.CompletedAt = &completed
	run.MemoriesProcessed = report.Processed
	run.ChangesMade = report.Changed
	run.Errors = report.Errors
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if err := s.store.UpdateJobRun(ctx, run); err != nil {
		log.Printf("engine: failed to record job_run completion for %s: %v", name, err)
	}

	return report, runErr
}
