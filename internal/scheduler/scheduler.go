// Package scheduler owns the periodic sync schedule and the run lifecycle.
//
// The scheduler fires the sync job body on an interval trigger with a
// bounded random jitter, guarantees at most one run is in flight via a
// non-blocking single-flight guard, and drives each run against the
// ledger: create the Run, execute rclone, finalize the Run, persist the
// per-file events. Manual triggers share the same job body and the same
// guard; they never bypass the single-flight guarantee.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/ledger"
	"github.com/cloudmirror/cloudmirror/internal/rclone"
)

// Ledger config keys recognized as runtime overrides.
const (
	KeySourceRemote = "source_remote"
	KeySourcePath   = "source_path"
	KeyDestRemote   = "dest_remote"
	KeyDestPath     = "dest_path"
	KeyIntervalMin  = "interval_min"
	KeyJitterSec    = "jitter_sec"
)

// JobInfo describes the installed periodic trigger.
type JobInfo struct {
	Name         string
	NextRunTime  time.Time
	Trigger      string
	MaxInstances int
}

type job struct {
	interval time.Duration
	jitter   time.Duration
}

// Scheduler manages sync job scheduling and execution.
type Scheduler struct {
	cfg    *config.Config
	db     *ledger.DB
	runner *rclone.Runner
	log    zerolog.Logger

	// flight is the primary overlap guard. The periodic driver never
	// overlaps its own firings, but manual triggers arrive on detached
	// goroutines and need the same admission check.
	flight *semaphore.Weighted

	mu         sync.Mutex
	running    bool
	job        *job
	loopCancel context.CancelFunc
	nextFire   time.Time
}

// New creates a scheduler. Call AddJob and Start to begin periodic syncs.
func New(cfg *config.Config, db *ledger.DB, runner *rclone.Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		db:     db,
		runner: runner,
		log:    log,
		flight: semaphore.NewWeighted(1),
	}
}

// Start activates the periodic driver. Idempotent: starting a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Info().Msg("scheduler already running")
		return
	}
	s.running = true
	s.log.Info().Msg("scheduler started")

	if s.job != nil {
		s.startLoopLocked()
	}
}

// Stop deactivates the periodic driver. An in-flight run is not killed;
// only future firings are cancelled. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.log.Info().Msg("scheduler not running")
		return
	}
	s.running = false
	s.stopLoopLocked()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob installs or replaces the periodic sync trigger. Jitter is a
// bounded random per-firing offset that keeps multiple instances from
// firing in lockstep.
func (s *Scheduler) AddJob(intervalMinutes, jitterSeconds int) error {
	if intervalMinutes <= 0 {
		return fmt.Errorf("interval must be positive, got %d", intervalMinutes)
	}
	if jitterSeconds < 0 {
		return fmt.Errorf("jitter must not be negative, got %d", jitterSeconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLoopLocked()
	s.job = &job{
		interval: time.Duration(intervalMinutes) * time.Minute,
		jitter:   time.Duration(jitterSeconds) * time.Second,
	}
	if s.running {
		s.startLoopLocked()
	}

	s.log.Info().
		Int("interval_min", intervalMinutes).
		Int("jitter_sec", jitterSeconds).
		Msg("sync job scheduled")
	return nil
}

// RemoveJob uninstalls the periodic trigger.
func (s *Scheduler) RemoveJob() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil {
		return fmt.Errorf("no sync job installed")
	}
	s.stopLoopLocked()
	s.job = nil
	s.log.Info().Msg("sync job removed")
	return nil
}

// JobInfo returns the installed trigger's description, or nil when no job
// is installed.
func (s *Scheduler) JobInfo() *JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil {
		return nil
	}
	return &JobInfo{
		Name:         fmt.Sprintf("cloudmirror sync (%s)", s.job.interval),
		NextRunTime:  s.nextFire,
		Trigger:      fmt.Sprintf("interval[%s] jitter[%s]", s.job.interval, s.job.jitter),
		MaxInstances: 1,
	}
}

// TriggerSyncNow fires the job body immediately on a detached goroutine so
// the caller returns without waiting. The single-flight guard still
// applies: a trigger during an active run is skipped, not queued.
func (s *Scheduler) TriggerSyncNow() {
	s.log.Info().Msg("manual sync triggered")
	go s.RunJob(context.Background())
}

// startLoopLocked starts the periodic driver goroutine. Caller holds s.mu.
func (s *Scheduler) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go s.loop(ctx, *s.job)
}

// stopLoopLocked cancels the periodic driver goroutine. Caller holds s.mu.
func (s *Scheduler) stopLoopLocked() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	s.nextFire = time.Time{}
}

// loop fires the job body every interval ± jitter until cancelled. Firings
// run synchronously inside the loop, so the driver itself never overlaps
// its own executions.
func (s *Scheduler) loop(ctx context.Context, j job) {
	for {
		delay := j.interval + jitterOffset(j.jitter)

		s.mu.Lock()
		s.nextFire = time.Now().Add(delay)
		s.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunJob(ctx)
		}
	}
}

// jitterOffset returns a random offset in [-jitter, +jitter], clamped so
// the resulting delay can't go negative for sane intervals.
func jitterOffset(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2*jitter)+1)) - jitter
}

// RunJob is the sync job body, shared by scheduled and manual firings.
// It never panics or returns an error to its caller: every fault is
// absorbed into the Run record so a bad firing can't disable the schedule.
func (s *Scheduler) RunJob(ctx context.Context) {
	if !s.flight.TryAcquire(1) {
		s.log.Warn().Msg("sync job already running, skipping this execution")
		return
	}
	defer s.flight.Release(1)

	var run *ledger.Run
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("sync job panicked")
			s.failRun(ctx, run, fmt.Sprintf("sync job panic: %v", r))
		}
	}()

	s.log.Info().Msg("starting sync job")

	syncCfg, err := s.resolveSyncConfig(ctx)
	if err != nil {
		// Configuration problems abort before any Run exists.
		s.log.Error().Err(err).Msg("invalid sync configuration")
		return
	}

	logPath := filepath.Join(s.cfg.LogDir(),
		fmt.Sprintf("sync-%s.log", time.Now().UTC().Format("20060102_150405")))

	run, err = s.db.CreateRunContext(ctx, logPath)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create run record")
		return
	}
	s.log.Info().Int64("run_id", run.ID).Msg("created sync run")

	s.runner.SetCurrentRun(run.ID, logPath)
	defer s.runner.ClearCurrentRun()
	result := s.runner.RunSync(ctx,
		syncCfg.SourceRemote, syncCfg.SourcePath,
		syncCfg.DestRemote, syncCfg.DestPath,
		false)

	run.Status = string(result.Status)
	run.NumAdded = result.NumAdded
	run.NumUpdated = result.NumUpdated
	run.BytesTransferred = result.BytesTransferred
	run.Errors = result.Errors
	if result.LogPath != "" {
		run.LogPath = result.LogPath
	}

	if err := s.db.FinishRunContext(ctx, run); err != nil {
		s.log.Error().Int64("run_id", run.ID).Err(err).Msg("failed to finalize run")
	}

	if !s.cfg.Events.Lightweight {
		events := make([]*ledger.FileEvent, 0, len(result.Events))
		for _, ev := range result.Events {
			events = append(events, &ledger.FileEvent{
				RunID:     run.ID,
				Timestamp: ev.Timestamp,
				Action:    string(ev.Action),
				FilePath:  ev.FilePath,
				FileSize:  ev.FileSize,
				FileHash:  ev.FileHash,
				Message:   ev.Message,
			})
		}
		if err := s.db.InsertFileEventsContext(ctx, events); err != nil {
			s.log.Error().Int64("run_id", run.ID).Err(err).Msg("failed to persist file events")
		}
	}

	s.log.Info().
		Int64("run_id", run.ID).
		Str("status", run.Status).
		Int("added", run.NumAdded).
		Int("updated", run.NumUpdated).
		Int("errors", run.Errors).
		Int64("bytes", run.BytesTransferred).
		Msg("sync job completed")
}

// failRun best-effort marks a run errored with a synthetic error event.
// Used only from the job body's panic recovery path.
func (s *Scheduler) failRun(ctx context.Context, run *ledger.Run, message string) {
	if run == nil {
		return
	}

	run.Status = ledger.StatusError
	if err := s.db.FinishRunContext(ctx, run); err != nil {
		s.log.Error().Int64("run_id", run.ID).Err(err).Msg("failed to mark run errored")
		return
	}

	event := &ledger.FileEvent{
		RunID:     run.ID,
		Timestamp: time.Now().UTC(),
		Action:    string(rclone.ActionError),
		Message:   message,
	}
	if err := s.db.InsertFileEventsContext(ctx, []*ledger.FileEvent{event}); err != nil {
		s.log.Error().Int64("run_id", run.ID).Err(err).Msg("failed to record error event")
	}
}

// resolveSyncConfig layers ledger overrides over the baseline config and
// validates that every required field is present.
func (s *Scheduler) resolveSyncConfig(ctx context.Context) (*config.Sync, error) {
	syncCfg := s.cfg.Sync

	overrides, err := s.db.AllConfigValues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read config overrides: %w", err)
	}

	if v, ok := overrides[KeySourceRemote]; ok {
		syncCfg.SourceRemote = v
	}
	if v, ok := overrides[KeySourcePath]; ok {
		syncCfg.SourcePath = v
	}
	if v, ok := overrides[KeyDestRemote]; ok {
		syncCfg.DestRemote = v
	}
	if v, ok := overrides[KeyDestPath]; ok {
		syncCfg.DestPath = v
	}

	var missing []string
	if syncCfg.SourceRemote == "" {
		missing = append(missing, KeySourceRemote)
	}
	if syncCfg.SourcePath == "" {
		missing = append(missing, KeySourcePath)
	}
	if syncCfg.DestRemote == "" {
		missing = append(missing, KeyDestRemote)
	}
	if syncCfg.DestPath == "" {
		missing = append(missing, KeyDestPath)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %v", missing)
	}

	return &syncCfg, nil
}

// StartFromStoredSchedule installs the sync job using interval/jitter
// overrides stored in the ledger, falling back to config defaults, then
// starts the driver.
func (s *Scheduler) StartFromStoredSchedule(ctx context.Context) error {
	interval := s.cfg.Scheduler.IntervalMin
	jitter := s.cfg.Scheduler.JitterSec

	if v, ok, err := s.db.GetConfigValue(ctx, KeyIntervalMin); err != nil {
		s.log.Warn().Err(err).Msg("could not load stored interval")
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			interval = n
		}
	}
	if v, ok, err := s.db.GetConfigValue(ctx, KeyJitterSec); err != nil {
		s.log.Warn().Err(err).Msg("could not load stored jitter")
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil {
			jitter = n
		}
	}

	if err := s.AddJob(interval, jitter); err != nil {
		return fmt.Errorf("failed to install sync job: %w", err)
	}
	s.Start()
	return nil
}

// CleanupOldRuns deletes all but the keep most recent runs from the ledger.
func (s *Scheduler) CleanupOldRuns(ctx context.Context, keep int) (int64, error) {
	deleted, err := s.db.CleanupOldRunsContext(ctx, keep)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("cleaned up old run records")
	}
	return deleted, nil
}
