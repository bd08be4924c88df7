// Package scheduler runs the account sync batch on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/robfig/cron/v3"
)

const (
	cleanupSchedule     = "@daily"
	defaultLogRetention = 30 * 24 * time.Hour
	defaultBatchTimeout = 10 * time.Minute
)

// ErrBatchRunning is returned by RunBatch while another batch is running.
var ErrBatchRunning = errors.New("sync batch already running")

// Syncer runs one batch over every account.
type Syncer interface {
	SyncAll(ctx context.Context) (*engine.BatchResult, error)
}

// LogCleaner deletes sync logs older than a cutoff.
type LogCleaner interface {
	CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config holds the scheduler settings.
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule     string
	BatchTimeout time.Duration
	LogRetention time.Duration
}

// Scheduler triggers sync batches and the daily log cleanup.
type Scheduler struct {
	syncer  Syncer
	cleaner LogCleaner
	cfg     Config
	cron    *cron.Cron

	batchLock sync.Mutex

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. The schedule is validated here so a bad
// expression fails at startup.
func New(syncer Syncer, cleaner LogCleaner, cfg Config) (*Scheduler, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = defaultLogRetention
	}

	logger := cron.PrintfLogger(log.New(log.Writer(), "[Scheduler] ", log.LstdFlags))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncer:  syncer,
		cleaner: cleaner,
		cfg:     cfg,
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start registers the batch and cleanup entries and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("failed to schedule sync batch: %w", err)
	}
	if _, err := s.cron.AddFunc(cleanupSchedule, s.cleanupOldLogs); err != nil {
		return fmt.Errorf("failed to schedule log cleanup: %w", err)
	}
	s.cron.Start()
	s.started = true

	log.Printf("[Scheduler] Started: sync batch on %q, log cleanup %s", s.cfg.Schedule, cleanupSchedule)
	return nil
}

// Stop stops the cron loop, cancels a running batch and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// GetJobCount returns the number of registered cron entries.
func (s *Scheduler) GetJobCount() int {
	return len(s.cron.Entries())
}

// TriggerSync starts a batch in the background. It reports false when a
// batch is already running.
func (s *Scheduler) TriggerSync() bool {
	if !s.batchLock.TryLock() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.batchLock.Unlock()
		s.execute(s.ctx)
	}()
	return true
}

// RunBatch runs one batch and waits for it, bounded by the batch timeout.
func (s *Scheduler) RunBatch(ctx context.Context) (*engine.BatchResult, error) {
	if !s.batchLock.TryLock() {
		return nil, ErrBatchRunning
	}
	defer s.batchLock.Unlock()
	return s.execute(ctx)
}

func (s *Scheduler) runScheduled() {
	s.wg.Add(1)
	defer s.wg.Done()

	if !s.batchLock.TryLock() {
		log.Println("[Scheduler] Skipping sync batch - another batch is already in progress")
		return
	}
	defer s.batchLock.Unlock()
	s.execute(s.ctx)
}

func (s *Scheduler) execute(parent context.Context) (*engine.BatchResult, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.BatchTimeout)
	defer cancel()

	log.Println("[Scheduler] Starting sync batch")
	result, err := s.syncer.SyncAll(ctx)
	if err != nil {
		log.Printf("[Scheduler] Sync batch failed: %v", err)
		return nil, err
	}
	log.Printf("[Scheduler] Sync batch completed: %d accounts, %d succeeded, %d failed in %v",
		result.Total, result.Succeeded, result.Failed, result.Duration.Round(time.Millisecond))
	return result, nil
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().Add(-s.cfg.LogRetention)
	deleted, err := s.cleaner.CleanOldSyncLogs(s.ctx, cutoff)
	if err != nil {
		log.Printf("[Scheduler] Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[Scheduler] Cleaned %d old sync logs", deleted)
	}
}
