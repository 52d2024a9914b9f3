package background

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes rows that fell out of retention before the cutoff
type Pruner func(ctx context.Context, before time.Time) (int64, error)

// Task is one named pruning step with its own retention
type Task struct {
	Name      string
	Retention time.Duration
	Prune     Pruner
}

// CleanupManager periodically prunes stale refresh credentials, ended
// sessions, login attempts and security events
type CleanupManager struct {
	tasks    []Task
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	now      func() time.Time
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(tasks []Task, logger *slog.Logger, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce runs every task. A failing task is logged and does not stop
// the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	now := cm.now()
	for _, task := range cm.tasks {
		cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		rows, err := task.Prune(cleanupCtx, now.Add(-task.Retention))
		cancel()

		if err != nil {
			cm.logger.ErrorContext(ctx, "cleanup task failed",
				slog.String("task", task.Name),
				slog.Any("error", err))
			continue
		}
		if rows > 0 {
			cm.logger.InfoContext(ctx, "cleanup task completed",
				slog.String("task", task.Name),
				slog.Int64("rows_deleted", rows))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
