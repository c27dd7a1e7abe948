package jobs

import (
	"context"
	"time"

	"github.com/wonny/aegis-trader/pkg/logger"
)

// Pruner drops terminal records older than cutoff
type Pruner interface {
	Prune(cutoff time.Time) int
}

// PruneJob removes closed positions and terminal orders past retention
type PruneJob struct {
	positions Pruner
	orders    Pruner
	retention time.Duration
	now       func() time.Time
	logger    *logger.Logger
}

// NewPruneJob creates a new prune job
func NewPruneJob(positions, orders Pruner, retention time.Duration, log *logger.Logger) *PruneJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &PruneJob{
		positions: positions,
		orders:    orders,
		retention: retention,
		now:       time.Now,
		logger:    log,
	}
}

// Name returns the job name
func (j *PruneJob) Name() string {
	return "prune_history"
}

// Schedule returns the cron schedule (daily 02:00)
func (j *PruneJob) Schedule() string {
	return "0 0 2 * * *"
}

// Run executes the prune
func (j *PruneJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cutoff := j.now().Add(-j.retention)

	// 주문 먼저 (포지션 참조 유지)
	orders := j.orders.Prune(cutoff)
	positions := j.positions.Prune(cutoff)

	if orders+positions > 0 {
		j.logger.WithFields(map[string]interface{}{
			"orders":    orders,
			"positions": positions,
			"cutoff":    cutoff.Format(time.RFC3339),
		}).Info("History prune completed")
	}
	return nil
}
