package tcp

import (
	"context"
	"sync"
	"time"

	"github.com/septivank/alarm-gateway/internal/config"
	"go.uber.org/zap"
)

const staleReason = "stale/dead"

// Reconciler repairs stored device status and prunes connection history
type Reconciler interface {
	Reconcile(ctx context.Context, isLive func(clientID string) bool) (int, error)
	PruneConnectionEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper is the background task that evicts dead sessions, reconciles
// stored device status against live sessions and prunes old history
type Sweeper struct {
	server      *Server
	reconciler  Reconciler
	cfg         config.MaintenanceConfig
	idleTimeout time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper for server
func NewSweeper(server *Server, reconciler Reconciler, cfg config.MaintenanceConfig, idleTimeout time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		server:      server,
		reconciler:  reconciler,
		cfg:         cfg,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Start launches the sweep loop. Status reconciliation runs once immediately
// to repair state left behind by a previous process.
func (w *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("session sweeper started",
		zap.Int("sweep_interval_seconds", w.cfg.SweepIntervalSeconds),
		zap.Int("status_sync_interval_seconds", w.cfg.StatusSyncIntervalSeconds),
		zap.Int("maintenance_interval_minutes", w.cfg.IntervalMinutes),
		zap.Int("retention_days", w.cfg.RetentionDays),
	)
}

// Stop ends the loop and waits for it to exit
func (w *Sweeper) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.logger.Info("session sweeper stopped")
}

func (w *Sweeper) loop(ctx context.Context) {
	defer w.wg.Done()

	sweep := newTicker(time.Duration(w.cfg.SweepIntervalSeconds) * time.Second)
	defer sweep.Stop()
	statusSync := newTicker(time.Duration(w.cfg.StatusSyncIntervalSeconds) * time.Second)
	defer statusSync.Stop()
	maintenance := newTicker(time.Duration(w.cfg.IntervalMinutes) * time.Minute)
	defer maintenance.Stop()

	w.SyncStatusOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			w.SweepOnce(now)
		case <-statusSync.C:
			w.SyncStatusOnce(ctx)
		case <-maintenance.C:
			w.PruneOnce(ctx)
		}
	}
}

// SweepOnce disconnects every registered session that is terminated or idle
// past the timeout and returns how many it closed
func (w *Sweeper) SweepOnce(now time.Time) int {
	closed := 0
	for _, session := range w.server.Registry().All() {
		if session.IsAlive(now, w.idleTimeout) {
			continue
		}
		if session.Disconnect(staleReason) {
			closed++
		} else {
			// Already terminal but still indexed.
			w.server.Registry().removeSession(session)
		}
	}
	if closed > 0 {
		w.logger.Info("stale sessions disconnected", zap.Int("count", closed))
	}
	return closed
}

// SyncStatusOnce marks devices stored as Connected without a live session as Disconnected
func (w *Sweeper) SyncStatusOnce(ctx context.Context) int {
	corrected, err := w.reconciler.Reconcile(ctx, w.server.IsLive)
	if err != nil {
		w.logger.Error("failed to reconcile device status", zap.Error(err))
	}
	return corrected
}

// PruneOnce deletes connection history older than the retention window
func (w *Sweeper) PruneOnce(ctx context.Context) int64 {
	if w.cfg.RetentionDays <= 0 {
		return 0
	}
	removed, err := w.reconciler.PruneConnectionEvents(ctx, time.Duration(w.cfg.RetentionDays)*24*time.Hour)
	if err != nil {
		w.logger.Error("failed to prune connection events", zap.Error(err))
	}
	return removed
}

// newTicker returns a ticker that never fires when d is not positive
func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}
