package ingest

import (
	"context"
	"log/slog"
	"time"

	"docchat/pkg/domain"
	"docchat/pkg/store"
)

// Watchdog force-fails files that sat in PROCESSING past a deadline, so a
// crashed worker cannot leave a file spinning forever in the UI.
type Watchdog struct {
	store    store.Store
	logger   *slog.Logger
	deadline time.Duration
	interval time.Duration
}

func NewWatchdog(st store.Store, logger *slog.Logger, deadline, interval time.Duration) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline <= 0 {
		deadline = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{store: st, logger: logger, deadline: deadline, interval: interval}
}

// Start runs the sweep loop until ctx ends.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Sweep fails every file stuck in PROCESSING longer than the deadline.
func (w *Watchdog) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.deadline)
	stuck, err := w.store.ListStuckProcessing(cutoff)
	if err != nil {
		w.logger.Error("watchdog list stuck files", "error", err)
		return
	}
	for _, file := range stuck {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := w.store.SetFileStatus(file.ID, domain.StatusFailed, "Processing timed out."); err != nil {
			w.logger.Error("watchdog mark failed", "file_id", file.ID, "error", err)
			continue
		}
		w.logger.Warn("watchdog failed stuck file", "file_id", file.ID, "stuck_since", file.UpdatedAt)
	}
}
