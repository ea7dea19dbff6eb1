package billing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunIdleSweeper periodically closes sessions with no activity for longer
// than idle. It returns when ctx is done.
func (h *EventHandler) RunIdleSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.log.Info("idle sweeper started", zap.Duration("interval", interval), zap.Duration("idle", idle))

	for {
		select {
		case <-ctx.Done():
			h.log.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			h.sweep(ctx, idle)
		}
	}
}

func (h *EventHandler) sweep(ctx context.Context, idle time.Duration) int {
	closed := 0
	for _, jobID := range h.sessions.Idle(idle) {
		h.log.Info("closing idle session", zap.Uint64("job", jobID))
		if err := h.OnSessionClose(ctx, jobID, ""); err != nil {
			h.log.Warn("sweeper: close session", zap.Uint64("job", jobID), zap.Error(err))
			continue
		}
		closed++
	}
	return closed
}
