package mint

import (
	"context"
	"log/slog"
	"time"
)

// StartPendingSweeper releases proofs a disconnected client left
// reserved: PENDING rows older than maxAge that are not bound to a
// melt quote are deleted, returning them to spendable. Single writer.
func (m *Mint) StartPendingSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := m.db.DeleteStalePendingProofs(time.Now().Add(-maxAge))
				if err != nil {
					m.logger.Error("error sweeping pending proofs", slog.String("err", err.Error()))
					continue
				}
				if count > 0 {
					m.logger.Info("released stale pending proofs", slog.Int64("count", count))
				}
			}
		}
	}()
}
