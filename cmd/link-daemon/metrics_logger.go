package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oro-sh/link-daemon/internal/metrics"
)

// startMetricsLogger periodically logs a metrics snapshot, for operators
// without a Prometheus scrape target (carried from the teacher's
// metrics_logger.go, re-pointed at the session-domain counters).
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions_started", snap.SessionsStarted,
					"sessions_ended", snap.SessionsEnded,
					"active_sessions", snap.ActiveSessions,
					"handshake_failures", snap.HandshakeFailures,
					"boot_sequences_issued", snap.BootSequencesIssued,
					"packets_forwarded", snap.PacketsForwarded,
					"unexpected_packets", snap.UnexpectedPackets,
					"malformed_frames", snap.Malformed,
					"containers_created", snap.ContainersCreated,
					"containers_removed", snap.ContainersRemoved,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
