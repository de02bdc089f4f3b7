// Package chaos injects connection-level faults during the stress run.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateIdleBackend randomly kills an idle backend of the test database.
// Idle connections are targeted so the fault surfaces at the pool's next
// acquire health check rather than mid-statement; the pool must recover
// without any actor noticing.
func TerminateIdleBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid() AND state = 'idle'
					ORDER BY random() LIMIT 1`)
			}
		}
	}
}
