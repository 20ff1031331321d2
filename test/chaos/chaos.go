package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// TerminateIdleBackends periodically kills one idle backend that belongs to
// applicationName, forcing the pool to notice and replace dead connections.
// It returns the number of backends terminated once stop closes.
func TerminateIdleBackends(ctx context.Context, pool *pgxpool.Pool, applicationName string, every time.Duration, stop <-chan struct{}) int {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false)
FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND application_name = $1
      AND state = 'idle'
      AND pid <> pg_backend_pid()
    ORDER BY random()
    LIMIT 1
) victim`, applicationName).Scan(&ok)
			if err != nil {
				log.Debug().Err(err).Msg("chaos: terminate backend")
				continue
			}
			if ok {
				killed++
			}
		}
	}
}
