package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend tagged with appName,
// never the connection issuing the kill. Callers must survive dropped
// connections and half-finished transactions.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, seed int64, stop <-chan struct{}) int {
	rng := rand.New(rand.NewSource(seed))
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
			if rng.Intn(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND application_name = $1
      AND pid <> pg_backend_pid()
    ORDER BY random() LIMIT 1
) victim`, appName).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
