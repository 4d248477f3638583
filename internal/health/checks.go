package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that the durable store answers a ping within timeout.
func Database(db Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Recency fails once the job behind last has not completed for maxAge.
// A job that has never run is healthy.
func Recency(last func() time.Time, maxAge time.Duration) Checker {
	return func(context.Context) Status {
		at := last()
		if at.IsZero() {
			return Status{Healthy: true, Detail: "no run yet"}
		}
		if age := time.Since(at); age > maxAge {
			return Status{Detail: fmt.Sprintf("last run %s ago", age.Truncate(time.Second))}
		}
		return Status{Healthy: true}
	}
}
