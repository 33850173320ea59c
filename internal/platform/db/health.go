package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is the pool section of the gateway health report.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
	Error           string `json:"error,omitempty"`
}

// Check pings the pool with a short timeout and returns its statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *PoolStats {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stat := pool.Stat()
	stats := &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         true,
	}
	if err := pool.Ping(ctx); err != nil {
		stats.Healthy = false
		stats.Error = err.Error()
	}
	return stats
}
