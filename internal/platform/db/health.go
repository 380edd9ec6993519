package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// PoolStats is the subset of pgxpool statistics worth watching when
// booking latency climbs.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	EmptyAcquires int64  `json:"empty_acquire_count"`
	AcquireWait   string `json:"acquire_duration"`
	Healthy       bool   `json:"healthy"`
}

// Pinger is the part of a pool the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsFunc reports pool statistics; nil omits them from the response.
type StatsFunc func() *PoolStats

func PoolStatsFunc(pool *pgxpool.Pool) StatsFunc {
	return func() *PoolStats {
		st := pool.Stat()
		return &PoolStats{
			TotalConns:    st.TotalConns(),
			IdleConns:     st.IdleConns(),
			AcquiredConns: st.AcquiredConns(),
			MaxConns:      st.MaxConns(),
			EmptyAcquires: st.EmptyAcquireCount(),
			AcquireWait:   st.AcquireDuration().String(),
			Healthy:       st.TotalConns() > 0,
		}
	}
}

type healthReport struct {
	Status  string     `json:"status"`
	Latency string     `json:"latency"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings the store within a short deadline and reports the
// round trip. Failures answer 503 without echoing the driver error.
func HealthHandler(p Pinger, stats StatsFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)
		report := healthReport{Status: "healthy", Latency: time.Since(start).String()}
		if stats != nil {
			report.Pool = stats()
		}

		if err != nil {
			report.Status = "unhealthy"
			if report.Pool != nil {
				report.Pool.Healthy = false
			}
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
