package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_awaiting_ack",
			Help: "Commands currently in SENT or RETRYING",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM commands WHERE state IN ('SENT', 'RETRYING')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "config_snapshots_pending_sync",
			Help: "Device config snapshots currently in PENDING_SYNC",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM config_snapshots WHERE sync_status = 'PENDING_SYNC'")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
