package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type poolCollector struct {
	pool *pgxpool.Pool

	acquiredConns *prometheus.Desc
	idleConns     *prometheus.Desc
	totalConns    *prometheus.Desc
	maxConns      *prometheus.Desc
}

// RegisterPoolMetrics exposes the rule store's pgxpool statistics as gauges
// sampled at scrape time. Acquired climbing toward max while idle sits at
// zero means rule reads are saturating the pool.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		acquiredConns: prometheus.NewDesc(
			"availz_db_pool_acquired",
			"Connections currently checked out serving rule store queries.",
			nil, nil,
		),
		idleConns: prometheus.NewDesc(
			"availz_db_pool_idle",
			"Connections sitting idle in the rule store pool.",
			nil, nil,
		),
		totalConns: prometheus.NewDesc(
			"availz_db_pool_total",
			"Connections the rule store pool currently holds, idle or acquired.",
			nil, nil,
		),
		maxConns: prometheus.NewDesc(
			"availz_db_pool_max",
			"Upper bound on rule store pool connections.",
			nil, nil,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredConns
	ch <- c.idleConns
	ch <- c.totalConns
	ch <- c.maxConns
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.MaxConns()))
}
