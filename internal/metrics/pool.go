package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStat is the part of *pgxpool.Stat exported as gauges
type PoolStat interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
}

// RegisterPoolStats exports database pool gauges. stat is read on every
// scrape.
func RegisterPoolStats(opts Options, stat func() PoolStat) error {
	ns := opts.namespace()
	reg := opts.registerer()

	gauges := []struct {
		name  string
		help  string
		value func(PoolStat) int32
	}{
		{"acquired_connections", "Connections currently checked out of the database pool.", PoolStat.AcquiredConns},
		{"idle_connections", "Idle connections held by the database pool.", PoolStat.IdleConns},
		{"total_connections", "Connections currently open in the database pool.", PoolStat.TotalConns},
		{"max_connections", "Configured upper bound of the database pool.", PoolStat.MaxConns},
	}
	for _, g := range gauges {
		value := g.value
		_, err := register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "db_pool",
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(value(stat())) }))
		if err != nil {
			return err
		}
	}
	return nil
}
