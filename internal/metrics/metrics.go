// Package metrics registers the reconciliation and commit collectors. They are
// served by the same /metrics endpoint as the HTTP metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReconcileRuns counts reconciliation attempts by sync type and outcome
	ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menusync_reconcile_runs_total",
		Help: "Reconciliation runs by sync type and status.",
	}, []string{"sync_type", "status"})

	// ReconcileDuration observes wall time per run
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "menusync_reconcile_duration_seconds",
		Help:    "Wall time of reconciliation runs.",
		Buckets: prometheus.DefBuckets,
	})

	// Changes counts replayed changes by what happened to them
	Changes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menusync_changes_total",
		Help: "Replayed master changes by action.",
	}, []string{"action"})

	// VersionCommits counts master menu commits by result
	VersionCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "menusync_version_commits_total",
		Help: "Master menu version commits by result.",
	}, []string{"result"})
)

// Register adds the collectors to reg. Already registered collectors are ignored.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{ReconcileRuns, ReconcileDuration, Changes, VersionCommits} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
