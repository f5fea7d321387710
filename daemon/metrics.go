package daemon

import (
	"github.com/docker/go-metrics"
	"github.com/osglue/osglue/pkg/process"
)

var (
	workersStarted metrics.Counter
	workersReaped  metrics.LabeledCounter
	workersActive  metrics.Gauge
	acceptErrors   metrics.Counter
	exitsDropped   metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("osglue", "daemon", nil)
	workersStarted = ns.NewCounter("workers_started", "The total number of workers forked for accepted connections")
	workersReaped = ns.NewLabeledCounter("workers_reaped", "The total number of reaped workers by how they ended", "result")
	for _, r := range []string{"exited", "failed", "signaled", "unknown"} {
		workersReaped.WithValues(r).Inc(0)
	}
	workersActive = ns.NewGauge("workers_active", "The number of workers that have not been reaped yet", metrics.Total)
	acceptErrors = ns.NewCounter("accept_errors", "The total number of failed accepts")
	exitsDropped = ns.NewCounter("exits_dropped", "The total number of reaped worker exits that were not delivered to the daemon")
	metrics.Register(ns)
}

func exitResult(status process.WaitStatus) string {
	switch {
	case !status.Exited():
		return "signaled"
	case status.ExitStatus() != 0:
		return "failed"
	default:
		return "exited"
	}
}
