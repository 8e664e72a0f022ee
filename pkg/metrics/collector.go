package metrics

import (
	"context"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/remotebackend"
	"github.com/neuroinsight/orchestrator/pkg/slurmbackend"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// Collector periodically samples job counts and backend health into
// the package's gauges on a ticker-driven loop.
type Collector struct {
	store    jobstore.Store
	backends map[types.BackendKind]execbackend.Backend
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling store and backends every
// interval (15s if interval is zero).
func NewCollector(store jobstore.Store, backends map[types.BackendKind]execbackend.Backend, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{store: store, backends: backends, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectBackendMetrics()
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}

	counts := map[types.JobStatus]int{
		types.JobPending:   0,
		types.JobRunning:   0,
		types.JobCompleted: 0,
		types.JobFailed:    0,
		types.JobCancelled: 0,
	}
	active := 0
	for _, j := range jobs {
		counts[j.Status]++
		if j.Status == types.JobPending || j.Status == types.JobRunning {
			active++
		}
	}
	for status, count := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	QueueDepth.Set(float64(active))
}

func (c *Collector) collectBackendMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for kind, backend := range c.backends {
		report := backend.Health(ctx)
		healthy := 0.0
		if report.Healthy {
			healthy = 1.0
		}
		BackendHealthy.WithLabelValues(string(kind)).Set(healthy)

		var info *sshConnectionInfo
		switch b := backend.(type) {
		case *remotebackend.Backend:
			info = sessionInfo(b.Session())
		case *slurmbackend.Backend:
			info = sessionInfo(b.Session())
		}
		if info != nil {
			connected := 0.0
			if info.connected {
				connected = 1.0
			}
			SSHSessionConnected.WithLabelValues(string(kind)).Set(connected)
			SSHSessionIdleSeconds.WithLabelValues(string(kind)).Set(float64(info.idleSeconds))
		}
	}
}
