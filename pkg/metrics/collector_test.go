package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

// fakeBackend reports a fixed health status without shelling out to any
// real execution tooling, so backend-health collection is testable
// without docker/ssh available in the test environment.
type fakeBackend struct {
	execbackend.Backend
	healthy bool
}

func (f *fakeBackend) Health(ctx context.Context) execbackend.HealthReport {
	return execbackend.HealthReport{Healthy: f.healthy, Message: "fake"}
}

func newTestCollector(t *testing.T) (*Collector, jobstore.Store) {
	t.Helper()
	store, err := jobstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backends := map[types.BackendKind]execbackend.Backend{types.BackendLocal: &fakeBackend{healthy: true}}

	return NewCollector(store, backends, time.Second), store
}

func TestCollectJobMetricsReflectsStoreCounts(t *testing.T) {
	c, store := newTestCollector(t)

	require.NoError(t, store.CreateJob(&types.Job{
		ID:           "job-1",
		BackendType:  types.BackendLocal,
		PipelineName: "recon_all",
		Status:       types.JobPending,
		SubmittedAt:  time.Now(),
	}))
	require.NoError(t, store.CreateJob(&types.Job{
		ID:           "job-2",
		BackendType:  types.BackendLocal,
		PipelineName: "recon_all",
		Status:       types.JobRunning,
		SubmittedAt:  time.Now(),
	}))
	require.NoError(t, store.CreateJob(&types.Job{
		ID:           "job-3",
		BackendType:  types.BackendLocal,
		PipelineName: "recon_all",
		Status:       types.JobCompleted,
		SubmittedAt:  time.Now(),
	}))

	c.collectJobMetrics()

	require.Equal(t, float64(1), gaugeValue(t, JobsTotal.WithLabelValues(string(types.JobPending))))
	require.Equal(t, float64(1), gaugeValue(t, JobsTotal.WithLabelValues(string(types.JobRunning))))
	require.Equal(t, float64(1), gaugeValue(t, JobsTotal.WithLabelValues(string(types.JobCompleted))))
	require.Equal(t, float64(2), gaugeValue(t, QueueDepth))
}

func TestCollectBackendMetricsRecordsHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.collectBackendMetrics()

	require.Equal(t, float64(1), gaugeValue(t, BackendHealthy.WithLabelValues(string(types.BackendLocal))))
}
