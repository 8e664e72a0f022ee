package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndGetRecentRoundTrips(t *testing.T) {
	l, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	l.Record("job_submitted", map[string]any{"job_id": "abc123", "plugin_id": "fastsurfer"})
	l.Record("job_completed", map[string]any{"job_id": "abc123"})

	recent := l.GetRecent(10, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "job_completed", recent[0].Event)
	assert.Equal(t, "job_submitted", recent[1].Event)
}

func TestGetRecentFiltersByEvent(t *testing.T) {
	l, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	l.Record("ssh_connected", map[string]any{"host": "hpc.example.edu"})
	l.Record("job_submitted", map[string]any{"job_id": "xyz"})

	recent := l.GetRecent(10, "ssh_connected")
	require.Len(t, recent, 1)
	assert.Equal(t, "ssh_connected", recent[0].Event)
}

func TestGetRecentRespectsLimit(t *testing.T) {
	l, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		l.Record("event", nil)
	}
	assert.Len(t, l.GetRecent(3, ""), 3)
}

func TestRecordWithContextIncludesUserAndSeverity(t *testing.T) {
	l, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	l.RecordWithContext("config_changed", "warning", "admin", "10.0.0.5", map[string]any{"key": "backend"})
	recent := l.GetRecent(1, "")
	require.Len(t, recent, 1)
	assert.Equal(t, "warning", recent[0].Severity)
	assert.Equal(t, "admin", recent[0].User)
	assert.Equal(t, "10.0.0.5", recent[0].IPAddress)
}
