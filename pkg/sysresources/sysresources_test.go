package sysresources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountPhysicalCoresCountsUniquePhysicalCorePairs(t *testing.T) {
	cpuinfo := `processor	: 0
physical id	: 0
core id		: 0
processor	: 1
physical id	: 0
core id		: 1
processor	: 2
physical id	: 0
core id		: 0
`
	assert.Equal(t, 2, countPhysicalCores(cpuinfo))
}

func TestCountPhysicalCoresReturnsZeroWhenAbsent(t *testing.T) {
	assert.Equal(t, 0, countPhysicalCores("not cpuinfo at all"))
}

func TestDetectCPUsRecommendedMaxFloorsAtOne(t *testing.T) {
	info := DetectCPUs()
	assert.GreaterOrEqual(t, info.RecommendedMax, 1)
	assert.GreaterOrEqual(t, info.LogicalCores, 1)
}

func TestDetectMemoryRecommendedMaxFloorsAtOne(t *testing.T) {
	info := DetectMemory()
	assert.GreaterOrEqual(t, info.RecommendedMaxGB, 1)
	assert.Greater(t, info.TotalGB, 0.0)
}

func TestDetectGPUsCountMatchesDevices(t *testing.T) {
	info := DetectGPUs(context.Background())
	assert.Equal(t, info.Count, len(info.Devices))
}

func TestDetectAllPopulatesLimitsFromCPUAndMemory(t *testing.T) {
	report := DetectAll(context.Background())
	assert.Equal(t, report.CPU.RecommendedMax, report.Limits.MaxCPUs)
	assert.Equal(t, report.Memory.RecommendedMaxGB, report.Limits.MaxMemoryGB)
}
