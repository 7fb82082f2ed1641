package diagnostics

import (
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

func stubProbes(t *testing.T, availableMB, freeDiskMB uint64) {
	t.Helper()
	origMem, origDisk := virtualMemory, diskUsage
	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: availableMB * 1024 * 1024}, nil
	}
	diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: freeDiskMB * 1024 * 1024}, nil
	}
	t.Cleanup(func() {
		virtualMemory = origMem
		diskUsage = origDisk
	})
}

func TestPreflightPasses(t *testing.T) {
	stubProbes(t, 2048, 10240)

	report, err := Preflight("/tmp", DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), report.FreeMemoryMB)
	assert.Equal(t, uint64(10240), report.FreeDiskMB)
}

func TestPreflightLowMemory(t *testing.T) {
	stubProbes(t, 100, 10240)

	report, err := Preflight("/tmp", DefaultThresholds())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransientAgent))
	assert.Equal(t, uint64(100), report.FreeMemoryMB)
}

func TestPreflightLowDisk(t *testing.T) {
	stubProbes(t, 2048, 10)

	_, err := Preflight("/tmp", DefaultThresholds())
	require.Error(t, err)
	var domainErr *core.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.CodePreflightFailed, domainErr.Code)
}
