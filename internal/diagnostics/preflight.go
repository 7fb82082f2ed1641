// Package diagnostics checks host resources before spawning agent sessions.
// An agent CLI plus its toolchain is heavy; starting one on a starved host
// fails in confusing ways, so the engine asks first.
package diagnostics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Thresholds configures the preflight limits.
type Thresholds struct {
	MinFreeMemoryMB uint64
	MinFreeDiskMB   uint64
}

// DefaultThresholds returns the limits applied when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinFreeMemoryMB: 512,
		MinFreeDiskMB:   1024,
	}
}

// Report summarizes the host resources at check time.
type Report struct {
	FreeMemoryMB uint64
	FreeDiskMB   uint64
}

// probes are swapped in tests.
var (
	virtualMemory = mem.VirtualMemory
	diskUsage     = disk.Usage
)

// Preflight verifies the host has enough memory and disk for an agent
// session in the given working tree.
func Preflight(workdir string, limits Thresholds) (*Report, error) {
	report := &Report{}

	vm, err := virtualMemory()
	if err != nil {
		return nil, fmt.Errorf("reading memory stats: %w", err)
	}
	report.FreeMemoryMB = vm.Available / (1024 * 1024)
	if report.FreeMemoryMB < limits.MinFreeMemoryMB {
		return report, core.ErrTransientAgent(core.CodePreflightFailed,
			fmt.Sprintf("only %d MB memory available, need %d MB", report.FreeMemoryMB, limits.MinFreeMemoryMB))
	}

	du, err := diskUsage(workdir)
	if err != nil {
		return nil, fmt.Errorf("reading disk stats: %w", err)
	}
	report.FreeDiskMB = du.Free / (1024 * 1024)
	if report.FreeDiskMB < limits.MinFreeDiskMB {
		return report, core.ErrTransientAgent(core.CodePreflightFailed,
			fmt.Sprintf("only %d MB disk free in %s, need %d MB", report.FreeDiskMB, workdir, limits.MinFreeDiskMB))
	}

	return report, nil
}
