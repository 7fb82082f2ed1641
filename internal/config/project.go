// Package config carries the application configuration (viper, ANIMA_* env)
// and the per-project configuration read from .anima/config.json. The core
// never mutates project config; it reloads on file change.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// ScheduleType selects how a project wakes.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleTimes    ScheduleType = "times"
	ScheduleManual   ScheduleType = "manual"
)

// WakeSchedule configures the wake scheduler for one project.
type WakeSchedule struct {
	Type            ScheduleType `json:"type"`
	IntervalMinutes int          `json:"intervalMinutes,omitempty"`
	Times           []string     `json:"times,omitempty"`
}

// ProjectConfig is the per-project configuration (.anima/config.json).
type ProjectConfig struct {
	SchemaVersion              int          `json:"schemaVersion,omitempty"`
	Name                       string       `json:"name"`
	WakeSchedule               WakeSchedule `json:"wakeSchedule"`
	DefaultRequiresHumanReview bool         `json:"defaultRequiresHumanReview"`
	AgentTimeoutMs             int          `json:"agentTimeoutMs"`
	MaxIterationsPerMilestone  int          `json:"maxIterationsPerMilestone"`
	RejectionThreshold         int          `json:"rejectionThreshold,omitempty"`
	AgentBinary                string       `json:"agentBinary,omitempty"`
	AgentModel                 string       `json:"agentModel,omitempty"`
}

// DefaultProjectConfig returns the defaults applied under missing fields.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		WakeSchedule:              WakeSchedule{Type: ScheduleManual},
		AgentTimeoutMs:            30 * 60 * 1000,
		MaxIterationsPerMilestone: 50,
		RejectionThreshold:        3,
		AgentModel:                "sonnet",
	}
}

var timeOfDay = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Validate checks the schedule and limits.
func (c *ProjectConfig) Validate() error {
	switch c.WakeSchedule.Type {
	case ScheduleInterval:
		if c.WakeSchedule.IntervalMinutes <= 0 {
			return core.ErrValidation(core.CodeInvalidSchedule,
				"intervalMinutes must be positive for an interval schedule")
		}
	case ScheduleTimes:
		if len(c.WakeSchedule.Times) == 0 {
			return core.ErrValidation(core.CodeInvalidSchedule,
				"times must be non-empty for a times schedule")
		}
		for _, t := range c.WakeSchedule.Times {
			if !timeOfDay.MatchString(t) {
				return core.ErrValidation(core.CodeInvalidSchedule,
					fmt.Sprintf("invalid wake time %q, want HH:MM", t))
			}
		}
	case ScheduleManual:
	default:
		return core.ErrValidation(core.CodeInvalidSchedule,
			fmt.Sprintf("unknown schedule type %q", c.WakeSchedule.Type))
	}

	if c.AgentTimeoutMs <= 0 {
		return core.ErrValidation(core.CodeInvalidSchedule, "agentTimeoutMs must be positive")
	}
	if c.MaxIterationsPerMilestone < 0 {
		return core.ErrValidation(core.CodeInvalidSchedule, "maxIterationsPerMilestone must not be negative")
	}
	if c.RejectionThreshold <= 0 {
		return core.ErrValidation(core.CodeInvalidSchedule, "rejectionThreshold must be positive")
	}
	return nil
}

// LoadProjectConfig reads a project config file, filling defaults for
// missing fields. A missing file yields the defaults.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	cfg := DefaultProjectConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading project config: %v", err))
	}

	// Unmarshal over the defaults: absent fields keep their default, an
	// explicit zero (maxIterationsPerMilestone: 0) is honored.
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, core.ErrCorruptState(path, string(data))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
