package config

import (
	"time"

	"housekeeper/internal/environment"
	"housekeeper/internal/task/registry"
)

// Task names of the built-in job catalog.
const (
	TaskVolumeSnapshot = "volume_snapshot"
	TaskRepoGC         = "repo_gc"
	TaskHostMetrics    = "host_metrics"
)

// DefaultSchedules is the versioned schedule table used when the config file
// has no "schedules" section. Each call returns a fresh copy.
//
// The test column is the interval a test run expects between two fires of
// the development expression.
func DefaultSchedules() registry.Table {
	return registry.Table{
		TaskVolumeSnapshot: {
			Schedules: map[environment.Name]string{
				environment.Production:  "at 12:15am",
				environment.Staging:     "at 12:15am",
				environment.Development: "*/10 * * * *",
			},
			ExpectedInterval: 600000 * time.Millisecond,
		},
		TaskRepoGC: {
			Schedules: map[environment.Name]string{
				environment.Production:  "at 2:00 am on Saturday on the 2 week of the month",
				environment.Staging:     "Saturday on week 2 OR week 4",
				environment.Development: "*/10 * * * *",
			},
			ExpectedInterval: 600000 * time.Millisecond,
		},
		TaskHostMetrics: {
			Schedules: map[environment.Name]string{
				environment.Production:  "every 5 min",
				environment.Staging:     "every 5 min",
				environment.QA:          "every 5 min",
				environment.Development: "every 1 min",
			},
			ExpectedInterval: 60000 * time.Millisecond,
		},
	}
}
