package models

import "time"

// MaxLockTime is how long a scheduler lease on a non-concurrent task stays valid.
const MaxLockTime = 60 * time.Second

// Task is a persisted, possibly recurring unit of scheduled work. (Hash, UserID) is unique;
// an empty UserID marks a global task.
type Task struct {
	ID                string       `json:"id"`
	Hash              string       `json:"hash"`
	UserID            string       `json:"userId,omitempty"`
	Actions           []FlowAction `json:"actions"`
	NextRunDate       *time.Time   `json:"nextRunDate,omitempty"`
	RunEvery          string       `json:"runEvery,omitempty"`
	RunTime           string       `json:"runTime,omitempty"` // HH:mm
	IgnoreDays        []string     `json:"ignoreDays,omitempty"`
	MaxRuns           int          `json:"maxRuns,omitempty"`
	NumRuns           int          `json:"numRuns"`
	AllowConcurrent   bool         `json:"allowConcurrent"`
	LockedSinceDate   *time.Time   `json:"lockedSinceDate,omitempty"`
	TimezoneUTCOffset float64      `json:"timezoneUtcOffset"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// IsLocked reports whether a lease taken at LockedSinceDate is still valid at now.
func (t *Task) IsLocked(now time.Time) bool {
	return t.LockedSinceDate != nil && t.LockedSinceDate.Add(MaxLockTime).After(now)
}

// TaskOptions are the scheduling parameters accepted when adding a task.
type TaskOptions struct {
	NextRunDate     *time.Time `json:"nextRunDate,omitempty"`
	RunEvery        string     `json:"runEvery,omitempty"`
	RunTime         string     `json:"runTime,omitempty"`
	IgnoreDays      []string   `json:"ignoreDays,omitempty"`
	MaxRuns         int        `json:"maxRuns,omitempty"`
	AllowConcurrent bool       `json:"allowConcurrent,omitempty"`
}
