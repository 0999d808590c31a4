// Package status defines the project and schedule-task status vocabulary
// and the derivation rule that drives cascades.
package status

import "fmt"

// Project statuses.
const (
	ProjectNotStarted      = "not_started"
	ProjectInProgress      = "in_progress"
	ProjectOnTrack         = "on_track"
	ProjectAheadOfSchedule = "ahead_of_schedule"
	ProjectBehindSchedule  = "behind_schedule"
	ProjectOnHold          = "on_hold"
	ProjectCompleted       = "completed"
	ProjectCancelled       = "cancelled"
)

// Schedule-task statuses.
const (
	TaskPlanned    = "planned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskDelayed    = "delayed"
	TaskCancelled  = "cancelled"
)

// NoDerivation is returned by DeriveTaskStatus for project statuses that do
// not force a task status.
const NoDerivation = ""

// InvalidStatusError indicates a value outside the status vocabulary.
type InvalidStatusError struct {
	Value string
}

func (e InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q", e.Value)
}

var projectStatuses = []string{
	ProjectNotStarted,
	ProjectInProgress,
	ProjectOnTrack,
	ProjectAheadOfSchedule,
	ProjectBehindSchedule,
	ProjectOnHold,
	ProjectCompleted,
	ProjectCancelled,
}

var taskStatuses = []string{
	TaskPlanned,
	TaskInProgress,
	TaskCompleted,
	TaskDelayed,
	TaskCancelled,
}

// ProjectStatuses returns the project status vocabulary in declaration order.
func ProjectStatuses() []string {
	out := make([]string, len(projectStatuses))
	copy(out, projectStatuses)
	return out
}

// TaskStatuses returns the schedule-task status vocabulary in declaration order.
func TaskStatuses() []string {
	out := make([]string, len(taskStatuses))
	copy(out, taskStatuses)
	return out
}

// ValidProjectStatus reports whether s is a member of the project status enum.
func ValidProjectStatus(s string) bool {
	for _, v := range projectStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ValidTaskStatus reports whether s is a member of the task status enum.
func ValidTaskStatus(s string) bool {
	for _, v := range taskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// TerminalTask reports whether a task status is terminal. Terminal statuses
// are never overwritten by a cascade.
func TerminalTask(s string) bool {
	return s == TaskCompleted || s == TaskCancelled
}

// DeriveTaskStatus maps a project status to the task status a cascade should
// apply, or NoDerivation when the project status does not force one. It is
// pure and total over the project enum; any other value returns
// InvalidStatusError.
func DeriveTaskStatus(projectStatus string) (string, error) {
	switch projectStatus {
	case ProjectCompleted:
		return TaskCompleted, nil
	case ProjectCancelled:
		return TaskCancelled, nil
	case ProjectOnHold:
		return TaskDelayed, nil
	case ProjectNotStarted, ProjectInProgress, ProjectOnTrack, ProjectAheadOfSchedule, ProjectBehindSchedule:
		return NoDerivation, nil
	default:
		return NoDerivation, InvalidStatusError{Value: projectStatus}
	}
}
