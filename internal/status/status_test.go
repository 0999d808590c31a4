package status_test

import (
	"errors"
	"testing"

	"sitework/internal/status"
)

func TestDeriveTaskStatusTotal(t *testing.T) {
	want := map[string]string{
		status.ProjectNotStarted:      status.NoDerivation,
		status.ProjectInProgress:      status.NoDerivation,
		status.ProjectOnTrack:         status.NoDerivation,
		status.ProjectAheadOfSchedule: status.NoDerivation,
		status.ProjectBehindSchedule:  status.NoDerivation,
		status.ProjectOnHold:          status.TaskDelayed,
		status.ProjectCompleted:       status.TaskCompleted,
		status.ProjectCancelled:       status.TaskCancelled,
	}
	for _, s := range status.ProjectStatuses() {
		derived, err := status.DeriveTaskStatus(s)
		if err != nil {
			t.Fatalf("derive %s: %v", s, err)
		}
		if derived != want[s] {
			t.Fatalf("derive %s: got %q want %q", s, derived, want[s])
		}
		// pure: a second call agrees
		again, err := status.DeriveTaskStatus(s)
		if err != nil || again != derived {
			t.Fatalf("derive %s not deterministic: %q vs %q (%v)", s, derived, again, err)
		}
	}
}

func TestDeriveTaskStatusRejectsUnknown(t *testing.T) {
	for _, bad := range []string{"archived", "", "Completed", "done"} {
		_, err := status.DeriveTaskStatus(bad)
		var invalid status.InvalidStatusError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidStatusError for %q, got %v", bad, err)
		}
		if invalid.Value != bad {
			t.Fatalf("error should carry the value, got %q", invalid.Value)
		}
	}
}

func TestTerminalTask(t *testing.T) {
	for _, s := range status.TaskStatuses() {
		terminal := status.TerminalTask(s)
		want := s == status.TaskCompleted || s == status.TaskCancelled
		if terminal != want {
			t.Fatalf("TerminalTask(%s)=%v", s, terminal)
		}
	}
}

func TestValidators(t *testing.T) {
	if status.ValidProjectStatus("archived") {
		t.Fatal("archived should not be a project status")
	}
	if !status.ValidProjectStatus(status.ProjectBehindSchedule) {
		t.Fatal("behind_schedule should be a project status")
	}
	if status.ValidTaskStatus("on_hold") {
		t.Fatal("on_hold is a project status, not a task status")
	}
	if !status.ValidTaskStatus(status.TaskDelayed) {
		t.Fatal("delayed should be a task status")
	}
}
