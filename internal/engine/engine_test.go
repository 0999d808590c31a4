package engine_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"sitework/internal/config"
	"sitework/internal/db"
	"sitework/internal/engine"
	"sitework/internal/migrate"
	"sitework/internal/repo"
	"sitework/internal/status"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "acme-builders", "Riverside Tower", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCoordinate(t *testing.T, env testEnv, from, to string) engine.CoordinationResult {
	t.Helper()
	res, err := env.Engine.CoordinateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		CurrentStatus:   from,
		RequestedStatus: to,
	}, "", "tester")
	if err != nil {
		t.Fatalf("coordinate %s -> %s: %v", from, to, err)
	}
	return res
}

func addTask(t *testing.T, env testEnv, title, taskStatus string) string {
	t.Helper()
	task, err := env.Engine.CreateScheduleTask(env.Ctx, engine.ScheduleTaskCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Status:    taskStatus,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task.ID
}

func TestCompleteCascade(t *testing.T) {
	// Scenario: in_progress -> completed with tasks planned/in_progress/completed.
	env := newTestEnv(t)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectInProgress)
	addTask(t, env, "Pour foundation", status.TaskPlanned)
	addTask(t, env, "Frame walls", status.TaskInProgress)
	doneID := addTask(t, env, "Site survey", status.TaskCompleted)

	verdict, err := env.Engine.ValidateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		RequestedStatus: status.ProjectCompleted,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(verdict.Blockers) != 0 {
		t.Fatalf("unexpected blockers: %v", verdict.Blockers)
	}
	if len(verdict.Warnings) != 1 || !strings.Contains(verdict.Warnings[0], "incomplete tasks will be auto-completed") {
		t.Fatalf("expected auto-complete warning, got %v", verdict.Warnings)
	}

	res := mustCoordinate(t, env, status.ProjectInProgress, status.ProjectCompleted)
	if res.UpdatedCount != 2 || res.SkippedCount != 1 {
		t.Fatalf("expected 2 updated / 1 skipped, got %d / %d", res.UpdatedCount, res.SkippedCount)
	}
	for _, ch := range res.Updated {
		if ch.Status != status.TaskCompleted {
			t.Fatalf("task %s cascaded to %s", ch.Title, ch.Status)
		}
		if ch.ID == doneID {
			t.Fatalf("already-completed task should have been skipped")
		}
	}
	if res.Skipped[0].ID != doneID || res.Skipped[0].Reason != engine.SkipReasonTerminal {
		t.Fatalf("unexpected skip record: %+v", res.Skipped[0])
	}

	tasks, err := env.Engine.Repo.ListScheduleTasks(env.Ctx, repo.ScheduleTaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status != status.TaskCompleted {
			t.Fatalf("task %s left in %s", task.Title, task.Status)
		}
	}
}

func TestPunchlistBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectInProgress)
	if _, err := env.Engine.AddPunchlistItem(env.Ctx, engine.PunchlistCreateOptions{
		ProjectID:        "proj-1",
		Title:            "Fix drywall crack",
		BlocksCompletion: true,
		ActorID:          "tester",
	}); err != nil {
		t.Fatal(err)
	}

	verdict, err := env.Engine.ValidateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		RequestedStatus: status.ProjectCompleted,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(verdict.Blockers) == 0 {
		t.Fatal("expected completion blocker")
	}

	// Coordinate re-checks blockers even when the caller skipped validation.
	_, err = env.Engine.CoordinateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		CurrentStatus:   status.ProjectInProgress,
		RequestedStatus: status.ProjectCompleted,
	}, "", "tester")
	var blocked engine.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != status.ProjectInProgress {
		t.Fatalf("blocked transition wrote status %s", p.Status)
	}
}

func TestNoCascadeStatuses(t *testing.T) {
	// Scenario: on_track -> behind_schedule updates the project only.
	env := newTestEnv(t)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectOnTrack)
	taskID := addTask(t, env, "Rough-in plumbing", status.TaskInProgress)

	res := mustCoordinate(t, env, status.ProjectOnTrack, status.ProjectBehindSchedule)
	if res.UpdatedCount != 0 || res.SkippedCount != 0 || len(res.Updated) != 0 {
		t.Fatalf("expected no cascade, got %+v", res)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if p.Status != status.ProjectBehindSchedule {
		t.Fatalf("project status %s", p.Status)
	}
	task, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, taskID)
	if task.Status != status.TaskInProgress {
		t.Fatalf("task mutated to %s on a no-cascade transition", task.Status)
	}
}

func TestTerminalTasksProtected(t *testing.T) {
	env := newTestEnv(t)
	completedID := addTask(t, env, "Demolition", status.TaskCompleted)
	cancelledID := addTask(t, env, "Optional skylight", status.TaskCancelled)
	activeID := addTask(t, env, "Roofing", status.TaskInProgress)

	res := mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectOnHold)
	if res.UpdatedCount != 1 || res.SkippedCount != 2 {
		t.Fatalf("expected 1 updated / 2 skipped, got %d / %d", res.UpdatedCount, res.SkippedCount)
	}
	done, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, completedID)
	if done.Status != status.TaskCompleted {
		t.Fatalf("completed task overwritten: %s", done.Status)
	}
	gone, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, cancelledID)
	if gone.Status != status.TaskCancelled {
		t.Fatalf("cancelled task overwritten: %s", gone.Status)
	}
	held, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, activeID)
	if held.Status != status.TaskDelayed {
		t.Fatalf("in-progress task should be delayed, got %s", held.Status)
	}
}

func TestStaleStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	taskID := addTask(t, env, "Windows", status.TaskInProgress)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectInProgress)

	// Request still believes the project is not_started.
	_, err := env.Engine.CoordinateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		CurrentStatus:   status.ProjectNotStarted,
		RequestedStatus: status.ProjectOnHold,
	}, "", "tester")
	var conflict engine.ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if p.Status != status.ProjectInProgress {
		t.Fatalf("stale request wrote status %s", p.Status)
	}
	task, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, taskID)
	if task.Status != status.TaskInProgress {
		t.Fatalf("stale request cascaded to %s", task.Status)
	}
}

func TestInvalidStatusRejected(t *testing.T) {
	// Scenario: requested status outside the enum fails with zero writes.
	env := newTestEnv(t)
	taskID := addTask(t, env, "Paint", status.TaskPlanned)
	_, err := env.Engine.CoordinateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		CurrentStatus:   status.ProjectNotStarted,
		RequestedStatus: "archived",
	}, "", "tester")
	var invalid status.InvalidStatusError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStatusError, got %v", err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if p.Status != status.ProjectNotStarted {
		t.Fatalf("invalid request wrote status %s", p.Status)
	}
	task, _ := env.Engine.Repo.GetScheduleTask(env.Ctx, taskID)
	if task.Status != status.TaskPlanned {
		t.Fatalf("invalid request cascaded to %s", task.Status)
	}
}

func TestValidateDeterministic(t *testing.T) {
	env := newTestEnv(t)
	addTask(t, env, "Electrical", status.TaskInProgress)
	if _, err := env.Engine.AddPunchlistItem(env.Ctx, engine.PunchlistCreateOptions{
		ProjectID:        "proj-1",
		Title:            "Touch up paint",
		BlocksCompletion: true,
		ActorID:          "tester",
	}); err != nil {
		t.Fatal(err)
	}
	req := engine.StatusTransitionRequest{ProjectID: "proj-1", RequestedStatus: status.ProjectCompleted}
	first, err := env.Engine.ValidateStatusChange(env.Ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.ValidateStatusChange(env.Ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
	if len(first.Blockers) == 0 || len(first.Warnings) == 0 {
		t.Fatalf("expected blocker and warning together, got %+v", first)
	}
}

func TestReopenWarned(t *testing.T) {
	env := newTestEnv(t)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectCompleted)
	verdict, err := env.Engine.ValidateStatusChange(env.Ctx, engine.StatusTransitionRequest{
		ProjectID:       "proj-1",
		RequestedStatus: status.ProjectInProgress,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(verdict.Blockers) != 0 {
		t.Fatalf("reopen should warn, not block: %v", verdict.Blockers)
	}
	if len(verdict.Warnings) != 1 || !strings.Contains(verdict.Warnings[0], "reopens") {
		t.Fatalf("expected reopen warning, got %v", verdict.Warnings)
	}
	// The transition itself proceeds.
	mustCoordinate(t, env, status.ProjectCompleted, status.ProjectInProgress)
}

func TestCascadeEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	addTask(t, env, "Inspection prep", status.TaskInProgress)
	mustCoordinate(t, env, status.ProjectNotStarted, status.ProjectCancelled)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	var sawStatus, sawCascade bool
	for _, evt := range evts {
		switch evt.Type {
		case "project.status.changed":
			sawStatus = true
		case "task.status.cascaded":
			sawCascade = true
		}
	}
	if !sawStatus || !sawCascade {
		t.Fatalf("missing audit events (status=%v cascade=%v)", sawStatus, sawCascade)
	}
}

func TestManualTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := addTask(t, env, "HVAC install", status.TaskPlanned)
	task, err := env.Engine.UpdateScheduleTask(env.Ctx, engine.ScheduleTaskUpdateOptions{ID: id, Status: status.TaskInProgress, ActorID: "tester"})
	if err != nil || task.Status != status.TaskInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateScheduleTask(env.Ctx, engine.ScheduleTaskUpdateOptions{ID: id, Status: status.TaskCompleted, ActorID: "tester"})
	if err != nil || task.Status != status.TaskCompleted {
		t.Fatalf("to completed: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}
	// completed is terminal for manual edits without force
	if _, err := env.Engine.UpdateScheduleTask(env.Ctx, engine.ScheduleTaskUpdateOptions{ID: id, Status: status.TaskPlanned, ActorID: "tester"}); err == nil {
		t.Fatal("expected transition error out of completed")
	}
	if _, err := env.Engine.UpdateScheduleTask(env.Ctx, engine.ScheduleTaskUpdateOptions{ID: id, Status: status.TaskPlanned, ActorID: "tester", Force: true}); err != nil {
		t.Fatalf("forced reopen: %v", err)
	}
}
