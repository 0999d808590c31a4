package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitework/internal/config"
	"sitework/internal/domain"
	"sitework/internal/engine/auth"
	"sitework/internal/events"
	"sitework/internal/repo"
	"sitework/internal/status"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ConcurrentModificationError indicates the project's status changed between
// the caller reading it and requesting the transition.
type ConcurrentModificationError struct {
	ProjectID string
	Expected  string
	Actual    string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("project %s status is %q, not %q; refresh and retry", e.ProjectID, e.Actual, e.Expected)
}

// BlockedError indicates the transition failed blocker re-validation inside
// the coordinator.
type BlockedError struct {
	Blockers []string
}

func (e BlockedError) Error() string {
	if len(e.Blockers) == 0 {
		return "status change blocked"
	}
	return "status change blocked: " + e.Blockers[0]
}

// PersistenceError wraps a failed transactional write. The transaction has
// been rolled back; no partial cascade is observable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// StatusTransitionRequest describes a requested project status change.
type StatusTransitionRequest struct {
	ProjectID       string
	CurrentStatus   string
	RequestedStatus string
}

// Verdict is the validator's result. Blockers forbid the transition outright;
// warnings permit it after explicit confirmation.
type Verdict struct {
	Blockers []string
	Warnings []string
}

// OK reports whether the transition needs neither confirmation nor refusal.
func (v Verdict) OK() bool {
	return len(v.Blockers) == 0 && len(v.Warnings) == 0
}

type TaskChange struct {
	ID     string
	Title  string
	Status string
}

type TaskSkip struct {
	ID     string
	Title  string
	Reason string
}

const (
	SkipReasonTerminal = "terminal status protected"
	SkipReasonNoop     = "already in target status"
)

// CoordinationResult reports the per-task outcome of a cascade.
type CoordinationResult struct {
	UpdatedCount int
	SkippedCount int
	Updated      []TaskChange
	Skipped      []TaskSkip
}

// Evaluate computes the validation verdict for a transition. Pure: every
// applicable rule is evaluated, none short-circuits, and a transition can
// carry blockers and warnings at once.
func Evaluate(currentStatus, requestedStatus string, tasks []domain.ScheduleTask, punchlist []domain.PunchlistItem) Verdict {
	var v Verdict

	if requestedStatus == status.ProjectCompleted {
		openBlocking := 0
		for _, item := range punchlist {
			if item.Status == "open" && item.BlocksCompletion {
				openBlocking++
			}
		}
		if openBlocking > 0 {
			v.Blockers = append(v.Blockers, fmt.Sprintf("%d open punchlist item(s) block completion; resolve them first", openBlocking))
		}
	}

	if currentStatus == status.ProjectCompleted && requestedStatus != status.ProjectCompleted {
		v.Warnings = append(v.Warnings, fmt.Sprintf("project is completed; changing to %s reopens it", requestedStatus))
	}

	if requestedStatus == status.ProjectCancelled || requestedStatus == status.ProjectOnHold {
		inProgress := 0
		for _, t := range tasks {
			if t.Status == status.TaskInProgress {
				inProgress++
			}
		}
		if inProgress > 0 {
			derived, _ := status.DeriveTaskStatus(requestedStatus)
			v.Warnings = append(v.Warnings, fmt.Sprintf("%d schedule task(s) in progress will be marked %s", inProgress, derived))
		}
	}

	if requestedStatus == status.ProjectCompleted {
		incomplete := 0
		for _, t := range tasks {
			if !status.TerminalTask(t.Status) {
				incomplete++
			}
		}
		if incomplete > 0 {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%d incomplete tasks will be auto-completed", incomplete))
		}
	}

	return v
}

// ValidateStatusChange computes blockers and warnings for a requested
// transition. Read-only; safe to call repeatedly.
func (e Engine) ValidateStatusChange(ctx context.Context, req StatusTransitionRequest) (Verdict, error) {
	if !status.ValidProjectStatus(req.RequestedStatus) {
		return Verdict{}, status.InvalidStatusError{Value: req.RequestedStatus}
	}
	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return Verdict{}, err
	}
	tasks, err := e.Repo.ListScheduleTasks(ctx, repo.ScheduleTaskFilters{ProjectID: p.ID})
	if err != nil {
		return Verdict{}, err
	}
	punchlist, err := e.Repo.ListPunchlistItems(ctx, repo.PunchlistFilters{ProjectID: p.ID})
	if err != nil {
		return Verdict{}, err
	}
	return Evaluate(p.Status, req.RequestedStatus, tasks, punchlist), nil
}

// CoordinateStatusChange executes the transition as one transaction: a
// guarded project status write plus the cascade to eligible schedule tasks.
// The stale-status check gives at-most-one-winner semantics per project.
func (e Engine) CoordinateStatusChange(ctx context.Context, req StatusTransitionRequest, notes, actorID string) (CoordinationResult, error) {
	var result CoordinationResult
	if !status.ValidProjectStatus(req.RequestedStatus) {
		return result, status.InvalidStatusError{Value: req.RequestedStatus}
	}
	if req.CurrentStatus != "" && !status.ValidProjectStatus(req.CurrentStatus) {
		return result, status.InvalidStatusError{Value: req.CurrentStatus}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, req.ProjectID)
	if err != nil {
		return result, err
	}
	expected := req.CurrentStatus
	if expected == "" {
		expected = p.Status
	}
	if p.Status != expected {
		return result, ConcurrentModificationError{ProjectID: p.ID, Expected: expected, Actual: p.Status}
	}

	// Blockers are re-checked here: validate and coordinate are separate
	// endpoints, and nothing forces callers to run them in order.
	if req.RequestedStatus == status.ProjectCompleted {
		blocking, err := e.Repo.CountOpenBlockingPunchlistTx(ctx, tx, p.ID)
		if err != nil {
			return result, err
		}
		if blocking > 0 {
			return result, BlockedError{Blockers: []string{
				fmt.Sprintf("%d open punchlist item(s) block completion; resolve them first", blocking),
			}}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	affected, err := e.Repo.UpdateProjectStatusTx(ctx, tx, p.ID, expected, req.RequestedStatus, now)
	if err != nil {
		return result, PersistenceError{Op: "project status", Err: err}
	}
	if affected == 0 {
		// The guarded UPDATE lost the race after our read.
		return result, ConcurrentModificationError{ProjectID: p.ID, Expected: expected, Actual: "unknown"}
	}

	derived, err := status.DeriveTaskStatus(req.RequestedStatus)
	if err != nil {
		return result, err
	}
	if derived != status.NoDerivation {
		tasks, err := e.Repo.ListScheduleTasksForProjectTx(ctx, tx, p.ID)
		if err != nil {
			return result, err
		}
		for _, t := range tasks {
			switch {
			case status.TerminalTask(t.Status):
				result.Skipped = append(result.Skipped, TaskSkip{ID: t.ID, Title: t.Title, Reason: SkipReasonTerminal})
			case t.Status == derived:
				result.Skipped = append(result.Skipped, TaskSkip{ID: t.ID, Title: t.Title, Reason: SkipReasonNoop})
			default:
				var completedAt *string
				if derived == status.TaskCompleted {
					completedAt = &now
				}
				if err := e.Repo.UpdateScheduleTaskStatusTx(ctx, tx, t.ID, derived, now, completedAt); err != nil {
					return result, PersistenceError{Op: "schedule task cascade", Err: err}
				}
				if err := e.Events.Append(ctx, tx, "task.status.cascaded", p.ID, "schedule_task", t.ID, actorID, events.EventPayload{
					"from": t.Status,
					"to":   derived,
				}); err != nil {
					return result, PersistenceError{Op: "cascade event", Err: err}
				}
				result.Updated = append(result.Updated, TaskChange{ID: t.ID, Title: t.Title, Status: derived})
			}
		}
	}
	result.UpdatedCount = len(result.Updated)
	result.SkippedCount = len(result.Skipped)

	payload := events.EventPayload{
		"from":          expected,
		"to":            req.RequestedStatus,
		"updated_tasks": result.UpdatedCount,
		"skipped_tasks": result.SkippedCount,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	if err := e.Events.Append(ctx, tx, "project.status.changed", p.ID, "project", p.ID, actorID, payload); err != nil {
		return result, PersistenceError{Op: "status event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return CoordinationResult{}, PersistenceError{Op: "status change commit", Err: err}
	}
	return result, nil
}

// InitProject creates a project with its company, seed config and RBAC
// footprint. Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, projectID, companyID, name, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id required")
	}
	if companyID == "" {
		companyID = "default-company"
	}
	if name == "" {
		name = projectID
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		CompanyID:   companyID,
		Name:        name,
		Status:      status.ProjectNotStarted,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seedCfg := e.Config
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureCompany(ctx, tx, companyID, "", now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure company: %w", err)
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.seedRoles(ctx, tx, seedCfg); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
		return domain.Project{}, fmt.Errorf("assign owner role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) seedRoles(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("bind permission %s to %s: %w", perm, roleID, err)
			}
		}
	}
	return nil
}

// ScheduleTaskCreateOptions are parameters for creating a schedule task.
type ScheduleTaskCreateOptions struct {
	ID         string
	ProjectID  string
	Title      string
	Status     string
	AssigneeID string
	StartDate  string
	EndDate    string
	ActorID    string
}

func (e Engine) CreateScheduleTask(ctx context.Context, opts ScheduleTaskCreateOptions) (domain.ScheduleTask, error) {
	if opts.Title == "" {
		return domain.ScheduleTask{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.ScheduleTask{}, errors.New("project is required")
	}
	if opts.Status == "" {
		opts.Status = status.TaskPlanned
	}
	if !status.ValidTaskStatus(opts.Status) {
		return domain.ScheduleTask{}, status.InvalidStatusError{Value: opts.Status}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.ScheduleTask{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.ScheduleTask{
		ID:         id,
		ProjectID:  opts.ProjectID,
		Title:      opts.Title,
		Status:     opts.Status,
		AssigneeID: optionalString(opts.AssigneeID),
		StartDate:  optionalString(opts.StartDate),
		EndDate:    optionalString(opts.EndDate),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduleTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScheduleTask(ctx, tx, t); err != nil {
		return domain.ScheduleTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "schedule_task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.ScheduleTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduleTask{}, err
	}
	return t, nil
}

// ScheduleTaskUpdateOptions encapsulates allowed updates.
type ScheduleTaskUpdateOptions struct {
	ID         string
	Title      string
	Status     string
	Assign     *string
	StartDate  *string
	EndDate    *string
	ActorID    string
	Force      bool
}

func (e Engine) UpdateScheduleTask(ctx context.Context, opts ScheduleTaskUpdateOptions) (domain.ScheduleTask, error) {
	t, err := e.Repo.GetScheduleTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.Assign
		}
	}
	if opts.StartDate != nil {
		t.StartDate = normalizePtr(opts.StartDate)
	}
	if opts.EndDate != nil {
		t.EndDate = normalizePtr(opts.EndDate)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.Status != "" && opts.Status != t.Status {
		if !status.ValidTaskStatus(opts.Status) {
			return t, status.InvalidStatusError{Value: opts.Status}
		}
		if err := ensureTaskTransition(t.Status, opts.Status, opts.Force); err != nil {
			return t, err
		}
		t.Status = opts.Status
		if opts.Status == status.TaskCompleted {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateScheduleTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "schedule_task", t.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ensureTaskTransition guards manual task status edits. Cascades bypass it;
// they have their own terminal-state protection.
func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case status.TaskPlanned:
		if newStatus == status.TaskInProgress || newStatus == status.TaskDelayed || newStatus == status.TaskCancelled {
			return nil
		}
	case status.TaskInProgress:
		if newStatus == status.TaskCompleted || newStatus == status.TaskDelayed || newStatus == status.TaskCancelled {
			return nil
		}
	case status.TaskDelayed:
		if newStatus == status.TaskInProgress || newStatus == status.TaskCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// PunchlistCreateOptions are parameters for adding a punchlist item.
type PunchlistCreateOptions struct {
	ID               string
	ProjectID        string
	Title            string
	BlocksCompletion bool
	ActorID          string
}

func (e Engine) AddPunchlistItem(ctx context.Context, opts PunchlistCreateOptions) (domain.PunchlistItem, error) {
	if opts.Title == "" {
		return domain.PunchlistItem{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.PunchlistItem{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.PunchlistItem{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	item := domain.PunchlistItem{
		ID:               id,
		ProjectID:        opts.ProjectID,
		Title:            opts.Title,
		Status:           "open",
		BlocksCompletion: opts.BlocksCompletion,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPunchlistItem(ctx, tx, item); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "punchlist.created", item.ProjectID, "punchlist_item", item.ID, opts.ActorID, events.EventPayload{
		"title":             item.Title,
		"blocks_completion": item.BlocksCompletion,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

func (e Engine) ResolvePunchlistItem(ctx context.Context, id, actorID string) (domain.PunchlistItem, error) {
	item, err := e.Repo.GetPunchlistItem(ctx, id)
	if err != nil {
		return item, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolvePunchlistItem(ctx, tx, id, now); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "punchlist.resolved", item.ProjectID, "punchlist_item", item.ID, actorID, events.EventPayload{}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	item.Status = "resolved"
	item.ResolvedAt = &now
	return item, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizePtr(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
