package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/ticketflow/types"
)

// Errors shared by every backend.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrDuplicate = errors.New("duplicate key")
)

// Storage defines durable create/read/update for the workflow entities.
type Storage interface {
	// SaveRole creates or replaces a role. Name and code must stay unique.
	SaveRole(ctx context.Context, role types.Role) error

	// GetRole retrieves a role by ID.
	GetRole(ctx context.Context, id uint64) (types.Role, error)

	// ListRoles returns all roles ordered by ID.
	ListRoles(ctx context.Context) ([]types.Role, error)

	// AssignRole grants a role to a user. Granting twice is a no-op.
	AssignRole(ctx context.Context, userID string, roleID uint64) error

	// RevokeRole removes a grant. Revoking a missing grant is a no-op.
	RevokeRole(ctx context.Context, userID string, roleID uint64) error

	// ListAssignments returns every grant.
	ListAssignments(ctx context.Context) ([]types.RoleAssignment, error)

	// RolesOf returns the roles granted to a user.
	RolesOf(ctx context.Context, userID string) ([]types.Role, error)

	// SaveTemplate creates or replaces a template together with its steps.
	SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error

	// GetTemplate retrieves a template with steps ordered by position then ID.
	GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error)

	// ListTemplates returns all templates ordered by ID.
	ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error)

	// SaveForm creates or replaces a form together with its fields.
	SaveForm(ctx context.Context, form types.Form) error

	// GetForm retrieves a form by ID.
	GetForm(ctx context.Context, id uint64) (types.Form, error)

	// GetFormBySlug retrieves a form by slug.
	GetFormBySlug(ctx context.Context, slug string) (types.Form, error)

	// ListForms returns all forms ordered by ID.
	ListForms(ctx context.Context) ([]types.Form, error)

	// ListEntries returns the entries of a form ordered by ID.
	ListEntries(ctx context.Context, formID uint64) ([]types.FormEntry, error)

	// NextSequence atomically returns the current counter of a form and increments it.
	// The first call for a form returns 1.
	NextSequence(ctx context.Context, formID uint64) (int64, error)

	// CreateProcess stores a new process.
	CreateProcess(ctx context.Context, proc types.Process) error

	// GetProcess retrieves a process by ID.
	GetProcess(ctx context.Context, id uint64) (types.Process, error)

	// ListProcesses returns all processes ordered by ID.
	ListProcesses(ctx context.Context) ([]types.Process, error)

	// CommitProcess writes proc and, when non-nil, entry as one atomic unit.
	// It fails with ErrConflict unless the stored version equals proc.Version,
	// and returns the process with its version incremented.
	CommitProcess(ctx context.Context, proc types.Process, entry *types.FormEntry) (types.Process, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// sortSteps orders steps by position, ties broken by the lowest ID.
func sortSteps(steps []types.WorkflowStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Position != steps[j].Position {
			return steps[i].Position < steps[j].Position
		}
		return steps[i].ID < steps[j].ID
	})
}

func sortFields(fields []types.FormField) {
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].Order != fields[j].Order {
			return fields[i].Order < fields[j].Order
		}
		return fields[i].ID < fields[j].ID
	})
}
