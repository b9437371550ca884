package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/ticketflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	roles       map[uint64]types.Role
	assignments map[types.RoleAssignment]struct{}
	templates   map[uint64]types.WorkflowTemplate
	forms       map[uint64]types.Form
	entries     map[uint64][]types.FormEntry
	processes   map[uint64]types.Process
	counters    sync.Map // formID -> *memoryCounter
	mu          sync.RWMutex
}

type memoryCounter struct {
	mu   sync.Mutex
	next int64
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		roles:       make(map[uint64]types.Role),
		assignments: make(map[types.RoleAssignment]struct{}),
		templates:   make(map[uint64]types.WorkflowTemplate),
		forms:       make(map[uint64]types.Form),
		entries:     make(map[uint64][]types.FormEntry),
		processes:   make(map[uint64]types.Process),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveRole saves a role to memory.
func (s *MemoryStorage) SaveRole(ctx context.Context, role types.Role) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, r := range s.roles {
			if r.ID != role.ID && (r.Name == role.Name || r.Code == role.Code) {
				return fmt.Errorf("%w: role %q/%q", ErrDuplicate, role.Name, role.Code)
			}
		}
		s.roles[role.ID] = role
		return nil
	})
}

// GetRole retrieves a role from memory.
func (s *MemoryStorage) GetRole(ctx context.Context, id uint64) (types.Role, error) {
	return getItem(ctx, &s.mu, s.roles, id, func(r types.Role) types.Role { return r })
}

// ListRoles returns all roles.
func (s *MemoryStorage) ListRoles(ctx context.Context) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		roles := make([]types.Role, 0, len(s.roles))
		for _, r := range s.roles {
			roles = append(roles, r)
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
		return roles, nil
	})
}

// AssignRole grants a role to a user.
func (s *MemoryStorage) AssignRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.roles[roleID]; !ok {
			return fmt.Errorf("%w: role id=%d", ErrNotFound, roleID)
		}
		s.assignments[types.RoleAssignment{UserID: userID, RoleID: roleID}] = struct{}{}
		return nil
	})
}

// RevokeRole removes a grant.
func (s *MemoryStorage) RevokeRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.assignments, types.RoleAssignment{UserID: userID, RoleID: roleID})
		return nil
	})
}

// ListAssignments returns every grant.
func (s *MemoryStorage) ListAssignments(ctx context.Context) ([]types.RoleAssignment, error) {
	return withContext(ctx, func() ([]types.RoleAssignment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.RoleAssignment, 0, len(s.assignments))
		for a := range s.assignments {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].UserID != out[j].UserID {
				return out[i].UserID < out[j].UserID
			}
			return out[i].RoleID < out[j].RoleID
		})
		return out, nil
	})
}

// RolesOf returns the roles granted to a user.
func (s *MemoryStorage) RolesOf(ctx context.Context, userID string) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var roles []types.Role
		for a := range s.assignments {
			if a.UserID != userID {
				continue
			}
			if r, ok := s.roles[a.RoleID]; ok {
				roles = append(roles, r)
			}
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
		return roles, nil
	})
}

// SaveTemplate saves a template and its steps to memory.
func (s *MemoryStorage) SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[tpl.ID] = cloneTemplate(tpl)
		return nil
	})
}

// GetTemplate retrieves a template from memory.
func (s *MemoryStorage) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	return getItem(ctx, &s.mu, s.templates, id, cloneTemplate)
}

// ListTemplates returns all templates.
func (s *MemoryStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return withContext(ctx, func() ([]types.WorkflowTemplate, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowTemplate, 0, len(s.templates))
		for _, t := range s.templates {
			out = append(out, cloneTemplate(t))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveForm saves a form and its fields to memory.
func (s *MemoryStorage) SaveForm(ctx context.Context, form types.Form) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, f := range s.forms {
			if f.ID != form.ID && f.Slug == form.Slug {
				return fmt.Errorf("%w: form slug %q", ErrDuplicate, form.Slug)
			}
		}
		s.forms[form.ID] = cloneForm(form)
		return nil
	})
}

// GetForm retrieves a form from memory.
func (s *MemoryStorage) GetForm(ctx context.Context, id uint64) (types.Form, error) {
	return getItem(ctx, &s.mu, s.forms, id, cloneForm)
}

// GetFormBySlug retrieves a form by slug.
func (s *MemoryStorage) GetFormBySlug(ctx context.Context, slug string) (types.Form, error) {
	return withContext(ctx, func() (types.Form, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, f := range s.forms {
			if f.Slug == slug {
				return cloneForm(f), nil
			}
		}
		return types.Form{}, fmt.Errorf("%w: form slug=%s", ErrNotFound, slug)
	})
}

// ListForms returns all forms.
func (s *MemoryStorage) ListForms(ctx context.Context) ([]types.Form, error) {
	return withContext(ctx, func() ([]types.Form, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Form, 0, len(s.forms))
		for _, f := range s.forms {
			out = append(out, cloneForm(f))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListEntries returns the entries of a form.
func (s *MemoryStorage) ListEntries(ctx context.Context, formID uint64) ([]types.FormEntry, error) {
	return withContext(ctx, func() ([]types.FormEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := make([]types.FormEntry, 0, len(s.entries[formID]))
		for _, e := range s.entries[formID] {
			entries = append(entries, cloneEntry(e))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		return entries, nil
	})
}

// NextSequence increments the counter of a form under a per-form lock.
func (s *MemoryStorage) NextSequence(ctx context.Context, formID uint64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		v, _ := s.counters.LoadOrStore(formID, &memoryCounter{next: 1})
		c := v.(*memoryCounter)
		c.mu.Lock()
		defer c.mu.Unlock()
		seq := c.next
		c.next++
		return seq, nil
	})
}

// CreateProcess stores a new process.
func (s *MemoryStorage) CreateProcess(ctx context.Context, proc types.Process) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.processes[proc.ID]; ok {
			return fmt.Errorf("%w: process id=%d", ErrDuplicate, proc.ID)
		}
		if proc.RefID != "" {
			for _, p := range s.processes {
				if p.RefID == proc.RefID {
					return fmt.Errorf("%w: ref_id %s", ErrDuplicate, proc.RefID)
				}
			}
		}
		s.processes[proc.ID] = proc.Clone()
		return nil
	})
}

// GetProcess retrieves a process from memory.
func (s *MemoryStorage) GetProcess(ctx context.Context, id uint64) (types.Process, error) {
	return getItem(ctx, &s.mu, s.processes, id, types.Process.Clone)
}

// ListProcesses returns all processes.
func (s *MemoryStorage) ListProcesses(ctx context.Context) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Process, 0, len(s.processes))
		for _, p := range s.processes {
			out = append(out, p.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CommitProcess compares versions and writes process and entry under one lock.
func (s *MemoryStorage) CommitProcess(ctx context.Context, proc types.Process, entry *types.FormEntry) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.processes[proc.ID]
		if !ok {
			return types.Process{}, fmt.Errorf("%w: process id=%d", ErrNotFound, proc.ID)
		}
		if stored.Version != proc.Version {
			return types.Process{}, fmt.Errorf("%w: process %d at version %d, expected %d", ErrConflict, proc.ID, stored.Version, proc.Version)
		}
		proc.Version++
		if proc.UpdatedAt.IsZero() {
			proc.UpdatedAt = time.Now()
		}
		s.processes[proc.ID] = proc.Clone()
		if entry != nil {
			s.entries[entry.FormID] = append(s.entries[entry.FormID], cloneEntry(*entry))
		}
		return proc.Clone(), nil
	})
}

func cloneTemplate(t types.WorkflowTemplate) types.WorkflowTemplate {
	steps := make([]types.WorkflowStep, len(t.Steps))
	copy(steps, t.Steps)
	sortSteps(steps)
	t.Steps = steps
	return t
}

func cloneForm(f types.Form) types.Form {
	fields := make([]types.FormField, len(f.Fields))
	for i, ff := range f.Fields {
		ff.Choices = append([]string(nil), ff.Choices...)
		fields[i] = ff
	}
	sortFields(fields)
	f.Fields = fields
	f.NotifyEmails = append([]string(nil), f.NotifyEmails...)
	return f
}

func cloneEntry(e types.FormEntry) types.FormEntry {
	e.Values = append([]types.FormEntryValue(nil), e.Values...)
	return e
}
