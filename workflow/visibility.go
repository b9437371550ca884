package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

// Status is the derived lifecycle state of a process.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Filter narrows the processes returned by VisibleProcesses.
type Filter string

const (
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
	FilterAll       Filter = "all"
)

// ParseFilter maps a query value to a filter. Empty means active.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterActive:
		return FilterActive, nil
	case FilterCompleted, FilterAll:
		return Filter(s), nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// ProcessView is a process as presented to one actor.
type ProcessView struct {
	Process      types.Process       `json:"process"`
	Status       Status              `json:"status"`
	Step         *types.WorkflowStep `json:"step,omitempty"`
	RequiredRole *types.Role         `json:"required_role,omitempty"`
	CanAct       bool                `json:"can_act"`
	Results      []types.StepResult  `json:"results"`
}

// Status derives the state of proc from its cursor.
func (e *Engine) Status(ctx context.Context, proc types.Process) (Status, error) {
	_, ok, err := e.CurrentStep(ctx, proc)
	switch {
	case errors.Is(err, ErrNoWorkflowSelected):
		return StatusPending, nil
	case err != nil:
		return "", err
	case !ok:
		return StatusCompleted, nil
	}
	return StatusInProgress, nil
}

// View builds the presentation of proc for actor.
func (e *Engine) View(ctx context.Context, proc types.Process, actor types.Actor) (ProcessView, error) {
	v := ProcessView{Process: proc, Results: proc.Progress.Results}
	if v.Results == nil {
		v.Results = []types.StepResult{}
	}
	step, ok, err := e.CurrentStep(ctx, proc)
	switch {
	case errors.Is(err, ErrNoWorkflowSelected):
		v.Status = StatusPending
		return v, nil
	case err != nil:
		return ProcessView{}, err
	case !ok:
		v.Status = StatusCompleted
		return v, nil
	}

	v.Status = StatusInProgress
	v.Step = &step
	if step.RoleID != nil {
		role, err := e.storage.GetRole(ctx, *step.RoleID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return ProcessView{}, err
		}
		if err == nil {
			v.RequiredRole = &role
		}
	}
	v.CanAct = e.canAct(ctx, proc, step, actor)
	return v, nil
}

// VisibleProcesses lists the processes actor may see. Completed processes are
// visible to everyone; in-progress ones only to actors who can act on the
// current step; processes without a workflow are never listed.
func (e *Engine) VisibleProcesses(ctx context.Context, actor types.Actor, filter Filter) ([]ProcessView, error) {
	procs, err := e.storage.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]ProcessView, 0, len(procs))
	for _, p := range procs {
		v, err := e.View(ctx, p, actor)
		if err != nil {
			e.logger.Warn("skipping unreadable process", zap.Uint64("process_id", p.ID), zap.Error(err))
			continue
		}
		switch v.Status {
		case StatusPending:
			continue
		case StatusInProgress:
			if filter == FilterCompleted || !v.CanAct {
				continue
			}
		case StatusCompleted:
			if filter == FilterActive {
				continue
			}
		}
		views = append(views, v)
	}
	return views, nil
}
