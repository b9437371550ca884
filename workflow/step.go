package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/ticketflow/events"
	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/metrics"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

// Submission is the input of one step.
type Submission struct {
	Decision types.Decision
	Comment  string
	// Answers are keyed by field ID (see forms.Key).
	Answers map[string]forms.Answer
}

// stepAt picks the step at position idx; duplicates resolve to the lowest ID.
func stepAt(tpl types.WorkflowTemplate, idx int) (types.WorkflowStep, bool) {
	var found types.WorkflowStep
	ok := false
	for _, st := range tpl.Steps {
		if st.Position != idx {
			continue
		}
		if !ok || st.ID < found.ID {
			found, ok = st, true
		}
	}
	return found, ok
}

// resolve loads the template of proc and locates its current step.
func (e *Engine) resolve(ctx context.Context, proc types.Process) (types.WorkflowTemplate, types.WorkflowStep, bool, error) {
	if proc.Progress.WorkflowTemplateID == nil {
		return types.WorkflowTemplate{}, types.WorkflowStep{}, false, ErrNoWorkflowSelected
	}
	tpl, err := e.getTemplate(ctx, *proc.Progress.WorkflowTemplateID)
	if err != nil {
		return types.WorkflowTemplate{}, types.WorkflowStep{}, false, err
	}
	step, ok := stepAt(tpl, proc.Progress.StepIndex)
	return tpl, step, ok, nil
}

// CurrentStep returns the step at the cursor. ok is false once the process is completed.
func (e *Engine) CurrentStep(ctx context.Context, proc types.Process) (types.WorkflowStep, bool, error) {
	_, step, ok, err := e.resolve(ctx, proc)
	return step, ok, err
}

// Authorize reports whether actor may act on the current step of proc.
// Any lookup failure denies.
func (e *Engine) Authorize(ctx context.Context, proc types.Process, actor types.Actor) bool {
	step, ok, err := e.CurrentStep(ctx, proc)
	if err != nil || !ok {
		return false
	}
	return e.canAct(ctx, proc, step, actor)
}

// canAct applies the role check and, for claimed processes, the owner check.
func (e *Engine) canAct(ctx context.Context, proc types.Process, step types.WorkflowStep, actor types.Actor) bool {
	if !e.holdsStepRole(ctx, step, actor) {
		return false
	}
	return actor.IsAdmin || proc.Owner == "" || proc.Owner == actor.ID
}

func (e *Engine) holdsStepRole(ctx context.Context, step types.WorkflowStep, actor types.Actor) bool {
	if actor.IsAdmin {
		return true
	}
	if actor.Anonymous() {
		return false
	}
	if step.RoleID == nil {
		return true
	}
	role, err := e.storage.GetRole(ctx, *step.RoleID)
	if err != nil {
		e.logger.Warn("required role lookup failed", zap.Uint64("step_id", step.ID), zap.Error(err))
		return false
	}
	ok, err := e.directory.HasRole(ctx, actor, role.Name)
	if err != nil {
		e.logger.Warn("role directory lookup failed", zap.String("actor", actor.ID), zap.String("role", role.Name), zap.Error(err))
		return false
	}
	return ok
}

// nextIndex computes the cursor after a decision on step.
func (e *Engine) nextIndex(tpl types.WorkflowTemplate, step types.WorkflowStep, decision types.Decision) int {
	if decision == types.DecisionRejected {
		switch e.rejectPolicy {
		case RejectLoopBack:
			return step.Position
		case RejectHonorEndOnReject:
			if step.EndOnReject {
				last := step.Position
				for _, st := range tpl.Steps {
					if st.Position > last {
						last = st.Position
					}
				}
				return last + 1
			}
		}
	}
	return step.Position + 1
}

// SubmitStep records a decision on the current step of a process and advances its cursor.
// The process, its new result and its form entry are committed together; a concurrent
// submission that committed first makes this one fail with ErrConflict.
func (e *Engine) SubmitStep(ctx context.Context, processID uint64, actor types.Actor, sub Submission) (*types.Process, error) {
	start := time.Now()
	defer func() { metrics.SubmitDuration.Observe(time.Since(start).Seconds()) }()

	proc, err := e.storage.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	tpl, step, ok, err := e.resolve(ctx, proc)
	if err != nil {
		if errors.Is(err, ErrNoWorkflowSelected) {
			metrics.SubmitRejections.WithLabelValues("no_workflow").Inc()
		}
		return nil, err
	}
	if !ok {
		metrics.SubmitRejections.WithLabelValues("completed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, proc.RefID)
	}
	if !e.canAct(ctx, proc, step, actor) {
		metrics.SubmitRejections.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("%w: %s may not act on step %q", ErrForbidden, actor.Name(), step.Title)
	}
	if !sub.Decision.Valid() {
		metrics.SubmitRejections.WithLabelValues("validation").Inc()
		return nil, ErrInvalidDecision
	}

	formID := proc.FormID
	if step.FormID != nil {
		formID = *step.FormID
	}
	form, err := e.storage.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	binding, err := forms.Bind(form)
	if err != nil {
		return nil, err
	}
	cleaned, err := binding.Validate(sub.Answers, e.evaluator)
	if err != nil {
		metrics.SubmitRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	var roleName *string
	if step.RoleID != nil {
		role, err := e.storage.GetRole(ctx, *step.RoleID)
		if err != nil {
			return nil, err
		}
		roleName = &role.Name
	}

	now := e.now()
	entry, uploads, err := e.buildEntry(ctx, form, actor, cleaned, now)
	if err != nil {
		e.discard(uploads)
		return nil, err
	}

	next := proc.Clone()
	next.Progress.Results = append(next.Progress.Results, types.StepResult{
		StepTitle: step.Title,
		RoleName:  roleName,
		Decision:  sub.Decision,
		Comment:   sub.Comment,
		Actor:     actor.Name(),
		ActedAt:   now,
	})
	next.Progress.StepIndex = e.nextIndex(tpl, step, sub.Decision)
	if next.Progress.StepIndex != proc.Progress.StepIndex {
		next.Owner = ""
	}
	next.UpdatedAt = now

	committed, err := e.storage.CommitProcess(ctx, next, &entry)
	if err != nil {
		e.discard(uploads)
		if errors.Is(err, ErrConflict) {
			metrics.SubmitRejections.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	metrics.StepSubmissions.WithLabelValues(string(sub.Decision)).Inc()
	e.logger.Info("step submitted",
		zap.Uint64("process_id", committed.ID),
		zap.String("ref_id", committed.RefID),
		zap.String("step", step.Title),
		zap.String("decision", string(sub.Decision)),
		zap.String("actor", actor.Name()),
		zap.Int("step_index", committed.Progress.StepIndex),
	)
	ev := events.Event{
		Type:      events.StepSubmitted,
		ProcessID: committed.ID,
		RefID:     committed.RefID,
		FormID:    form.ID,
		FormName:  form.Name,
		Actor:     actor.Name(),
		StepTitle: step.Title,
		Decision:  sub.Decision,
		Comment:   sub.Comment,
		At:        now,
		Answers:   snapshot(cleaned),
	}
	e.publish(ctx, ev)
	if _, more := stepAt(tpl, committed.Progress.StepIndex); !more {
		metrics.ProcessesCompleted.Inc()
		ev.Type = events.ProcessCompleted
		e.publish(ctx, ev)
	}
	return &committed, nil
}

// buildEntry stores uploads and shapes the entry rows. The returned references
// must be discarded by the caller if the entry is never committed.
func (e *Engine) buildEntry(ctx context.Context, form types.Form, actor types.Actor, cleaned []forms.Cleaned, now time.Time) (types.FormEntry, []string, error) {
	entryID, err := e.GenerateID()
	if err != nil {
		return types.FormEntry{}, nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	entry := types.FormEntry{
		ID:          entryID,
		FormID:      form.ID,
		SubmittedAt: now,
		Values:      make([]types.FormEntryValue, 0, len(cleaned)),
	}
	if !actor.Anonymous() {
		by := actor.ID
		entry.SubmittedBy = &by
	}

	var uploads []string
	for _, c := range cleaned {
		id, err := e.GenerateID()
		if err != nil {
			return types.FormEntry{}, uploads, fmt.Errorf("failed to generate ID: %w", err)
		}
		v := types.FormEntryValue{ID: id, EntryID: entryID, FieldID: c.Field.ID}
		switch c.Field.Kind {
		case types.FieldFile:
			if e.files == nil {
				return types.FormEntry{}, uploads, ErrNoFileStore
			}
			ref, err := e.files.Save(ctx, c.Upload.Filename, c.Upload.Content)
			if err != nil {
				return types.FormEntry{}, uploads, fmt.Errorf("failed to store %s: %w", c.Upload.Filename, err)
			}
			uploads = append(uploads, ref)
			v.File = ref
		default:
			v.Text = c.Text
		}
		entry.Values = append(entry.Values, v)
	}
	return entry, uploads, nil
}

// snapshot labels the cleaned answers for notifications.
func snapshot(cleaned []forms.Cleaned) []events.Answer {
	out := make([]events.Answer, 0, len(cleaned))
	for _, c := range cleaned {
		v := c.Text
		if c.Upload != nil {
			v = c.Upload.Filename
		}
		out = append(out, events.Answer{Label: c.Field.Label, Value: v})
	}
	return out
}

// discard removes blobs of an aborted submission.
func (e *Engine) discard(refs []string) {
	for _, ref := range refs {
		if err := e.files.Delete(context.Background(), ref); err != nil {
			e.logger.Warn("failed to remove orphaned upload", zap.String("ref", ref), zap.Error(err))
		}
	}
}

// Claim makes actor the exclusive owner of the current step when it is auto-claimable.
// It returns false when another actor already owns it or won a concurrent claim.
func (e *Engine) Claim(ctx context.Context, processID uint64, actor types.Actor) (bool, error) {
	proc, err := e.storage.GetProcess(ctx, processID)
	if err != nil {
		return false, err
	}
	step, ok, err := e.CurrentStep(ctx, proc)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAlreadyCompleted, proc.RefID)
	}
	if !step.AutoClaim || actor.Anonymous() {
		return false, nil
	}
	if !e.holdsStepRole(ctx, step, actor) {
		return false, fmt.Errorf("%w: %s may not claim step %q", ErrForbidden, actor.Name(), step.Title)
	}
	if proc.Owner == actor.ID {
		return true, nil
	}
	if proc.Owner != "" {
		return false, nil
	}

	next := proc.Clone()
	next.Owner = actor.ID
	next.UpdatedAt = e.now()
	committed, err := e.storage.CommitProcess(ctx, next, nil)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.logger.Info("process claimed", zap.Uint64("process_id", committed.ID), zap.String("owner", actor.ID))
	e.publish(ctx, events.Event{
		Type:      events.ProcessClaimed,
		ProcessID: committed.ID,
		RefID:     committed.RefID,
		FormID:    committed.FormID,
		Actor:     actor.Name(),
		StepTitle: step.Title,
		At:        committed.UpdatedAt,
	})
	return true, nil
}

// Release clears the owner of a process. Only the owner or an admin may release.
func (e *Engine) Release(ctx context.Context, processID uint64, actor types.Actor) error {
	proc, err := e.storage.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Owner == "" {
		return nil
	}
	if !actor.IsAdmin && proc.Owner != actor.ID {
		return fmt.Errorf("%w: process is owned by %s", ErrForbidden, proc.Owner)
	}
	next := proc.Clone()
	next.Owner = ""
	next.UpdatedAt = e.now()
	_, err = e.storage.CommitProcess(ctx, next, nil)
	return err
}
