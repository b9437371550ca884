package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/ticketflow/events"
	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/metrics"
	"github.com/songzhibin97/ticketflow/rbac"
	"github.com/songzhibin97/ticketflow/rules"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

// Standard error definitions
var (
	ErrNoWorkflowSelected = errors.New("no workflow selected")
	ErrForbidden          = errors.New("forbidden")
	ErrAlreadyCompleted   = errors.New("process already completed")
	ErrTemplateInactive   = errors.New("workflow template is inactive")
	ErrValidation         = forms.ErrValidation
	ErrInvalidDecision    = fmt.Errorf("%w: decision must be approved or rejected", forms.ErrValidation)
	ErrConflict           = storage.ErrConflict
	ErrNotFound           = storage.ErrNotFound
	ErrNoFileStore        = errors.New("file storage is not configured")
)

// RejectPolicy selects what a rejected decision does to the cursor.
type RejectPolicy int

const (
	// RejectAdvance moves on exactly like an approval.
	RejectAdvance RejectPolicy = iota
	// RejectLoopBack keeps the cursor on the rejected step for re-submission.
	RejectLoopBack
	// RejectHonorEndOnReject completes the process when the step has EndOnReject set.
	RejectHonorEndOnReject
)

func (p RejectPolicy) String() string {
	switch p {
	case RejectLoopBack:
		return "loop_back"
	case RejectHonorEndOnReject:
		return "end_on_reject"
	}
	return "advance"
}

// ParseRejectPolicy maps a configuration value to a policy.
func ParseRejectPolicy(s string) (RejectPolicy, error) {
	switch s {
	case "", "advance":
		return RejectAdvance, nil
	case "loop_back":
		return RejectLoopBack, nil
	case "end_on_reject":
		return RejectHonorEndOnReject, nil
	}
	return RejectAdvance, fmt.Errorf("unknown reject policy %q", s)
}

// FileStore persists uploaded blobs and returns stable references.
type FileStore interface {
	Save(ctx context.Context, filename string, r io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Engine drives processes through their workflow templates.
type Engine struct {
	// templates caches reads when storage is process-local; shared backends
	// can be rewritten by other instances and are read through every time.
	templates    map[uint64]types.WorkflowTemplate
	cacheTpl     bool
	mu           sync.RWMutex
	storage      storage.Storage
	generate     generator.Generator
	directory    rbac.Directory
	files        FileStore
	evaluator    rules.Evaluator
	eventBus     *events.EventBus
	ownsBus      bool
	logger       *zap.Logger
	rejectPolicy RejectPolicy
	refIDs       *RefIDGenerator
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDirectory sets the role directory. Defaults to one backed by the engine's storage.
func WithDirectory(d rbac.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithFileStore sets where file answers are stored.
func WithFileStore(fs FileStore) Option {
	return func(e *Engine) { e.files = fs }
}

// WithEvaluator sets the evaluator for field constraints.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithEventBus publishes to a shared bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRejectPolicy sets the reject policy. Defaults to RejectAdvance.
func WithRejectPolicy(p RejectPolicy) Option {
	return func(e *Engine) { e.rejectPolicy = p }
}

// WithCounterTimeout bounds each reference counter increment.
func WithCounterTimeout(d time.Duration) Option {
	return func(e *Engine) { e.refIDs.timeout = d }
}

// NewEngine creates an Engine with the given generator and storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		templates: make(map[uint64]types.WorkflowTemplate),
		storage:   store,
		generate:  generate,
		logger:    zap.NewNop(),
		refIDs:    NewRefIDGenerator(store, 0),
		now:       time.Now,
	}
	_, e.cacheTpl = store.(*storage.MemoryStorage)
	for _, opt := range opts {
		opt(e)
	}
	if e.directory == nil {
		e.directory = rbac.NewStoreDirectory(store)
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator()
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to engine events.
func (e *Engine) SubscribeEvent(handler events.EventHandler, eventTypes ...string) {
	e.eventBus.Subscribe(handler, eventTypes...)
}

// Close stops the engine's private event bus after pending events are delivered.
func (e *Engine) Close() {
	if e.ownsBus {
		e.eventBus.Stop()
	}
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// Storage exposes the backing store for read-only collaborators.
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

// RegisterRole creates a role.
func (e *Engine) RegisterRole(ctx context.Context, name, code string) (types.Role, error) {
	if name == "" || code == "" {
		return types.Role{}, errors.New("role name and code are required")
	}
	id, err := e.GenerateID()
	if err != nil {
		return types.Role{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	role := types.Role{ID: id, Name: name, Code: code}
	if err := e.storage.SaveRole(ctx, role); err != nil {
		return types.Role{}, err
	}
	return role, nil
}

// AssignRole grants a role, through the directory when it records grants itself.
func (e *Engine) AssignRole(ctx context.Context, userID string, roleID uint64) error {
	if userID == "" {
		return errors.New("user ID is required")
	}
	if g, ok := e.directory.(rbac.Granter); ok {
		return g.Grant(ctx, userID, roleID)
	}
	return e.storage.AssignRole(ctx, userID, roleID)
}

// RevokeRole removes a grant.
func (e *Engine) RevokeRole(ctx context.Context, userID string, roleID uint64) error {
	if g, ok := e.directory.(rbac.Granter); ok {
		return g.Revoke(ctx, userID, roleID)
	}
	return e.storage.RevokeRole(ctx, userID, roleID)
}

// RegisterForm assigns IDs, derives a unique slug when none is given and persists the form.
func (e *Engine) RegisterForm(ctx context.Context, form types.Form) (types.Form, error) {
	if form.Name == "" {
		return types.Form{}, errors.New("form name is required")
	}
	var err error
	if form.ID == 0 {
		if form.ID, err = e.GenerateID(); err != nil {
			return types.Form{}, fmt.Errorf("failed to generate ID: %w", err)
		}
	}
	if form.Slug == "" {
		form.Slug, err = forms.UniqueSlug(ctx, form.Name, func(ctx context.Context, slug string) (bool, error) {
			_, err := e.storage.GetFormBySlug(ctx, slug)
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return types.Form{}, err
		}
	}
	if form.CreatedAt.IsZero() {
		form.CreatedAt = e.now()
	}

	fields := make([]types.FormField, len(form.Fields))
	for i, ff := range form.Fields {
		if ff.ID == 0 {
			if ff.ID, err = e.GenerateID(); err != nil {
				return types.Form{}, fmt.Errorf("failed to generate ID: %w", err)
			}
		}
		ff.FormID = form.ID
		if ff.Kind == types.FieldChoice && len(ff.Choices) == 0 {
			return types.Form{}, fmt.Errorf("choice field %q has no choices", ff.Label)
		}
		if ff.Kind != types.FieldText {
			ff.MaxLength = 0
		}
		fields[i] = ff
	}
	form.Fields = fields
	if _, err := forms.Bind(form); err != nil {
		return types.Form{}, err
	}

	if err := e.storage.SaveForm(ctx, form); err != nil {
		return types.Form{}, err
	}
	e.logger.Info("form registered", zap.Uint64("form_id", form.ID), zap.String("slug", form.Slug))
	return form, nil
}

// RegisterTemplate assigns IDs, checks referenced roles and forms, and persists the template.
func (e *Engine) RegisterTemplate(ctx context.Context, tpl types.WorkflowTemplate) (types.WorkflowTemplate, error) {
	if tpl.Name == "" {
		return types.WorkflowTemplate{}, errors.New("template name is required")
	}
	var err error
	if tpl.ID == 0 {
		if tpl.ID, err = e.GenerateID(); err != nil {
			return types.WorkflowTemplate{}, fmt.Errorf("failed to generate ID: %w", err)
		}
	}

	steps := make([]types.WorkflowStep, len(tpl.Steps))
	for i, st := range tpl.Steps {
		if st.Position < 0 {
			return types.WorkflowTemplate{}, fmt.Errorf("step %q has negative position %d", st.Title, st.Position)
		}
		if st.ID == 0 {
			if st.ID, err = e.GenerateID(); err != nil {
				return types.WorkflowTemplate{}, fmt.Errorf("failed to generate ID: %w", err)
			}
		}
		if st.RoleID != nil {
			if _, err := e.storage.GetRole(ctx, *st.RoleID); err != nil {
				return types.WorkflowTemplate{}, fmt.Errorf("step %q: %w", st.Title, err)
			}
		}
		if st.FormID != nil {
			if _, err := e.storage.GetForm(ctx, *st.FormID); err != nil {
				return types.WorkflowTemplate{}, fmt.Errorf("step %q: %w", st.Title, err)
			}
		}
		st.TemplateID = tpl.ID
		steps[i] = st
	}
	tpl.Steps = steps

	if err := e.storage.SaveTemplate(ctx, tpl); err != nil {
		return types.WorkflowTemplate{}, err
	}
	e.mu.Lock()
	delete(e.templates, tpl.ID)
	e.mu.Unlock()

	e.logger.Info("template registered", zap.Uint64("template_id", tpl.ID), zap.Int("steps", len(tpl.Steps)))
	return e.getTemplate(ctx, tpl.ID)
}

// getTemplate retrieves a template by ID, checking the cache first when enabled.
func (e *Engine) getTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	if !e.cacheTpl {
		return e.storage.GetTemplate(ctx, id)
	}
	e.mu.RLock()
	tpl, ok := e.templates[id]
	e.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := e.storage.GetTemplate(ctx, id)
	if err != nil {
		return types.WorkflowTemplate{}, err
	}

	e.mu.Lock()
	e.templates[id] = tpl
	e.mu.Unlock()
	return tpl, nil
}

// GetTemplate returns a template with its ordered steps.
func (e *Engine) GetTemplate(ctx context.Context, id uint64) (*types.WorkflowTemplate, error) {
	tpl, err := e.getTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// GetProcess returns a process by ID.
func (e *Engine) GetProcess(ctx context.Context, id uint64) (*types.Process, error) {
	p, err := e.storage.GetProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// StartProcess binds a template and a form to a new process at step 0.
func (e *Engine) StartProcess(ctx context.Context, templateID, formID uint64, actor types.Actor) (*types.Process, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if actor.Anonymous() {
		return nil, fmt.Errorf("%w: anonymous actors cannot start processes", ErrForbidden)
	}

	tpl, err := e.getTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.Active {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, tpl.Name)
	}
	form, err := e.storage.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := e.now()
	tplID := tpl.ID
	proc := types.Process{
		ID:        id,
		FormID:    form.ID,
		CreatedBy: actor.ID,
		Progress: types.Progress{
			WorkflowTemplateID: &tplID,
			StepIndex:          0,
			Results:            []types.StepResult{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.refIDs.Assign(ctx, &proc, form); err != nil {
		return nil, err
	}
	if err := e.storage.CreateProcess(ctx, proc); err != nil {
		return nil, err
	}

	metrics.ProcessesStarted.WithLabelValues(form.Slug).Inc()
	e.logger.Info("process started",
		zap.Uint64("process_id", proc.ID),
		zap.String("ref_id", proc.RefID),
		zap.Uint64("template_id", tpl.ID),
		zap.String("actor", actor.Name()),
	)
	e.publish(ctx, events.Event{
		Type:      events.ProcessStarted,
		ProcessID: proc.ID,
		RefID:     proc.RefID,
		FormID:    form.ID,
		FormName:  form.Name,
		Actor:     actor.Name(),
		At:        now,
	})
	return &proc, nil
}

// publish queues an event; delivery problems never fail the calling operation.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if !e.eventBus.HasSubscribers(ev.Type) {
		return
	}
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to publish event", zap.String("event", ev.Type), zap.Uint64("process_id", ev.ProcessID), zap.Error(err))
	}
}
