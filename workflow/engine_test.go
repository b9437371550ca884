package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/ticketflow/events"
	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id atomic.Uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

// memFiles is an in-memory FileStore.
type memFiles struct {
	mu      sync.Mutex
	blobs   map[string]string
	deleted []string
}

func newMemFiles() *memFiles {
	return &memFiles{blobs: make(map[string]string)}
}

func (m *memFiles) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("blob/%d-%s", len(m.blobs)+len(m.deleted)+1, filename)
	m.blobs[ref] = string(data)
	return ref, nil
}

func (m *memFiles) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

// failingCommit rejects every commit with the configured error.
type failingCommit struct {
	storage.Storage
	err error
}

func (s *failingCommit) CommitProcess(ctx context.Context, proc types.Process, entry *types.FormEntry) (types.Process, error) {
	return types.Process{}, s.err
}

// sharedStore stands in for a backend other instances write to.
type sharedStore struct {
	storage.Storage
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	mem    *storage.MemoryStorage
	roles  map[string]types.Role
	form   types.Form
}

// newFixture builds an engine over memory storage with the GRC roles and a
// "Risk" form. wrap, when non-nil, decorates the storage seen by the engine.
func newFixture(t *testing.T, wrap func(storage.Storage) storage.Storage, opts ...Option) *fixture {
	t.Helper()
	mem := storage.NewMemoryStorage()
	var store storage.Storage = mem
	if wrap != nil {
		store = wrap(mem)
	}
	engine, err := NewEngine(&MockGenerator{}, store, opts...)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	f := &fixture{t: t, ctx: context.Background(), engine: engine, mem: mem, roles: make(map[string]types.Role)}
	for _, r := range []struct{ code, name string }{
		{"RR", "Risk Representative"},
		{"RC", "Risk Champion"},
		{"RA", "Risk Approver"},
		{"CRO", "Chief Risk Officer"},
	} {
		role, err := engine.RegisterRole(f.ctx, r.name, r.code)
		require.NoError(t, err)
		f.roles[r.code] = role
	}

	f.form, err = engine.RegisterForm(f.ctx, types.Form{
		Name: "Risk",
		Fields: []types.FormField{
			{Label: "Title", Kind: types.FieldText, Required: true, MaxLength: 20, Order: 1},
			{Label: "Severity", Kind: types.FieldChoice, Required: true, Choices: []string{"Low", "Medium", "High"}, Order: 2},
			{Label: "Evidence", Kind: types.FieldFile, Order: 3},
		},
	})
	require.NoError(t, err)
	return f
}

type stepDef struct {
	position int
	title    string
	role     string
}

func (f *fixture) template(name string, defs ...stepDef) types.WorkflowTemplate {
	f.t.Helper()
	tpl := types.WorkflowTemplate{Name: name, Active: true}
	for _, d := range defs {
		st := types.WorkflowStep{Position: d.position, Title: d.title}
		if d.role != "" {
			id := f.roles[d.role].ID
			st.RoleID = &id
		}
		tpl.Steps = append(tpl.Steps, st)
	}
	tpl, err := f.engine.RegisterTemplate(f.ctx, tpl)
	require.NoError(f.t, err)
	return tpl
}

// actor creates a user holding the given role codes.
func (f *fixture) actor(id string, codes ...string) types.Actor {
	f.t.Helper()
	for _, c := range codes {
		require.NoError(f.t, f.engine.AssignRole(f.ctx, id, f.roles[c].ID))
	}
	return types.Actor{ID: id, Username: id}
}

func (f *fixture) start(tpl types.WorkflowTemplate) *types.Process {
	f.t.Helper()
	proc, err := f.engine.StartProcess(f.ctx, tpl.ID, f.form.ID, types.Actor{ID: "requester"})
	require.NoError(f.t, err)
	return proc
}

func (f *fixture) key(label string) string {
	for _, ff := range f.form.Fields {
		if ff.Label == label {
			return forms.Key(ff.ID)
		}
	}
	f.t.Fatalf("no field %q", label)
	return ""
}

func (f *fixture) submission(decision types.Decision) Submission {
	return Submission{
		Decision: decision,
		Comment:  "looks fine",
		Answers: map[string]forms.Answer{
			f.key("Title"):    forms.TextAnswer("Vendor outage"),
			f.key("Severity"): forms.TextAnswer("High"),
		},
	}
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(&MockGenerator{}, nil)
	require.NoError(t, err)
	require.NotNil(t, engine)
	assert.NotNil(t, engine.Storage())
	engine.Close()

	_, err = NewEngine(nil, storage.NewMemoryStorage())
	require.Error(t, err)
	assert.Equal(t, "generator is required", err.Error())
}

func TestRegisterForm(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "risk", f.form.Slug)
	for _, ff := range f.form.Fields {
		assert.Equal(t, f.form.ID, ff.FormID)
		assert.NotZero(t, ff.ID)
	}

	a, err := f.engine.RegisterForm(f.ctx, types.Form{Name: "Risk Assessment"})
	require.NoError(t, err)
	b, err := f.engine.RegisterForm(f.ctx, types.Form{Name: "Risk Assessment"})
	require.NoError(t, err)
	assert.Equal(t, "risk-assessment", a.Slug)
	assert.Equal(t, "risk-assessment-2", b.Slug)

	_, err = f.engine.RegisterForm(f.ctx, types.Form{
		Name:   "Broken",
		Fields: []types.FormField{{Label: "Pick", Kind: types.FieldChoice}},
	})
	assert.Error(t, err)

	_, err = f.engine.RegisterForm(f.ctx, types.Form{})
	assert.Error(t, err)
}

func TestRegisterTemplate(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{1, "CRO Approval", "CRO"}, stepDef{0, "RR Review", "RR"})
	require.Len(t, tpl.Steps, 2)
	assert.Equal(t, "RR Review", tpl.Steps[0].Title)
	assert.Equal(t, tpl.ID, tpl.Steps[0].TemplateID)

	missing := uint64(99999)
	_, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:  "Dangling",
		Steps: []types.WorkflowStep{{Title: "x", RoleID: &missing}},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:  "Negative",
		Steps: []types.WorkflowStep{{Title: "x", Position: -1}},
	})
	assert.Error(t, err)

	// Re-registering replaces the cached copy.
	tpl.Steps = tpl.Steps[:1]
	updated, err := f.engine.RegisterTemplate(f.ctx, tpl)
	require.NoError(t, err)
	assert.Len(t, updated.Steps, 1)
	got, err := f.engine.GetTemplate(f.ctx, tpl.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func TestTemplateCache(t *testing.T) {
	t.Run("SharedStorageReadsThrough", func(t *testing.T) {
		f := newFixture(t, func(s storage.Storage) storage.Storage { return &sharedStore{s} })
		tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})
		_, err := f.engine.GetTemplate(f.ctx, tpl.ID)
		require.NoError(t, err)

		// another instance edits the template behind this engine
		tpl.Name = "Risk Review v2"
		tpl.Steps = tpl.Steps[:1]
		require.NoError(t, f.mem.SaveTemplate(f.ctx, tpl))

		got, err := f.engine.GetTemplate(f.ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "Risk Review v2", got.Name)
		assert.Len(t, got.Steps, 1)
	})

	t.Run("MemoryStorageCaches", func(t *testing.T) {
		f := newFixture(t, nil)
		tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})
		_, err := f.engine.GetTemplate(f.ctx, tpl.ID)
		require.NoError(t, err)

		f.engine.mu.RLock()
		_, cached := f.engine.templates[tpl.ID]
		f.engine.mu.RUnlock()
		assert.True(t, cached)
	})
}

func TestStartProcess(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})

	proc := f.start(tpl)
	assert.Equal(t, 0, proc.Progress.StepIndex)
	assert.Empty(t, proc.Progress.Results)
	require.NotNil(t, proc.Progress.WorkflowTemplateID)
	assert.Equal(t, tpl.ID, *proc.Progress.WorkflowTemplateID)
	assert.Equal(t, "RISK-0001", proc.RefID)
	assert.Equal(t, "requester", proc.CreatedBy)

	stored, err := f.engine.GetProcess(f.ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, proc.RefID, stored.RefID)

	_, err = f.engine.StartProcess(f.ctx, tpl.ID, f.form.ID, types.Actor{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.StartProcess(f.ctx, 424242, f.form.ID, types.Actor{ID: "u"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.StartProcess(f.ctx, tpl.ID, 424242, types.Actor{ID: "u"})
	assert.ErrorIs(t, err, ErrNotFound)

	tpl.Active = false
	_, err = f.engine.RegisterTemplate(f.ctx, tpl)
	require.NoError(t, err)
	_, err = f.engine.StartProcess(f.ctx, tpl.ID, f.form.ID, types.Actor{ID: "u"})
	assert.ErrorIs(t, err, ErrTemplateInactive)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err = f.engine.StartProcess(ctx, tpl.ID, f.form.ID, types.Actor{ID: "u"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentStartProcessRefIDs(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})

	const n = 25
	refs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proc, err := f.engine.StartProcess(f.ctx, tpl.ID, f.form.ID, types.Actor{ID: fmt.Sprintf("u%d", i)})
			if assert.NoError(t, err) {
				refs[i] = proc.RefID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, ref := range refs {
		assert.False(t, seen[ref], "duplicate %s", ref)
		seen[ref] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("RISK-%04d", i)], "missing RISK-%04d", i)
	}
}

func TestEngineEvents(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})

	var mu sync.Mutex
	counts := make(map[string]int)
	var completed events.Event
	f.engine.SubscribeEvent(events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		counts[ev.Type]++
		if ev.Type == events.ProcessCompleted {
			completed = ev
		}
		return nil
	}), events.ProcessStarted, events.StepSubmitted, events.ProcessCompleted)

	proc := f.start(tpl)
	_, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), f.submission(types.DecisionApproved))
	require.NoError(t, err)
	_, err = f.engine.SubmitStep(f.ctx, proc.ID, f.actor("carl", "CRO"), f.submission(types.DecisionRejected))
	require.NoError(t, err)
	f.engine.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[events.ProcessStarted])
	assert.Equal(t, 2, counts[events.StepSubmitted])
	assert.Equal(t, 1, counts[events.ProcessCompleted])
	assert.Equal(t, proc.RefID, completed.RefID)
	assert.Equal(t, "CRO Approval", completed.StepTitle)
	assert.Equal(t, types.DecisionRejected, completed.Decision)
	assert.Equal(t, "Risk", completed.FormName)
}

func TestParseRejectPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want RejectPolicy
		err  bool
	}{
		{"", RejectAdvance, false},
		{"advance", RejectAdvance, false},
		{"loop_back", RejectLoopBack, false},
		{"end_on_reject", RejectHonorEndOnReject, false},
		{"bounce", RejectAdvance, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRejectPolicy(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.in != "" {
				assert.Equal(t, tt.in, got.String())
			}
		})
	}
}
