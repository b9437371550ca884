package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barrierStorage holds every GetProcess caller until n of them have read,
// so concurrent submitters all start from the same version.
type barrierStorage struct {
	storage.Storage
	n       int32
	armed   atomic.Bool
	arrived atomic.Int32
	release chan struct{}
}

func (b *barrierStorage) GetProcess(ctx context.Context, id uint64) (types.Process, error) {
	p, err := b.Storage.GetProcess(ctx, id)
	if b.armed.Load() {
		if b.arrived.Add(1) == b.n {
			close(b.release)
		}
		<-b.release
	}
	return p, err
}

func TestCurrentStepIsDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.roles["RR"].ID
	tpl, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:   "Duplicated",
		Active: true,
		Steps: []types.WorkflowStep{
			{ID: 5000, Position: 0, Title: "second by id", RoleID: &rr},
			{ID: 4000, Position: 0, Title: "first by id", RoleID: &rr},
			{ID: 6000, Position: 1, Title: "next"},
		},
	})
	require.NoError(t, err)
	proc := f.start(tpl)

	for i := 0; i < 5; i++ {
		step, ok, err := f.engine.CurrentStep(f.ctx, *proc)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(4000), step.ID)
	}
}

func TestCurrentStepWithoutWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	proc := types.Process{ID: 777, FormID: f.form.ID, RefID: "RISK-0777"}
	require.NoError(t, f.mem.CreateProcess(f.ctx, proc))

	_, _, err := f.engine.CurrentStep(f.ctx, proc)
	assert.ErrorIs(t, err, ErrNoWorkflowSelected)
	assert.False(t, f.engine.Authorize(f.ctx, proc, types.Actor{ID: "root", IsAdmin: true}))

	_, err = f.engine.SubmitStep(f.ctx, proc.ID, types.Actor{ID: "root", IsAdmin: true}, f.submission(types.DecisionApproved))
	assert.ErrorIs(t, err, ErrNoWorkflowSelected)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "Open", ""})
	proc := f.start(tpl)

	rr := f.actor("rita", "RR")
	cro := f.actor("carl", "CRO")
	admin := types.Actor{ID: "root", IsAdmin: true}

	assert.True(t, f.engine.Authorize(f.ctx, *proc, rr))
	assert.False(t, f.engine.Authorize(f.ctx, *proc, cro))
	assert.True(t, f.engine.Authorize(f.ctx, *proc, admin))
	assert.False(t, f.engine.Authorize(f.ctx, *proc, types.Actor{}))

	next, err := f.engine.SubmitStep(f.ctx, proc.ID, rr, f.submission(types.DecisionApproved))
	require.NoError(t, err)
	assert.True(t, f.engine.Authorize(f.ctx, *next, cro), "unrestricted step admits any authenticated actor")
	assert.False(t, f.engine.Authorize(f.ctx, *next, types.Actor{}))
}

func TestSubmitStepAdvancesByOne(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Chain", stepDef{0, "One", ""}, stepDef{1, "Two", ""}, stepDef{2, "Three", ""})
	proc := f.start(tpl)
	actor := f.actor("sam")

	for i := 0; i < 3; i++ {
		before, err := f.engine.GetProcess(f.ctx, proc.ID)
		require.NoError(t, err)

		after, err := f.engine.SubmitStep(f.ctx, proc.ID, actor, f.submission(types.DecisionApproved))
		require.NoError(t, err)
		assert.Equal(t, before.Progress.StepIndex+1, after.Progress.StepIndex)
		assert.Len(t, after.Progress.Results, len(before.Progress.Results)+1)
		assert.Equal(t, before.Version+1, after.Version)

		stored, err := f.engine.GetProcess(f.ctx, proc.ID)
		require.NoError(t, err)
		assert.Equal(t, after.Progress, stored.Progress)
	}
}

func TestSubmitStepIsNotIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Chain", stepDef{0, "One", ""}, stepDef{1, "Two", ""}, stepDef{2, "Three", ""})
	proc := f.start(tpl)
	actor := f.actor("sam")
	sub := f.submission(types.DecisionApproved)

	_, err := f.engine.SubmitStep(f.ctx, proc.ID, actor, sub)
	require.NoError(t, err)
	got, err := f.engine.SubmitStep(f.ctx, proc.ID, actor, sub)
	require.NoError(t, err)

	assert.Equal(t, 2, got.Progress.StepIndex)
	require.Len(t, got.Progress.Results, 2)
	assert.Equal(t, "One", got.Progress.Results[0].StepTitle)
	assert.Equal(t, "Two", got.Progress.Results[1].StepTitle)

	entries, err := f.mem.ListEntries(f.ctx, f.form.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSubmitStepForbidden(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})
	proc := f.start(tpl)

	for _, actor := range []types.Actor{f.actor("carl", "CRO"), f.actor("nobody"), {}} {
		_, err := f.engine.SubmitStep(f.ctx, proc.ID, actor, f.submission(types.DecisionApproved))
		assert.ErrorIs(t, err, ErrForbidden, "actor %q", actor.ID)
	}

	stored, err := f.engine.GetProcess(f.ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Progress.StepIndex)
	assert.Empty(t, stored.Progress.Results)

	admin := types.Actor{ID: "root", Username: "admin", IsAdmin: true}
	for i := 0; i < 2; i++ {
		_, err := f.engine.SubmitStep(f.ctx, proc.ID, admin, f.submission(types.DecisionApproved))
		require.NoError(t, err)
	}
	stored, err = f.engine.GetProcess(f.ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Progress.StepIndex)
	assert.Equal(t, "admin", stored.Progress.Results[1].Actor)
}

func TestCompletionAfterExactlyThreeSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Three", stepDef{0, "RR", "RR"}, stepDef{1, "RC", "RC"}, stepDef{2, "RA", "RA"})
	proc := f.start(tpl)
	actors := []types.Actor{f.actor("r1", "RR"), f.actor("r2", "RC"), f.actor("r3", "RA")}

	for i, actor := range actors {
		status, err := f.engine.Status(f.ctx, mustProcess(t, f, proc.ID))
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, status, "before submission %d", i+1)

		_, err = f.engine.SubmitStep(f.ctx, proc.ID, actor, f.submission(types.DecisionApproved))
		require.NoError(t, err)
	}

	final := mustProcess(t, f, proc.ID)
	status, err := f.engine.Status(f.ctx, final)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Len(t, final.Progress.Results, 3)

	_, err = f.engine.SubmitStep(f.ctx, proc.ID, types.Actor{ID: "root", IsAdmin: true}, f.submission(types.DecisionApproved))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Len(t, mustProcess(t, f, proc.ID).Progress.Results, 3)
}

func mustProcess(t *testing.T, f *fixture, id uint64) types.Process {
	t.Helper()
	p, err := f.engine.GetProcess(f.ctx, id)
	require.NoError(t, err)
	return *p
}

func TestRiskReviewScenario(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})
	proc := f.start(tpl)
	assert.Equal(t, 0, proc.Progress.StepIndex)

	after, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), f.submission(types.DecisionApproved))
	require.NoError(t, err)
	assert.Equal(t, 1, after.Progress.StepIndex)
	require.Len(t, after.Progress.Results, 1)
	first := after.Progress.Results[0]
	assert.Equal(t, "RR Review", first.StepTitle)
	require.NotNil(t, first.RoleName)
	assert.Equal(t, "Risk Representative", *first.RoleName)
	assert.Equal(t, types.DecisionApproved, first.Decision)
	assert.Equal(t, "rita", first.Actor)
	assert.Equal(t, "looks fine", first.Comment)

	sub := f.submission(types.DecisionRejected)
	sub.Comment = "insufficient evidence"
	after, err = f.engine.SubmitStep(f.ctx, proc.ID, f.actor("carl", "CRO"), sub)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Progress.StepIndex)
	require.Len(t, after.Progress.Results, 2)
	assert.Equal(t, types.DecisionRejected, after.Progress.Results[1].Decision)
	assert.Equal(t, "insufficient evidence", after.Progress.Results[1].Comment)

	_, ok, err := f.engine.CurrentStep(f.ctx, *after)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRiskReviewRejectsNonRepresentative(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})
	proc := f.start(tpl)

	_, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("carl", "CRO"), f.submission(types.DecisionApproved))
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, mustProcess(t, f, proc.ID).Progress.StepIndex)
}

func TestConcurrentSubmissionsConflict(t *testing.T) {
	var barrier *barrierStorage
	f := newFixture(t, func(s storage.Storage) storage.Storage {
		barrier = &barrierStorage{Storage: s, n: 2, release: make(chan struct{})}
		return barrier
	})
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"}, stepDef{1, "CRO Approval", "CRO"})
	proc := f.start(tpl)
	actors := []types.Actor{f.actor("rita", "RR"), f.actor("ravi", "RR")}

	barrier.armed.Store(true)
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor types.Actor) {
			defer wg.Done()
			_, errs[i] = f.engine.SubmitStep(f.ctx, proc.ID, actor, f.submission(types.DecisionApproved))
		}(i, actor)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	stored, err := f.mem.GetProcess(f.ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Progress.StepIndex)
	assert.Len(t, stored.Progress.Results, 1)

	entries, err := f.mem.ListEntries(f.ctx, f.form.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSubmitStepValidationWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})
	proc := f.start(tpl)
	rr := f.actor("rita", "RR")

	tests := []struct {
		name    string
		sub     Submission
		fieldID string
	}{
		{
			name: "missing required",
			sub: Submission{Decision: types.DecisionApproved, Answers: map[string]forms.Answer{
				f.key("Severity"): forms.TextAnswer("Low"),
			}},
			fieldID: f.key("Title"),
		},
		{
			name: "too long",
			sub: Submission{Decision: types.DecisionApproved, Answers: map[string]forms.Answer{
				f.key("Title"):    forms.TextAnswer(strings.Repeat("x", 21)),
				f.key("Severity"): forms.TextAnswer("Low"),
			}},
			fieldID: f.key("Title"),
		},
		{
			name: "unknown choice",
			sub: Submission{Decision: types.DecisionApproved, Answers: map[string]forms.Answer{
				f.key("Title"):    forms.TextAnswer("ok"),
				f.key("Severity"): forms.TextAnswer("Extreme"),
			}},
			fieldID: f.key("Severity"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitStep(f.ctx, proc.ID, rr, tt.sub)
			require.ErrorIs(t, err, ErrValidation)
			var verr *forms.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.fieldID, forms.Key(verr.FieldID))
		})
	}

	sub := f.submission("maybe")
	_, err := f.engine.SubmitStep(f.ctx, proc.ID, rr, sub)
	assert.ErrorIs(t, err, ErrInvalidDecision)
	assert.ErrorIs(t, err, ErrValidation)

	stored := mustProcess(t, f, proc.ID)
	assert.Equal(t, 0, stored.Progress.StepIndex)
	assert.Empty(t, stored.Progress.Results)
	entries, err := f.mem.ListEntries(f.ctx, f.form.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitStepPersistsEntry(t *testing.T) {
	f := newFixture(t, nil)
	review, err := f.engine.RegisterForm(f.ctx, types.Form{
		Name:   "CRO Sign-off",
		Fields: []types.FormField{{Label: "Rationale", Kind: types.FieldLongText, Required: true}},
	})
	require.NoError(t, err)

	rr := f.roles["RR"].ID
	tpl, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:   "Two forms",
		Active: true,
		Steps: []types.WorkflowStep{
			{Position: 0, Title: "Intake", RoleID: &rr},
			{Position: 1, Title: "Sign-off", FormID: &review.ID},
		},
	})
	require.NoError(t, err)
	proc := f.start(tpl)

	_, err = f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), f.submission(types.DecisionApproved))
	require.NoError(t, err)
	entries, err := f.mem.ListEntries(f.ctx, f.form.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].SubmittedBy)
	assert.Equal(t, "rita", *entries[0].SubmittedBy)
	texts := make(map[string]string)
	for _, v := range entries[0].Values {
		texts[forms.Key(v.FieldID)] = v.Text
	}
	assert.Equal(t, "Vendor outage", texts[f.key("Title")])
	assert.Equal(t, "High", texts[f.key("Severity")])

	rationale := forms.Key(review.Fields[0].ID)
	_, err = f.engine.SubmitStep(f.ctx, proc.ID, f.actor("carl"), Submission{
		Decision: types.DecisionApproved,
		Answers:  map[string]forms.Answer{rationale: forms.TextAnswer("accepted residual risk")},
	})
	require.NoError(t, err)
	signoffs, err := f.mem.ListEntries(f.ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, signoffs, 1)
	assert.Equal(t, "accepted residual risk", signoffs[0].Values[0].Text)
}

func TestSubmitStepFileAnswers(t *testing.T) {
	t.Run("stored", func(t *testing.T) {
		files := newMemFiles()
		f := newFixture(t, nil, WithFileStore(files))
		tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})
		proc := f.start(tpl)

		sub := f.submission(types.DecisionApproved)
		sub.Answers[f.key("Evidence")] = forms.FileAnswer("report.pdf", strings.NewReader("%PDF"))
		_, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), sub)
		require.NoError(t, err)

		entries, err := f.mem.ListEntries(f.ctx, f.form.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		var ref string
		for _, v := range entries[0].Values {
			if forms.Key(v.FieldID) == f.key("Evidence") {
				ref = v.File
				assert.Empty(t, v.Text)
			}
		}
		require.NotEmpty(t, ref)
		assert.Equal(t, "%PDF", files.blobs[ref])
	})

	t.Run("no file store", func(t *testing.T) {
		f := newFixture(t, nil)
		tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})
		proc := f.start(tpl)

		sub := f.submission(types.DecisionApproved)
		sub.Answers[f.key("Evidence")] = forms.FileAnswer("report.pdf", strings.NewReader("%PDF"))
		_, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), sub)
		assert.ErrorIs(t, err, ErrNoFileStore)
		assert.Empty(t, mustProcess(t, f, proc.ID).Progress.Results)
	})

	t.Run("removed when commit fails", func(t *testing.T) {
		files := newMemFiles()
		f := newFixture(t, func(s storage.Storage) storage.Storage {
			return &failingCommit{Storage: s, err: storage.ErrConflict}
		}, WithFileStore(files))
		tpl := f.template("Risk Review", stepDef{0, "RR Review", "RR"})
		proc := f.start(tpl)

		sub := f.submission(types.DecisionApproved)
		sub.Answers[f.key("Evidence")] = forms.FileAnswer("report.pdf", strings.NewReader("%PDF"))
		_, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), sub)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Empty(t, files.blobs)
		assert.Len(t, files.deleted, 1)
	})
}

func TestRejectPolicies(t *testing.T) {
	build := func(t *testing.T, p RejectPolicy) (*fixture, *types.Process) {
		f := newFixture(t, nil, WithRejectPolicy(p))
		rr := f.roles["RR"].ID
		tpl, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
			Name:   "Policy",
			Active: true,
			Steps: []types.WorkflowStep{
				{Position: 0, Title: "Gate", RoleID: &rr, EndOnReject: true},
				{Position: 1, Title: "Review"},
				{Position: 2, Title: "Close"},
			},
		})
		require.NoError(t, err)
		return f, f.start(tpl)
	}

	t.Run("advance", func(t *testing.T) {
		f, proc := build(t, RejectAdvance)
		got, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), f.submission(types.DecisionRejected))
		require.NoError(t, err)
		assert.Equal(t, 1, got.Progress.StepIndex)
	})

	t.Run("loop back", func(t *testing.T) {
		f, proc := build(t, RejectLoopBack)
		rr := f.actor("rita", "RR")
		got, err := f.engine.SubmitStep(f.ctx, proc.ID, rr, f.submission(types.DecisionRejected))
		require.NoError(t, err)
		assert.Equal(t, 0, got.Progress.StepIndex)
		assert.Len(t, got.Progress.Results, 1)

		got, err = f.engine.SubmitStep(f.ctx, proc.ID, rr, f.submission(types.DecisionApproved))
		require.NoError(t, err)
		assert.Equal(t, 1, got.Progress.StepIndex)
	})

	t.Run("end on reject", func(t *testing.T) {
		f, proc := build(t, RejectHonorEndOnReject)
		got, err := f.engine.SubmitStep(f.ctx, proc.ID, f.actor("rita", "RR"), f.submission(types.DecisionRejected))
		require.NoError(t, err)
		assert.Equal(t, 3, got.Progress.StepIndex)
		status, err := f.engine.Status(f.ctx, *got)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, status)
	})
}

func TestClaim(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.roles["RR"].ID
	tpl, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:   "Claimable",
		Active: true,
		Steps: []types.WorkflowStep{
			{Position: 0, Title: "Triage", RoleID: &rr, AutoClaim: true},
			{Position: 1, Title: "Review", RoleID: &rr},
		},
	})
	require.NoError(t, err)
	proc := f.start(tpl)
	rita, ravi := f.actor("rita", "RR"), f.actor("ravi", "RR")

	ok, err := f.engine.Claim(f.ctx, proc.ID, rita)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.engine.Claim(f.ctx, proc.ID, rita)
	require.NoError(t, err)
	assert.True(t, ok, "re-claiming is a no-op for the owner")
	ok, err = f.engine.Claim(f.ctx, proc.ID, ravi)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.engine.Claim(f.ctx, proc.ID, f.actor("carl", "CRO"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.SubmitStep(f.ctx, proc.ID, ravi, f.submission(types.DecisionApproved))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.engine.Release(f.ctx, proc.ID, ravi), ErrForbidden)

	got, err := f.engine.SubmitStep(f.ctx, proc.ID, rita, f.submission(types.DecisionApproved))
	require.NoError(t, err)
	assert.Empty(t, got.Owner)

	ok, err = f.engine.Claim(f.ctx, proc.ID, ravi)
	require.NoError(t, err)
	assert.False(t, ok, "review step is not auto-claimable")
}

func TestRelease(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.roles["RR"].ID
	tpl, err := f.engine.RegisterTemplate(f.ctx, types.WorkflowTemplate{
		Name:   "Claimable",
		Active: true,
		Steps:  []types.WorkflowStep{{Position: 0, Title: "Triage", RoleID: &rr, AutoClaim: true}},
	})
	require.NoError(t, err)
	proc := f.start(tpl)
	rita, ravi := f.actor("rita", "RR"), f.actor("ravi", "RR")

	ok, err := f.engine.Claim(f.ctx, proc.ID, rita)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.engine.Release(f.ctx, proc.ID, types.Actor{ID: "root", IsAdmin: true}))
	assert.Empty(t, mustProcess(t, f, proc.ID).Owner)

	ok, err = f.engine.Claim(f.ctx, proc.ID, ravi)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, f.engine.Release(f.ctx, proc.ID, ravi))
	require.NoError(t, f.engine.Release(f.ctx, proc.ID, ravi))
}
