package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
)

// RefIDGenerator produces PREFIX-NNNN identifiers from per-form counters.
type RefIDGenerator struct {
	store   storage.Storage
	timeout time.Duration
}

// NewRefIDGenerator creates a generator. A positive timeout bounds each counter increment.
func NewRefIDGenerator(store storage.Storage, timeout time.Duration) *RefIDGenerator {
	return &RefIDGenerator{store: store, timeout: timeout}
}

// Prefix derives the reference prefix of a form from its slug, falling back to its name.
func Prefix(form types.Form) string {
	s := form.Slug
	if s == "" {
		s = forms.Slugify(form.Name)
	}
	if s == "" {
		s = "form"
	}
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "risk"):
		return "RISK"
	case strings.HasPrefix(s, "control"), strings.HasPrefix(s, "ctrl"):
		return "CTRL"
	}
	r := []rune(s)
	if len(r) > 4 {
		r = r[:4]
	}
	return strings.ToUpper(string(r))
}

// Next increments the form's counter and formats the reference.
func (g *RefIDGenerator) Next(ctx context.Context, form types.Form) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	seq, err := g.store.NextSequence(ctx, form.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", Prefix(form), seq), nil
}

// Assign sets proc.RefID unless it already has one.
func (g *RefIDGenerator) Assign(ctx context.Context, proc *types.Process, form types.Form) error {
	if proc.RefID != "" {
		return nil
	}
	ref, err := g.Next(ctx, form)
	if err != nil {
		return err
	}
	proc.RefID = ref
	return nil
}
