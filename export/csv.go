// Package export renders form entries and process histories as CSV.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/types"
)

// Source reads the data behind a form export.
type Source interface {
	GetForm(ctx context.Context, id uint64) (types.Form, error)
	ListEntries(ctx context.Context, formID uint64) ([]types.FormEntry, error)
}

// FormEntries writes one row per entry of a form, with one column per field in form order.
// File answers are written as their stored reference.
func FormEntries(ctx context.Context, w io.Writer, src Source, formID uint64) error {
	form, err := src.GetForm(ctx, formID)
	if err != nil {
		return err
	}
	binding, err := forms.Bind(form)
	if err != nil {
		return err
	}
	entries, err := src.ListEntries(ctx, formID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"Entry ID", "Submitted By", "Submitted At"}
	for _, d := range binding.Descriptors {
		header = append(header, d.Field.Label)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		values := make(map[uint64]string, len(e.Values))
		for _, v := range e.Values {
			if v.File != "" {
				values[v.FieldID] = v.File
			} else {
				values[v.FieldID] = v.Text
			}
		}
		by := ""
		if e.SubmittedBy != nil {
			by = *e.SubmittedBy
		}
		row := []string{strconv.FormatUint(e.ID, 10), by, e.SubmittedAt.UTC().Format(time.RFC3339)}
		for _, d := range binding.Descriptors {
			row = append(row, values[d.Field.ID])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write export of form %s: %w", form.Slug, err)
	}
	return nil
}

// ProcessResults writes the result log of a process in execution order.
func ProcessResults(w io.Writer, proc types.Process) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Ref", "Step", "Role", "Decision", "Comment", "Actor", "Acted At"}); err != nil {
		return err
	}
	for _, r := range proc.Progress.Results {
		role := ""
		if r.RoleName != nil {
			role = *r.RoleName
		}
		row := []string{proc.RefID, r.StepTitle, role, string(r.Decision), r.Comment, r.Actor, r.ActedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
