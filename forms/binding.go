package forms

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/songzhibin97/ticketflow/rules"
	"github.com/songzhibin97/ticketflow/types"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError identifies the offending field of a rejected submission.
type ValidationError struct {
	FieldID uint64
	Label   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.FieldID == 0 && e.Label == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: field %d (%s): %s", e.FieldID, e.Label, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Control is the input widget a field renders as.
type Control int

const (
	ControlTextInput Control = iota + 1
	ControlTextArea
	ControlSelect
	ControlFileUpload
)

func (c Control) String() string {
	switch c {
	case ControlTextInput:
		return "text_input"
	case ControlTextArea:
		return "text_area"
	case ControlSelect:
		return "select"
	case ControlFileUpload:
		return "file_upload"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c Control) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Descriptor describes one bound field.
type Descriptor struct {
	Key     string          `json:"key"`
	Field   types.FormField `json:"field"`
	Control Control         `json:"control"`
}

// Upload is a file answer waiting to be stored.
type Upload struct {
	Filename string
	Content  io.Reader
}

// Answer is the raw submitted value of a field.
type Answer struct {
	Text string
	File *Upload
}

// TextAnswer builds a text answer.
func TextAnswer(s string) Answer { return Answer{Text: s} }

// FileAnswer builds a file answer.
func FileAnswer(name string, r io.Reader) Answer {
	return Answer{File: &Upload{Filename: name, Content: r}}
}

// Cleaned is a validated answer ready to persist.
type Cleaned struct {
	Field  types.FormField
	Text   string
	Upload *Upload
}

// Binding is the ordered set of descriptors of a form.
type Binding struct {
	Form        types.Form
	Descriptors []Descriptor
}

// Key returns the payload key of a field.
func Key(fieldID uint64) string {
	return strconv.FormatUint(fieldID, 10)
}

// ControlFor maps a field kind to its control.
func ControlFor(kind types.FieldKind) (Control, error) {
	switch kind {
	case types.FieldText:
		return ControlTextInput, nil
	case types.FieldLongText:
		return ControlTextArea, nil
	case types.FieldChoice:
		return ControlSelect, nil
	case types.FieldFile:
		return ControlFileUpload, nil
	}
	return 0, fmt.Errorf("unsupported field kind %v", kind)
}

// Bind orders the fields of form by (order, id) and describes each one.
func Bind(form types.Form) (Binding, error) {
	fields := make([]types.FormField, len(form.Fields))
	copy(fields, form.Fields)
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].Order != fields[j].Order {
			return fields[i].Order < fields[j].Order
		}
		return fields[i].ID < fields[j].ID
	})

	b := Binding{Form: form, Descriptors: make([]Descriptor, 0, len(fields))}
	for _, ff := range fields {
		ctl, err := ControlFor(ff.Kind)
		if err != nil {
			return Binding{}, fmt.Errorf("form %s field %d: %w", form.Slug, ff.ID, err)
		}
		b.Descriptors = append(b.Descriptors, Descriptor{Key: Key(ff.ID), Field: ff, Control: ctl})
	}
	return b, nil
}

// Validate checks answers against the binding and returns them in field order.
// Keys that do not belong to the form are rejected. A nil evaluator skips
// constraint expressions.
func (b Binding) Validate(answers map[string]Answer, eval rules.Evaluator) ([]Cleaned, error) {
	known := make(map[string]struct{}, len(b.Descriptors))
	for _, d := range b.Descriptors {
		known[d.Key] = struct{}{}
	}
	for key := range answers {
		if _, ok := known[key]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown field %q", key)}
		}
	}

	cleaned := make([]Cleaned, 0, len(answers))
	for _, d := range b.Descriptors {
		ff := d.Field
		ans, present := answers[d.Key]

		switch ff.Kind {
		case types.FieldFile:
			if present && ans.Text != "" {
				return nil, invalid(ff, "expected a file upload")
			}
			if !present || ans.File == nil {
				if ff.Required {
					return nil, invalid(ff, "this field is required")
				}
				continue
			}
			cleaned = append(cleaned, Cleaned{Field: ff, Upload: ans.File})

		case types.FieldText, types.FieldLongText, types.FieldChoice:
			if present && ans.File != nil {
				return nil, invalid(ff, "unexpected file upload")
			}
			if !present || ans.Text == "" {
				if ff.Required {
					return nil, invalid(ff, "this field is required")
				}
				if present {
					cleaned = append(cleaned, Cleaned{Field: ff})
				}
				continue
			}
			if err := checkText(ff, ans.Text, eval); err != nil {
				return nil, err
			}
			cleaned = append(cleaned, Cleaned{Field: ff, Text: ans.Text})

		default:
			return nil, invalid(ff, fmt.Sprintf("unsupported field kind %v", ff.Kind))
		}
	}
	return cleaned, nil
}

func checkText(ff types.FormField, value string, eval rules.Evaluator) error {
	switch ff.Kind {
	case types.FieldText:
		if ff.MaxLength > 0 && utf8.RuneCountInString(value) > ff.MaxLength {
			return invalid(ff, fmt.Sprintf("ensure this value has at most %d characters", ff.MaxLength))
		}
	case types.FieldChoice:
		if len(ff.Choices) > 0 && !contains(ff.Choices, value) {
			return invalid(ff, fmt.Sprintf("%q is not one of the available choices", value))
		}
	}
	if ff.Constraint == "" || eval == nil {
		return nil
	}
	ok, err := eval.Evaluate(ff.Constraint, map[string]interface{}{"value": value})
	if err != nil {
		return invalid(ff, fmt.Sprintf("constraint error: %v", err))
	}
	if !ok {
		return invalid(ff, "value does not satisfy constraint")
	}
	return nil
}

func invalid(ff types.FormField, reason string) *ValidationError {
	return &ValidationError{FieldID: ff.ID, Label: ff.Label, Reason: reason}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
