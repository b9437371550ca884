package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decision is the outcome recorded for a step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is approved or rejected.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ErrInvalidProgress is returned when a stored progress document fails validation.
var ErrInvalidProgress = errors.New("invalid progress document")

// Progress is the cursor document of a process.
type Progress struct {
	WorkflowTemplateID *uint64      `json:"workflow_template_id"`
	StepIndex          int          `json:"step_index"`
	Results            []StepResult `json:"results"`
}

// StepResult is one append-only entry of the result log.
type StepResult struct {
	StepTitle string    `json:"step_title"`
	RoleName  *string   `json:"role_name"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment"`
	Actor     string    `json:"actor"`
	ActedAt   time.Time `json:"acted_at"`
}

// Clone returns a deep copy of p.
func (p Progress) Clone() Progress {
	if p.WorkflowTemplateID != nil {
		id := *p.WorkflowTemplateID
		p.WorkflowTemplateID = &id
	}
	if p.Results != nil {
		results := make([]StepResult, len(p.Results))
		copy(results, p.Results)
		p.Results = results
	}
	return p
}

// Validate checks the invariants of the document.
func (p Progress) Validate() error {
	if p.StepIndex < 0 {
		return fmt.Errorf("%w: negative step_index %d", ErrInvalidProgress, p.StepIndex)
	}
	for i, r := range p.Results {
		if !r.Decision.Valid() {
			return fmt.Errorf("%w: result %d has decision %q", ErrInvalidProgress, i, r.Decision)
		}
	}
	return nil
}

// DecodeProgress strictly decodes and validates a stored progress document.
func DecodeProgress(data []byte) (Progress, error) {
	var p Progress
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Progress{}, fmt.Errorf("%w: %v", ErrInvalidProgress, err)
	}
	if err := p.Validate(); err != nil {
		return Progress{}, err
	}
	if p.Results == nil {
		p.Results = []StepResult{}
	}
	return p, nil
}

// EncodeProgress validates and encodes a progress document.
func EncodeProgress(p Progress) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Results == nil {
		p.Results = []StepResult{}
	}
	return json.Marshal(p)
}
