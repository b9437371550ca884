package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldKind(t *testing.T) {
	tests := []struct {
		tag  string
		want FieldKind
	}{
		{"text", FieldText},
		{"long_text", FieldLongText},
		{"textarea", FieldLongText},
		{"choice", FieldChoice},
		{"select", FieldChoice},
		{"file", FieldFile},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseFieldKind(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseFieldKind("checkbox")
	assert.Error(t, err)

	t.Run("JSON uses canonical tags", func(t *testing.T) {
		data, err := json.Marshal(FormField{ID: 1, Label: "Notes", Kind: FieldLongText})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"kind":"long_text"`)

		var ff FormField
		require.NoError(t, json.Unmarshal([]byte(`{"id":2,"kind":"select"}`), &ff))
		assert.Equal(t, FieldChoice, ff.Kind)
	})

	t.Run("Zero kind does not marshal", func(t *testing.T) {
		_, err := json.Marshal(FormField{ID: 1})
		assert.Error(t, err)
	})
}

func TestDecodeProgress(t *testing.T) {
	t.Run("Valid document", func(t *testing.T) {
		p, err := DecodeProgress([]byte(`{"workflow_template_id":7,"step_index":1,"results":[{"step_title":"RR Review","role_name":"RR","decision":"approved","comment":"","actor":"alice","acted_at":"2024-01-02T03:04:05Z"}]}`))
		require.NoError(t, err)
		require.NotNil(t, p.WorkflowTemplateID)
		assert.Equal(t, uint64(7), *p.WorkflowTemplateID)
		assert.Equal(t, 1, p.StepIndex)
		assert.Len(t, p.Results, 1)
	})

	t.Run("Unknown keys are rejected", func(t *testing.T) {
		_, err := DecodeProgress([]byte(`{"wf_id":7,"wf_step":0}`))
		assert.ErrorIs(t, err, ErrInvalidProgress)
	})

	t.Run("Negative index is rejected", func(t *testing.T) {
		_, err := DecodeProgress([]byte(`{"workflow_template_id":null,"step_index":-1,"results":[]}`))
		assert.ErrorIs(t, err, ErrInvalidProgress)
	})

	t.Run("Unknown decision is rejected", func(t *testing.T) {
		_, err := DecodeProgress([]byte(`{"workflow_template_id":1,"step_index":1,"results":[{"decision":"sent_back"}]}`))
		assert.ErrorIs(t, err, ErrInvalidProgress)
	})

	t.Run("Missing results become empty", func(t *testing.T) {
		p, err := DecodeProgress([]byte(`{"workflow_template_id":null,"step_index":0}`))
		require.NoError(t, err)
		assert.NotNil(t, p.Results)
		assert.Empty(t, p.Results)
	})
}

func TestProgressClone(t *testing.T) {
	id := uint64(3)
	p := Progress{WorkflowTemplateID: &id, Results: []StepResult{{StepTitle: "a", Decision: DecisionApproved}}}
	c := p.Clone()
	c.Results[0].StepTitle = "b"
	*c.WorkflowTemplateID = 4
	assert.Equal(t, "a", p.Results[0].StepTitle)
	assert.Equal(t, uint64(3), *p.WorkflowTemplateID)
}

func TestActor(t *testing.T) {
	assert.True(t, Actor{}.Anonymous())
	assert.False(t, Actor{ID: "u1"}.Anonymous())
	assert.Equal(t, "alice", Actor{ID: "u1", Username: "alice"}.Name())
	assert.Equal(t, "u1", Actor{ID: "u1"}.Name())
}
