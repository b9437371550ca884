package types

import "time"

// Role is a named permission group independent of any single workflow.
type Role struct {
	ID   uint64 `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name string `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"` // e.g. "Risk Representative"
	Code string `json:"code" gorm:"type:varchar(20);uniqueIndex;not null"`  // e.g. "RR"
}

// TableName overrides the gorm table name.
func (Role) TableName() string { return "workflow_roles" }

// RoleAssignment grants a role to a user.
type RoleAssignment struct {
	UserID string `json:"user_id" gorm:"primaryKey;type:varchar(100)"`
	RoleID uint64 `json:"role_id" gorm:"primaryKey;autoIncrement:false"`
}

// TableName overrides the gorm table name.
func (RoleAssignment) TableName() string { return "user_workflow_roles" }

// WorkflowTemplate is an ordered, reusable definition of approval steps.
type WorkflowTemplate struct {
	ID     uint64         `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name   string         `json:"name" gorm:"type:varchar(200);not null"`
	Active bool           `json:"active"`
	Steps  []WorkflowStep `json:"steps" gorm:"foreignKey:TemplateID"`
}

// TableName overrides the gorm table name.
func (WorkflowTemplate) TableName() string { return "workflow_templates" }

// WorkflowStep is one stage of a template.
type WorkflowStep struct {
	ID         uint64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	TemplateID uint64  `json:"template_id" gorm:"index;not null"`
	Position   int     `json:"position" gorm:"not null;default:0"`
	Title      string  `json:"title" gorm:"type:varchar(200);not null"`
	RoleID     *uint64 `json:"role_id,omitempty"` // nil means unrestricted
	FormID     *uint64 `json:"form_id,omitempty"` // nil falls back to the process form
	// EndOnReject is only honoured under the RejectHonorEndOnReject policy.
	EndOnReject bool `json:"end_on_reject"`
	AutoClaim   bool `json:"auto_claim"`
}

// TableName overrides the gorm table name.
func (WorkflowStep) TableName() string { return "workflow_steps" }

// Form is an administrator-defined set of input fields.
type Form struct {
	ID           uint64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name         string      `json:"name" gorm:"type:varchar(200);not null"`
	Slug         string      `json:"slug" gorm:"type:varchar(64);uniqueIndex;not null"`
	NotifyEmails []string    `json:"notify_emails" gorm:"type:text;serializer:json"`
	Fields       []FormField `json:"fields" gorm:"foreignKey:FormID"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TableName overrides the gorm table name.
func (Form) TableName() string { return "forms" }

// Field returns the field with the given id.
func (f Form) Field(id uint64) (FormField, bool) {
	for _, ff := range f.Fields {
		if ff.ID == id {
			return ff, true
		}
	}
	return FormField{}, false
}

// FormField is a single typed input of a form. Fields are identified by ID, never by label.
type FormField struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	FormID    uint64    `json:"form_id" gorm:"index;not null"`
	Label     string    `json:"label" gorm:"type:varchar(200);not null"`
	Kind      FieldKind `json:"kind" gorm:"type:varchar(20);not null"`
	Required  bool      `json:"required"`
	MaxLength int       `json:"max_length,omitempty"`
	Choices   []string  `json:"choices,omitempty" gorm:"type:text;serializer:json"`
	HelpText  string    `json:"help_text,omitempty" gorm:"type:varchar(300)"`
	Order     int       `json:"order" gorm:"column:sort_order;default:0"`
	// Constraint is an optional boolean expression evaluated against the submitted value.
	Constraint string `json:"constraint,omitempty" gorm:"type:varchar(500)"`
}

// TableName overrides the gorm table name.
func (FormField) TableName() string { return "form_fields" }

// FormEntry is one persisted submission of a form.
type FormEntry struct {
	ID          uint64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	FormID      uint64           `json:"form_id" gorm:"index;not null"`
	SubmittedBy *string          `json:"submitted_by,omitempty" gorm:"type:varchar(100)"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Values      []FormEntryValue `json:"values" gorm:"foreignKey:EntryID"`
}

// TableName overrides the gorm table name.
func (FormEntry) TableName() string { return "form_entries" }

// FormEntryValue holds one answer. File-typed fields use File, all others Text.
type FormEntryValue struct {
	ID      uint64 `json:"id" gorm:"primaryKey;autoIncrement:false"`
	EntryID uint64 `json:"entry_id" gorm:"index;not null"`
	FieldID uint64 `json:"field_id" gorm:"index;not null"`
	Text    string `json:"value_text,omitempty" gorm:"column:value_text;type:text"`
	File    string `json:"value_file,omitempty" gorm:"column:value_file;type:varchar(500)"`
}

// TableName overrides the gorm table name.
func (FormEntryValue) TableName() string { return "form_entry_values" }

// ReferenceCounter is the per-form sequence behind reference IDs.
type ReferenceCounter struct {
	FormID       uint64 `json:"form_id" gorm:"primaryKey;autoIncrement:false"`
	NextSequence int64  `json:"next_sequence" gorm:"not null"`
}

// TableName overrides the gorm table name.
func (ReferenceCounter) TableName() string { return "form_counters" }

// Process is a single ticket executing a workflow template.
type Process struct {
	ID        uint64    `json:"id"`
	FormID    uint64    `json:"form_id"`
	RefID     string    `json:"ref_id"`
	CreatedBy string    `json:"created_by,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Progress  Progress  `json:"progress"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with p.
func (p Process) Clone() Process {
	p.Progress = p.Progress.Clone()
	return p
}

// Actor is the identity acting on the engine. An empty ID is the anonymous actor.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Anonymous reports whether the actor is unauthenticated.
func (a Actor) Anonymous() bool {
	return a.ID == ""
}

// Name returns the display identity recorded in result logs.
func (a Actor) Name() string {
	if a.Username != "" {
		return a.Username
	}
	return a.ID
}
