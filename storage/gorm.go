package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/songzhibin97/ticketflow/types"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// GormOptions configures the SQL backend.
type GormOptions struct {
	Driver          string // mysql / postgres / sqlite
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormLogger.LogLevel
}

// GormStorage is a relational implementation of the Storage interface.
type GormStorage struct {
	db *gorm.DB
}

// processRecord is the row shape of a process; progress is a JSON column.
type processRecord struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement:false"`
	FormID    uint64         `gorm:"index;not null"`
	RefID     *string        `gorm:"type:varchar(32);uniqueIndex"`
	CreatedBy string         `gorm:"type:varchar(100)"`
	Owner     string         `gorm:"type:varchar(100)"`
	Progress  datatypes.JSON `gorm:"not null"`
	Version   int64          `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (processRecord) TableName() string { return "dynamic_ticket_processes" }

// OpenGorm connects to the configured database.
func OpenGorm(opts GormOptions) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(opts.DSN)
	case "mysql", "":
		dialector = mysql.Open(opts.DSN)
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", opts.Driver)
	}

	level := opts.LogLevel
	if level == 0 {
		level = gormLogger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewGormStorage(db), nil
}

// NewGormStorage wraps an open connection.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// AutoMigrate creates or updates every table.
func (s *GormStorage) AutoMigrate() error {
	return s.db.AutoMigrate(
		&types.Role{},
		&types.RoleAssignment{},
		&types.WorkflowTemplate{},
		&types.WorkflowStep{},
		&types.Form{},
		&types.FormField{},
		&types.FormEntry{},
		&types.FormEntryValue{},
		&types.ReferenceCounter{},
		&processRecord{},
	)
}

// Close closes the underlying pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	}
	return err
}

var upsert = clause.OnConflict{UpdateAll: true}

// SaveRole saves a role.
func (s *GormStorage) SaveRole(ctx context.Context, role types.Role) error {
	return withContextError(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&types.Role{}).
				Where("id <> ? AND (name = ? OR code = ?)", role.ID, role.Name, role.Code).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: role %q/%q", ErrDuplicate, role.Name, role.Code)
			}
			return translate(tx.Clauses(upsert).Create(&role).Error, "role")
		})
	})
}

// GetRole retrieves a role.
func (s *GormStorage) GetRole(ctx context.Context, id uint64) (types.Role, error) {
	return withContext(ctx, func() (types.Role, error) {
		var role types.Role
		err := s.db.WithContext(ctx).First(&role, "id = ?", id).Error
		return role, translate(err, fmt.Sprintf("role id=%d", id))
	})
}

// ListRoles returns all roles.
func (s *GormStorage) ListRoles(ctx context.Context) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		var roles []types.Role
		err := s.db.WithContext(ctx).Order("id").Find(&roles).Error
		return roles, err
	})
}

// AssignRole grants a role to a user.
func (s *GormStorage) AssignRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var role types.Role
			if err := tx.First(&role, "id = ?", roleID).Error; err != nil {
				return translate(err, fmt.Sprintf("role id=%d", roleID))
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&types.RoleAssignment{UserID: userID, RoleID: roleID}).Error
		})
	})
}

// RevokeRole removes a grant.
func (s *GormStorage) RevokeRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("user_id = ? AND role_id = ?", userID, roleID).
			Delete(&types.RoleAssignment{}).Error
	})
}

// ListAssignments returns every grant.
func (s *GormStorage) ListAssignments(ctx context.Context) ([]types.RoleAssignment, error) {
	return withContext(ctx, func() ([]types.RoleAssignment, error) {
		var out []types.RoleAssignment
		err := s.db.WithContext(ctx).Order("user_id, role_id").Find(&out).Error
		return out, err
	})
}

// RolesOf returns the roles granted to a user.
func (s *GormStorage) RolesOf(ctx context.Context, userID string) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		var roles []types.Role
		err := s.db.WithContext(ctx).
			Joins("JOIN user_workflow_roles ON user_workflow_roles.role_id = workflow_roles.id").
			Where("user_workflow_roles.user_id = ?", userID).
			Order("workflow_roles.id").
			Find(&roles).Error
		return roles, err
	})
}

// SaveTemplate upserts a template, replacing its steps.
func (s *GormStorage) SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			steps := make([]types.WorkflowStep, len(tpl.Steps))
			ids := make([]uint64, len(tpl.Steps))
			for i, st := range tpl.Steps {
				st.TemplateID = tpl.ID
				steps[i] = st
				ids[i] = st.ID
			}
			tpl.Steps = nil
			if err := tx.Clauses(upsert).Omit(clause.Associations).Create(&tpl).Error; err != nil {
				return translate(err, "template")
			}
			del := tx.Where("template_id = ?", tpl.ID)
			if len(ids) > 0 {
				del = del.Where("id NOT IN ?", ids)
			}
			if err := del.Delete(&types.WorkflowStep{}).Error; err != nil {
				return err
			}
			if len(steps) == 0 {
				return nil
			}
			return translate(tx.Clauses(upsert).Create(&steps).Error, "workflow step")
		})
	})
}

// GetTemplate retrieves a template with ordered steps.
func (s *GormStorage) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	return withContext(ctx, func() (types.WorkflowTemplate, error) {
		var tpl types.WorkflowTemplate
		err := s.db.WithContext(ctx).
			Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
			First(&tpl, "id = ?", id).Error
		if err != nil {
			return tpl, translate(err, fmt.Sprintf("template id=%d", id))
		}
		return cloneTemplate(tpl), nil
	})
}

// ListTemplates returns all templates with ordered steps.
func (s *GormStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return withContext(ctx, func() ([]types.WorkflowTemplate, error) {
		var tpls []types.WorkflowTemplate
		err := s.db.WithContext(ctx).
			Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
			Order("id").
			Find(&tpls).Error
		if err != nil {
			return nil, err
		}
		for i := range tpls {
			tpls[i] = cloneTemplate(tpls[i])
		}
		return tpls, nil
	})
}

// SaveForm upserts a form, replacing its fields.
func (s *GormStorage) SaveForm(ctx context.Context, form types.Form) error {
	return withContextError(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&types.Form{}).Where("id <> ? AND slug = ?", form.ID, form.Slug).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: form slug %q", ErrDuplicate, form.Slug)
			}

			fields := make([]types.FormField, len(form.Fields))
			ids := make([]uint64, len(form.Fields))
			for i, ff := range form.Fields {
				ff.FormID = form.ID
				fields[i] = ff
				ids[i] = ff.ID
			}
			form.Fields = nil
			if err := tx.Clauses(upsert).Omit(clause.Associations).Create(&form).Error; err != nil {
				return translate(err, "form")
			}
			del := tx.Where("form_id = ?", form.ID)
			if len(ids) > 0 {
				del = del.Where("id NOT IN ?", ids)
			}
			if err := del.Delete(&types.FormField{}).Error; err != nil {
				return err
			}
			if len(fields) == 0 {
				return nil
			}
			return translate(tx.Clauses(upsert).Create(&fields).Error, "form field")
		})
	})
}

func (s *GormStorage) loadForm(ctx context.Context, query string, arg interface{}) (types.Form, error) {
	var form types.Form
	err := s.db.WithContext(ctx).
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order, id") }).
		First(&form, query, arg).Error
	if err != nil {
		return form, translate(err, fmt.Sprintf("form %v", arg))
	}
	return cloneForm(form), nil
}

// GetForm retrieves a form with ordered fields.
func (s *GormStorage) GetForm(ctx context.Context, id uint64) (types.Form, error) {
	return withContext(ctx, func() (types.Form, error) {
		return s.loadForm(ctx, "id = ?", id)
	})
}

// GetFormBySlug retrieves a form by slug.
func (s *GormStorage) GetFormBySlug(ctx context.Context, slug string) (types.Form, error) {
	return withContext(ctx, func() (types.Form, error) {
		return s.loadForm(ctx, "slug = ?", slug)
	})
}

// ListForms returns all forms with ordered fields.
func (s *GormStorage) ListForms(ctx context.Context) ([]types.Form, error) {
	return withContext(ctx, func() ([]types.Form, error) {
		var forms []types.Form
		err := s.db.WithContext(ctx).
			Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order, id") }).
			Order("id").
			Find(&forms).Error
		if err != nil {
			return nil, err
		}
		for i := range forms {
			forms[i] = cloneForm(forms[i])
		}
		return forms, nil
	})
}

// ListEntries returns the entries of a form.
func (s *GormStorage) ListEntries(ctx context.Context, formID uint64) ([]types.FormEntry, error) {
	return withContext(ctx, func() ([]types.FormEntry, error) {
		var entries []types.FormEntry
		err := s.db.WithContext(ctx).
			Preload("Values", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
			Where("form_id = ?", formID).
			Order("id").
			Find(&entries).Error
		return entries, err
	})
}

// NextSequence increments the counter row inside a transaction, creating it on first use.
func (s *GormStorage) NextSequence(ctx context.Context, formID uint64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		var seq int64
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			increment := func() (int64, error) {
				res := tx.Model(&types.ReferenceCounter{}).
					Where("form_id = ?", formID).
					Update("next_sequence", gorm.Expr("next_sequence + 1"))
				return res.RowsAffected, res.Error
			}

			n, err := increment()
			if err != nil {
				return err
			}
			if n == 0 {
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&types.ReferenceCounter{FormID: formID, NextSequence: 2})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					seq = 1
					return nil
				}
				// another transaction created the row first
				if _, err := increment(); err != nil {
					return err
				}
			}

			var counter types.ReferenceCounter
			if err := tx.First(&counter, "form_id = ?", formID).Error; err != nil {
				return err
			}
			seq = counter.NextSequence - 1
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to increment counter of form %d: %w", formID, err)
		}
		return seq, nil
	})
}

func toRecord(p types.Process) (processRecord, error) {
	progress, err := types.EncodeProgress(p.Progress)
	if err != nil {
		return processRecord{}, err
	}
	rec := processRecord{
		ID: p.ID, FormID: p.FormID, CreatedBy: p.CreatedBy, Owner: p.Owner,
		Progress: datatypes.JSON(progress), Version: p.Version,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	if p.RefID != "" {
		ref := p.RefID
		rec.RefID = &ref
	}
	return rec, nil
}

func fromRecord(rec processRecord) (types.Process, error) {
	progress, err := types.DecodeProgress(rec.Progress)
	if err != nil {
		return types.Process{}, fmt.Errorf("process %d: %w", rec.ID, err)
	}
	p := types.Process{
		ID: rec.ID, FormID: rec.FormID, CreatedBy: rec.CreatedBy, Owner: rec.Owner,
		Progress: progress, Version: rec.Version,
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
	}
	if rec.RefID != nil {
		p.RefID = *rec.RefID
	}
	return p, nil
}

// CreateProcess inserts a new process row.
func (s *GormStorage) CreateProcess(ctx context.Context, proc types.Process) error {
	return withContextError(ctx, func() error {
		rec, err := toRecord(proc)
		if err != nil {
			return err
		}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.Model(&processRecord{}).Where("id = ?", proc.ID)
			if rec.RefID != nil {
				q = q.Or("ref_id = ?", *rec.RefID)
			}
			var n int64
			if err := q.Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: process id=%d ref_id=%s", ErrDuplicate, proc.ID, proc.RefID)
			}
			return translate(tx.Create(&rec).Error, "process")
		})
	})
}

// GetProcess retrieves a process.
func (s *GormStorage) GetProcess(ctx context.Context, id uint64) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		var rec processRecord
		if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
			return types.Process{}, translate(err, fmt.Sprintf("process id=%d", id))
		}
		return fromRecord(rec)
	})
}

// ListProcesses returns all processes.
func (s *GormStorage) ListProcesses(ctx context.Context) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		var recs []processRecord
		if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
			return nil, err
		}
		out := make([]types.Process, 0, len(recs))
		for _, rec := range recs {
			p, err := fromRecord(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	})
}

// CommitProcess updates the row only if its version still matches, inserting entry in the same transaction.
func (s *GormStorage) CommitProcess(ctx context.Context, proc types.Process, entry *types.FormEntry) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		next := proc.Clone()
		next.Version++
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now()
		}
		rec, err := toRecord(next)
		if err != nil {
			return types.Process{}, err
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&processRecord{}).
				Where("id = ? AND version = ?", proc.ID, proc.Version).
				Updates(map[string]interface{}{
					"ref_id":     rec.RefID,
					"owner":      rec.Owner,
					"progress":   rec.Progress,
					"version":    rec.Version,
					"updated_at": rec.UpdatedAt,
				})
			if res.Error != nil {
				return translate(res.Error, "process")
			}
			if res.RowsAffected == 0 {
				var n int64
				if err := tx.Model(&processRecord{}).Where("id = ?", proc.ID).Count(&n).Error; err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("%w: process id=%d", ErrNotFound, proc.ID)
				}
				return fmt.Errorf("%w: process %d is no longer at version %d", ErrConflict, proc.ID, proc.Version)
			}
			if entry != nil {
				return translate(tx.Create(entry).Error, "form entry")
			}
			return nil
		})
		if err != nil {
			return types.Process{}, err
		}
		return next, nil
	})
}
