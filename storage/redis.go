package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/ticketflow/types"
)

const defaultKeyPrefix = "ticketflow:"

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Entities are JSON documents; counters use INCR and process commits use WATCH/MULTI.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) key(kind string, id interface{}) string {
	return fmt.Sprintf("%s%s:%v", s.prefix, kind, id)
}

func (s *RedisStorage) setKey(kind string) string {
	return s.prefix + kind
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// lookupID resolves a secondary index key to an entity id; 0 means absent.
func lookupID(ctx context.Context, client redis.Cmdable, key string) (uint64, error) {
	v, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return strconv.ParseUint(v, 10, 64)
}

// SaveRole saves a role, keeping name and code unique.
func (s *RedisStorage) SaveRole(ctx context.Context, role types.Role) error {
	return withContextError(ctx, func() error {
		roleKey := s.key("role", role.ID)
		nameKey := s.key("role:name", role.Name)
		codeKey := s.key("role:code", role.Code)
		data, err := json.Marshal(role)
		if err != nil {
			return fmt.Errorf("failed to marshal role %d: %w", role.ID, err)
		}
		return s.watch(ctx, func(tx *redis.Tx) error {
			for _, k := range []string{nameKey, codeKey} {
				id, err := lookupID(ctx, tx, k)
				if err != nil {
					return err
				}
				if id != 0 && id != role.ID {
					return fmt.Errorf("%w: %s", ErrDuplicate, k)
				}
			}
			old, err := getFromRedis[types.Role](ctx, tx, roleKey)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if old.ID != 0 {
					pipe.Del(ctx, s.key("role:name", old.Name), s.key("role:code", old.Code))
				}
				pipe.Set(ctx, roleKey, data, 0)
				pipe.Set(ctx, nameKey, role.ID, 0)
				pipe.Set(ctx, codeKey, role.ID, 0)
				pipe.SAdd(ctx, s.setKey("roles"), role.ID)
				return nil
			})
			return err
		}, roleKey, nameKey, codeKey)
	})
}

// GetRole retrieves a role from Redis.
func (s *RedisStorage) GetRole(ctx context.Context, id uint64) (types.Role, error) {
	return getFromRedis[types.Role](ctx, s.client, s.key("role", id))
}

// ListRoles returns all roles.
func (s *RedisStorage) ListRoles(ctx context.Context) ([]types.Role, error) {
	roles, err := listByIDs[types.Role](ctx, s, "roles", "role")
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// AssignRole grants a role to a user.
func (s *RedisStorage) AssignRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		if _, err := s.GetRole(ctx, roleID); err != nil {
			return err
		}
		member, err := json.Marshal(types.RoleAssignment{UserID: userID, RoleID: roleID})
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, s.key("user_roles", userID), roleID)
		pipe.SAdd(ctx, s.setKey("assignments"), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to assign role %d to %s: %w", roleID, userID, err)
		}
		return nil
	})
}

// RevokeRole removes a grant.
func (s *RedisStorage) RevokeRole(ctx context.Context, userID string, roleID uint64) error {
	return withContextError(ctx, func() error {
		member, err := json.Marshal(types.RoleAssignment{UserID: userID, RoleID: roleID})
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, s.key("user_roles", userID), roleID)
		pipe.SRem(ctx, s.setKey("assignments"), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to revoke role %d from %s: %w", roleID, userID, err)
		}
		return nil
	})
}

// ListAssignments returns every grant.
func (s *RedisStorage) ListAssignments(ctx context.Context) ([]types.RoleAssignment, error) {
	return withContext(ctx, func() ([]types.RoleAssignment, error) {
		members, err := s.client.SMembers(ctx, s.setKey("assignments")).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list assignments: %w", err)
		}
		out := make([]types.RoleAssignment, 0, len(members))
		for _, m := range members {
			var a types.RoleAssignment
			if err := json.Unmarshal([]byte(m), &a); err != nil {
				return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
			}
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].UserID != out[j].UserID {
				return out[i].UserID < out[j].UserID
			}
			return out[i].RoleID < out[j].RoleID
		})
		return out, nil
	})
}

// RolesOf returns the roles granted to a user.
func (s *RedisStorage) RolesOf(ctx context.Context, userID string) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		ids, err := s.client.SMembers(ctx, s.key("user_roles", userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list roles of %s: %w", userID, err)
		}
		roles, err := mgetJSON[types.Role](ctx, s.client, s.keys("role", ids))
		if err != nil {
			return nil, err
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
		return roles, nil
	})
}

// SaveTemplate saves a template document including its steps.
func (s *RedisStorage) SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error {
	if err := s.saveDoc(ctx, s.key("template", tpl.ID), cloneTemplate(tpl)); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.setKey("templates"), tpl.ID).Err(); err != nil {
		return fmt.Errorf("failed to index template %d: %w", tpl.ID, err)
	}
	return nil
}

// GetTemplate retrieves a template from Redis.
func (s *RedisStorage) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	tpl, err := getFromRedis[types.WorkflowTemplate](ctx, s.client, s.key("template", id))
	if err != nil {
		return tpl, err
	}
	return cloneTemplate(tpl), nil
}

// ListTemplates returns all templates.
func (s *RedisStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	tpls, err := listByIDs[types.WorkflowTemplate](ctx, s, "templates", "template")
	if err != nil {
		return nil, err
	}
	for i := range tpls {
		tpls[i] = cloneTemplate(tpls[i])
	}
	sort.Slice(tpls, func(i, j int) bool { return tpls[i].ID < tpls[j].ID })
	return tpls, nil
}

// SaveForm saves a form document, keeping slugs unique.
func (s *RedisStorage) SaveForm(ctx context.Context, form types.Form) error {
	return withContextError(ctx, func() error {
		formKey := s.key("form", form.ID)
		slugKey := s.key("form:slug", form.Slug)
		data, err := json.Marshal(cloneForm(form))
		if err != nil {
			return fmt.Errorf("failed to marshal form %d: %w", form.ID, err)
		}
		return s.watch(ctx, func(tx *redis.Tx) error {
			id, err := lookupID(ctx, tx, slugKey)
			if err != nil {
				return err
			}
			if id != 0 && id != form.ID {
				return fmt.Errorf("%w: form slug %q", ErrDuplicate, form.Slug)
			}
			old, err := getFromRedis[types.Form](ctx, tx, formKey)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if old.ID != 0 && old.Slug != form.Slug {
					pipe.Del(ctx, s.key("form:slug", old.Slug))
				}
				pipe.Set(ctx, formKey, data, 0)
				pipe.Set(ctx, slugKey, form.ID, 0)
				pipe.SAdd(ctx, s.setKey("forms"), form.ID)
				return nil
			})
			return err
		}, formKey, slugKey)
	})
}

// GetForm retrieves a form from Redis.
func (s *RedisStorage) GetForm(ctx context.Context, id uint64) (types.Form, error) {
	return getFromRedis[types.Form](ctx, s.client, s.key("form", id))
}

// GetFormBySlug retrieves a form by slug.
func (s *RedisStorage) GetFormBySlug(ctx context.Context, slug string) (types.Form, error) {
	return withContext(ctx, func() (types.Form, error) {
		id, err := lookupID(ctx, s.client, s.key("form:slug", slug))
		if err != nil {
			return types.Form{}, err
		}
		if id == 0 {
			return types.Form{}, fmt.Errorf("%w: form slug=%s", ErrNotFound, slug)
		}
		return s.GetForm(ctx, id)
	})
}

// ListForms returns all forms.
func (s *RedisStorage) ListForms(ctx context.Context) ([]types.Form, error) {
	forms, err := listByIDs[types.Form](ctx, s, "forms", "form")
	if err != nil {
		return nil, err
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].ID < forms[j].ID })
	return forms, nil
}

// ListEntries returns the entries of a form.
func (s *RedisStorage) ListEntries(ctx context.Context, formID uint64) ([]types.FormEntry, error) {
	return withContext(ctx, func() ([]types.FormEntry, error) {
		raw, err := s.client.LRange(ctx, s.key("form_entries", formID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list entries of form %d: %w", formID, err)
		}
		entries := make([]types.FormEntry, 0, len(raw))
		for _, r := range raw {
			var e types.FormEntry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		return entries, nil
	})
}

// NextSequence uses INCR so concurrent callers never share a value.
func (s *RedisStorage) NextSequence(ctx context.Context, formID uint64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		seq, err := s.client.Incr(ctx, s.key("counter", formID)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to increment counter of form %d: %w", formID, err)
		}
		return seq, nil
	})
}

// processDoc is the stored shape of a process; progress is decoded strictly on read.
type processDoc struct {
	ID        uint64          `json:"id"`
	FormID    uint64          `json:"form_id"`
	RefID     string          `json:"ref_id"`
	CreatedBy string          `json:"created_by,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Progress  json.RawMessage `json:"progress"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func encodeProcess(p types.Process) ([]byte, error) {
	progress, err := types.EncodeProgress(p.Progress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(processDoc{
		ID: p.ID, FormID: p.FormID, RefID: p.RefID, CreatedBy: p.CreatedBy, Owner: p.Owner,
		Progress: progress, Version: p.Version, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	})
}

func decodeProcess(data []byte) (types.Process, error) {
	var doc processDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Process{}, fmt.Errorf("failed to unmarshal process: %w", err)
	}
	progress, err := types.DecodeProgress(doc.Progress)
	if err != nil {
		return types.Process{}, fmt.Errorf("process %d: %w", doc.ID, err)
	}
	return types.Process{
		ID: doc.ID, FormID: doc.FormID, RefID: doc.RefID, CreatedBy: doc.CreatedBy, Owner: doc.Owner,
		Progress: progress, Version: doc.Version, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

// CreateProcess stores a new process, reserving its ref_id.
func (s *RedisStorage) CreateProcess(ctx context.Context, proc types.Process) error {
	return withContextError(ctx, func() error {
		data, err := encodeProcess(proc)
		if err != nil {
			return err
		}
		procKey := s.key("process", proc.ID)
		ok, err := s.client.SetNX(ctx, procKey, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", procKey, err)
		}
		if !ok {
			return fmt.Errorf("%w: process id=%d", ErrDuplicate, proc.ID)
		}
		if proc.RefID != "" {
			ok, err := s.client.SetNX(ctx, s.key("process:ref", proc.RefID), proc.ID, 0).Result()
			if err != nil || !ok {
				s.client.Del(ctx, procKey)
				if err != nil {
					return fmt.Errorf("failed to reserve ref_id %s: %w", proc.RefID, err)
				}
				return fmt.Errorf("%w: ref_id %s", ErrDuplicate, proc.RefID)
			}
		}
		if err := s.client.SAdd(ctx, s.setKey("processes"), proc.ID).Err(); err != nil {
			return fmt.Errorf("failed to index process %d: %w", proc.ID, err)
		}
		return nil
	})
}

// GetProcess retrieves a process from Redis.
func (s *RedisStorage) GetProcess(ctx context.Context, id uint64) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		key := s.key("process", id)
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return types.Process{}, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return types.Process{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeProcess(data)
	})
}

// ListProcesses returns all processes.
func (s *RedisStorage) ListProcesses(ctx context.Context) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		ids, err := s.client.SMembers(ctx, s.setKey("processes")).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list processes: %w", err)
		}
		out := make([]types.Process, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		vals, err := s.client.MGet(ctx, s.keys("process", ids)...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load processes: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			p, err := decodeProcess([]byte(str))
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CommitProcess watches the process key and writes process and entry in one MULTI.
func (s *RedisStorage) CommitProcess(ctx context.Context, proc types.Process, entry *types.FormEntry) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		key := s.key("process", proc.ID)
		var committed types.Process
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("%w: process id=%d", ErrNotFound, proc.ID)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}
			stored, err := decodeProcess(data)
			if err != nil {
				return err
			}
			if stored.Version != proc.Version {
				return fmt.Errorf("%w: process %d at version %d, expected %d", ErrConflict, proc.ID, stored.Version, proc.Version)
			}

			next := proc.Clone()
			next.Version++
			if next.UpdatedAt.IsZero() {
				next.UpdatedAt = time.Now()
			}
			procData, err := encodeProcess(next)
			if err != nil {
				return err
			}
			var entryData []byte
			if entry != nil {
				if entryData, err = json.Marshal(entry); err != nil {
					return fmt.Errorf("failed to marshal entry %d: %w", entry.ID, err)
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, procData, 0)
				if entry != nil {
					pipe.RPush(ctx, s.key("form_entries", entry.FormID), entryData)
				}
				return nil
			})
			if err != nil {
				return err
			}
			committed = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return types.Process{}, fmt.Errorf("%w: process %d modified concurrently", ErrConflict, proc.ID)
		}
		if err != nil {
			return types.Process{}, err
		}
		return committed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", ErrConflict, keys)
	}
	return err
}

func (s *RedisStorage) saveDoc(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

func (s *RedisStorage) keys(kind string, ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = s.key(kind, id)
	}
	return out
}

func listByIDs[T any](ctx context.Context, s *RedisStorage, set, kind string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := s.client.SMembers(ctx, s.setKey(set)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", set, err)
		}
		return mgetJSON[T](ctx, s.client, s.keys(kind, ids))
	})
}

func mgetJSON[T any](ctx context.Context, client redis.Cmdable, keys []string) ([]T, error) {
	out := make([]T, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %d keys: %w", len(keys), err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}
