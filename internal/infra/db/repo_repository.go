package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tufd/internal/domain"

	"gorm.io/gorm"
)

// RepositoryStore is the transactional record of the latest committed version
// per role plus the append-only document history. All repository mutation
// goes through Commit; nothing else writes these tables.
type RepositoryStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepositoryStore(gdb *gorm.DB) *RepositoryStore {
	return &RepositoryStore{db: gdb, now: time.Now}
}

func (r *RepositoryStore) ReadCurrent(ctx context.Context, role string) (domain.VersionRef, error) {
	if r == nil || r.db == nil {
		return domain.VersionRef{}, errDBUnavailable
	}
	var model RoleModel
	err := r.db.WithContext(ctx).First(&model, "name = ?", role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.VersionRef{}, fmt.Errorf("%w: role %s", domain.ErrNotFound, role)
		}
		return domain.VersionRef{}, err
	}
	return domain.VersionRef{
		Role:    model.Name,
		Version: model.Version,
		Hash:    model.Hash,
		Length:  model.Length,
	}, nil
}

// LoadDocument returns a specific committed document version.
func (r *RepositoryStore) LoadDocument(ctx context.Context, role string, version int64) (domain.Envelope, []byte, error) {
	if r == nil || r.db == nil {
		return domain.Envelope{}, nil, errDBUnavailable
	}
	var model MetadataVersionModel
	err := r.db.WithContext(ctx).
		First(&model, "role = ? AND version = ?", role, version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Envelope{}, nil, fmt.Errorf("%w: %s v%d", domain.ErrNotFound, role, version)
		}
		return domain.Envelope{}, nil, err
	}
	var env domain.Envelope
	if err := json.Unmarshal(model.Document, &env); err != nil {
		return domain.Envelope{}, nil, fmt.Errorf("decode stored document %s v%d: %w", role, version, err)
	}
	return env, model.Document, nil
}

// LoadCurrent resolves the role pointer and loads that document.
func (r *RepositoryStore) LoadCurrent(ctx context.Context, role string) (domain.Envelope, domain.VersionRef, error) {
	ref, err := r.ReadCurrent(ctx, role)
	if err != nil {
		return domain.Envelope{}, domain.VersionRef{}, err
	}
	env, _, err := r.LoadDocument(ctx, role, ref.Version)
	if err != nil {
		return domain.Envelope{}, domain.VersionRef{}, err
	}
	return env, ref, nil
}

// Commit atomically appends new document versions and advances the role
// pointers, but only while every touched role still sits at the version the
// caller based its mutation on and the caller's task lease is still valid.
// A version mismatch surfaces ErrConflict so the task restarts from a fresh
// read; a stale lease surfaces ErrLeaseLost so the task is abandoned.
func (r *RepositoryStore) Commit(ctx context.Context, docs []domain.CommittedDocument, expected map[string]int64, taskID, leaseOwner string) error {
	if r == nil || r.db == nil {
		return errDBUnavailable
	}
	if len(docs) == 0 {
		return errors.New("commit requires at least one document")
	}

	now := r.now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return commitDocs(tx, docs, expected, taskID, leaseOwner, now)
	})
}

// CommitBootstrap commits the initial document set and the repository
// settings in the same transaction. A crash can therefore never leave
// metadata committed without the settings that describe it, which would wedge
// both bootstrap retries and every later task.
func (r *RepositoryStore) CommitBootstrap(ctx context.Context, docs []domain.CommittedDocument, expected map[string]int64, settings domain.RepositorySettings, taskID, leaseOwner string) error {
	if r == nil || r.db == nil {
		return errDBUnavailable
	}
	if len(docs) == 0 {
		return errors.New("commit requires at least one document")
	}

	now := r.now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := commitDocs(tx, docs, expected, taskID, leaseOwner, now); err != nil {
			return err
		}
		return upsertSettings(tx, settings, now)
	})
}

func commitDocs(tx *gorm.DB, docs []domain.CommittedDocument, expected map[string]int64, taskID, leaseOwner string, now time.Time) error {
	if taskID != "" {
		if err := assertLease(tx, taskID, leaseOwner, now); err != nil {
			return err
		}
	}

	for _, doc := range docs {
		expectedVersion, ok := expected[doc.Role]
		if !ok {
			return fmt.Errorf("no expected version for role %s", doc.Role)
		}
		if doc.Version != expectedVersion+1 {
			return fmt.Errorf("%w: role %s version %d does not follow %d", domain.ErrConflict, doc.Role, doc.Version, expectedVersion)
		}

		if expectedVersion == 0 {
			model := RoleModel{
				Name:      doc.Role,
				Version:   doc.Version,
				Hash:      doc.Hash,
				Length:    doc.Length,
				UpdatedAt: now,
			}
			if err := tx.Create(&model).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: role %s already exists", domain.ErrConflict, doc.Role)
				}
				return err
			}
		} else {
			res := tx.Model(&RoleModel{}).
				Where("name = ? AND version = ?", doc.Role, expectedVersion).
				Updates(map[string]any{
					"version":    doc.Version,
					"hash":       doc.Hash,
					"length":     doc.Length,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: role %s moved past version %d", domain.ErrConflict, doc.Role, expectedVersion)
			}
		}

		history := MetadataVersionModel{
			Role:      doc.Role,
			Version:   doc.Version,
			Document:  doc.Encoded,
			Hash:      doc.Hash,
			Length:    doc.Length,
			CreatedAt: now,
		}
		if err := tx.Create(&history).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: document %s v%d already committed", domain.ErrConflict, doc.Role, doc.Version)
			}
			return err
		}
	}
	return nil
}

func assertLease(tx *gorm.DB, taskID, leaseOwner string, now time.Time) error {
	var task TaskModel
	if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
		}
		return err
	}
	if task.LeaseOwner != leaseOwner {
		return fmt.Errorf("%w: lease held by %q", domain.ErrLeaseLost, task.LeaseOwner)
	}
	if task.LeaseExpires == nil || !task.LeaseExpires.After(now) {
		return fmt.Errorf("%w: lease expired", domain.ErrLeaseLost)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// pgx surfaces SQLSTATE 23505 in the error text when the gorm
	// translator is not enabled.
	return err != nil && containsSQLState(err.Error(), "23505")
}

func containsSQLState(msg, code string) bool {
	for i := 0; i+len(code) <= len(msg); i++ {
		if msg[i:i+len(code)] == code {
			return true
		}
	}
	return false
}
