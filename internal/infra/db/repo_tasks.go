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

// TaskStore tracks task bookkeeping: creation, exclusive leases, terminal
// status and results. Tasks move forward only and are retained for audit.
type TaskStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTaskStore(gdb *gorm.DB) *TaskStore {
	return &TaskStore{db: gdb, now: time.Now}
}

func (s *TaskStore) Create(ctx context.Context, task domain.Task) error {
	if s == nil || s.db == nil {
		return errDBUnavailable
	}
	if task.ID == "" {
		return errors.New("task id is required")
	}
	model := TaskModel{
		ID:          task.ID,
		Type:        string(task.Type),
		PayloadJSON: []byte(task.Payload),
		Status:      string(domain.TaskQueued),
		CreatedAt:   s.now().UTC(),
	}
	if len(model.PayloadJSON) == 0 {
		model.PayloadJSON = []byte("{}")
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, task.ID)
		}
		return err
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, errDBUnavailable
	}
	var model TaskModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return domain.Task{}, err
	}
	return taskFromModel(model)
}

// Claim takes an exclusive lease on a task. Claiming a terminal task returns
// it without error so redelivered messages resolve to a no-op. A live lease
// held by another worker surfaces ErrAlreadyClaimed; an expired one is taken
// over, which is how crashed workers hand their tasks back.
func (s *TaskStore) Claim(ctx context.Context, id, owner string, ttl time.Duration) (domain.Task, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, errDBUnavailable
	}
	if owner == "" {
		return domain.Task{}, errors.New("lease owner is required")
	}

	var claimed domain.Task
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model TaskModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
			}
			return err
		}

		task, err := taskFromModel(model)
		if err != nil {
			return err
		}
		if task.Terminal() {
			claimed = task
			return nil
		}
		if model.LeaseOwner != "" && model.LeaseOwner != owner &&
			model.LeaseExpires != nil && model.LeaseExpires.After(now) {
			return fmt.Errorf("%w: task %s leased by %s", domain.ErrAlreadyClaimed, id, model.LeaseOwner)
		}

		expires := now.Add(ttl)
		res := tx.Model(&TaskModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":        string(domain.TaskProcessing),
				"lease_owner":   owner,
				"lease_expires": expires,
			})
		if res.Error != nil {
			return res.Error
		}
		task.Status = domain.TaskProcessing
		task.LeaseOwner = owner
		task.LeaseExpires = expires
		claimed = task
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return claimed, nil
}

// Complete marks a task done with its result. Only the lease holder may
// complete a task.
func (s *TaskStore) Complete(ctx context.Context, id, owner string, result domain.TaskResult, publishPending bool) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.finish(ctx, id, owner, map[string]any{
		"status":          string(domain.TaskCompleted),
		"result_json":     resultJSON,
		"publish_pending": publishPending,
		"completed_at":    s.now().UTC(),
	})
}

// Fail marks a task failed with a human-readable reason.
func (s *TaskStore) Fail(ctx context.Context, id, owner, reason string) error {
	return s.finish(ctx, id, owner, map[string]any{
		"status":       string(domain.TaskFailed),
		"error":        reason,
		"completed_at": s.now().UTC(),
	})
}

func (s *TaskStore) finish(ctx context.Context, id, owner string, updates map[string]any) error {
	if s == nil || s.db == nil {
		return errDBUnavailable
	}
	res := s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND lease_owner = ? AND status = ?", id, owner, string(domain.TaskProcessing)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrLeaseLost, id)
	}
	return nil
}

func taskFromModel(model TaskModel) (domain.Task, error) {
	task := domain.Task{
		ID:             model.ID,
		Type:           domain.TaskType(model.Type),
		Payload:        json.RawMessage(model.PayloadJSON),
		Status:         domain.TaskStatus(model.Status),
		LeaseOwner:     model.LeaseOwner,
		Error:          model.Error,
		PublishPending: model.PublishPending,
		CreatedAt:      model.CreatedAt,
		CompletedAt:    model.CompletedAt,
	}
	if model.LeaseExpires != nil {
		task.LeaseExpires = *model.LeaseExpires
	}
	if len(model.ResultJSON) > 0 {
		var result domain.TaskResult
		if err := json.Unmarshal(model.ResultJSON, &result); err != nil {
			return domain.Task{}, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &result
	}
	return task, nil
}
