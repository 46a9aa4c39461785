package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tufd/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingRepository = "repository"

// SettingsStore reads the repository settings written at bootstrap. The only
// writer is RepositoryStore.CommitBootstrap, which persists the settings in
// the same transaction as the initial metadata.
type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(gdb *gorm.DB) *SettingsStore {
	return &SettingsStore{db: gdb}
}

func upsertSettings(tx *gorm.DB, settings domain.RepositorySettings, now time.Time) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	model := SettingModel{
		Name:      settingRepository,
		ValueJSON: value,
		UpdatedAt: now,
	}
	return tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at"}),
		}).
		Create(&model).Error
}

func (s *SettingsStore) Load(ctx context.Context) (domain.RepositorySettings, error) {
	if s == nil || s.db == nil {
		return domain.RepositorySettings{}, errDBUnavailable
	}
	var model SettingModel
	err := s.db.WithContext(ctx).First(&model, "name = ?", settingRepository).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.RepositorySettings{}, domain.ErrNotBootstrapped
		}
		return domain.RepositorySettings{}, err
	}
	var settings domain.RepositorySettings
	if err := json.Unmarshal(model.ValueJSON, &settings); err != nil {
		return domain.RepositorySettings{}, fmt.Errorf("decode repository settings: %w", err)
	}
	return settings, nil
}

// Bootstrapped reports whether the repository has committed settings.
func (s *SettingsStore) Bootstrapped(ctx context.Context) (bool, error) {
	_, err := s.Load(ctx)
	if errors.Is(err, domain.ErrNotBootstrapped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
