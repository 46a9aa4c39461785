package db

import "time"

// RoleModel is the durable pointer to the latest committed version per role.
// Mutated only inside Commit's transaction, guarded by the version predicate.
type RoleModel struct {
	Name      string    `gorm:"primaryKey"`
	Version   int64     `gorm:"not null"`
	Hash      string    `gorm:"not null"`
	Length    int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (RoleModel) TableName() string {
	return "roles"
}

// MetadataVersionModel is the append-only document history. Documents are
// stored as the exact bytes the publisher writes, never re-encoded, so the
// hashes in timestamp meta stay valid.
type MetadataVersionModel struct {
	ID        int64     `gorm:"primaryKey"`
	Role      string    `gorm:"index:idx_role_version,unique;not null"`
	Version   int64     `gorm:"index:idx_role_version,unique;not null"`
	Document  []byte    `gorm:"type:bytea;not null"`
	Hash      string    `gorm:"not null"`
	Length    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (MetadataVersionModel) TableName() string {
	return "metadata_versions"
}

type TaskModel struct {
	ID             string `gorm:"primaryKey"`
	Type           string `gorm:"not null"`
	PayloadJSON    []byte `gorm:"type:jsonb;not null"`
	Status         string `gorm:"index;not null"`
	LeaseOwner     string
	LeaseExpires   *time.Time
	ResultJSON     []byte `gorm:"type:jsonb"`
	Error          string
	PublishPending bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	CompletedAt    *time.Time
}

func (TaskModel) TableName() string {
	return "tasks"
}

// SettingModel holds repository-level configuration fixed at bootstrap
// (role settings, bin count, targets base URL) as a named JSON document.
type SettingModel struct {
	Name      string    `gorm:"primaryKey"`
	ValueJSON []byte    `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (SettingModel) TableName() string {
	return "settings"
}
