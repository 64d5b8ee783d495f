package catalog

import (
	"time"

	"gorm.io/datatypes"
)

type ModelStatus string

const (
	ModelStatusDraft    ModelStatus = "draft"
	ModelStatusTraining ModelStatus = "training"
	ModelStatusReady    ModelStatus = "ready"
	ModelStatusFailed   ModelStatus = "failed"
)

// Model is the catalog record a finished training job publishes into.
type Model struct {
	ID        string            `gorm:"primaryKey;type:varchar(26)" json:"id"` // ULID
	Name      string            `gorm:"type:varchar(255);not null" json:"name"`
	BaseModel string            `gorm:"type:varchar(255)" json:"base_model"`
	Status    ModelStatus       `gorm:"type:varchar(16);index;not null;default:draft" json:"status"`
	FilePath  string            `gorm:"type:varchar(512)" json:"file_path"`
	Metrics   datatypes.JSONMap `json:"metrics"`
	UserID    uint64            `gorm:"index;not null" json:"-"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Model) TableName() string { return "models" }

// Dataset rows only anchor foreign keys and name the on-disk directory; the
// files themselves live under <data_dir>/datasets/<id>/.
type Dataset struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"` // ULID
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Format    string    `gorm:"type:varchar(32)" json:"format"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Dataset) TableName() string { return "datasets" }
