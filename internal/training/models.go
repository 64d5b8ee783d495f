package training

import (
	"time"

	"gorm.io/datatypes"

	"github.com/quantumaikr/exlm-app/internal/catalog"
	"github.com/quantumaikr/exlm-app/internal/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// nonTerminal is the guard set for finalizing updates.
var nonTerminal = []Status{StatusPending, StatusQueued, StatusRunning}

// Job tracks a single fine-tuning attempt. Rows are mutated only through the
// guarded transition operations on Repo; handlers never write fields directly.
type Job struct {
	ID   string `gorm:"primaryKey;type:varchar(26)" json:"id"` // ULID
	Name string `gorm:"type:varchar(255);not null" json:"name"`

	Status   Status  `gorm:"type:varchar(16);index;not null;default:pending" json:"status"`
	Progress float64 `gorm:"not null;default:0" json:"progress"` // 0.0-1.0, meaningful while running

	BaseModel       string            `gorm:"type:varchar(255);not null" json:"base_model"`
	TrainingMethod  string            `gorm:"type:varchar(32);not null" json:"training_method"`
	Hyperparameters datatypes.JSONMap `json:"hyperparameters"`

	CurrentEpoch int `gorm:"default:0" json:"current_epoch"`
	TotalEpochs  int `json:"total_epochs"`
	CurrentStep  int `gorm:"default:0" json:"current_step"`
	TotalSteps   int `json:"total_steps"`

	Loss         *float64          `json:"loss,omitempty"`
	LearningRate *float64          `json:"learning_rate,omitempty"`
	Metrics      datatypes.JSONMap `json:"metrics"`
	ModelPath    string            `gorm:"type:varchar(512)" json:"model_path,omitempty"`

	Logs         datatypes.JSONSlice[string] `json:"logs"`
	ErrorMessage string                      `gorm:"type:text" json:"error_message,omitempty"`

	// TaskID correlates queue callbacks; set once on pending -> queued.
	TaskID *string `gorm:"type:varchar(36);uniqueIndex" json:"task_id,omitempty"`

	ModelID   *string          `gorm:"type:varchar(26);index" json:"model_id,omitempty"`
	Model     *catalog.Model   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	DatasetID *string          `gorm:"type:varchar(26);index" json:"dataset_id,omitempty"`
	Dataset   *catalog.Dataset `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	UserID    uint64           `gorm:"index;not null" json:"-"`
	User      *models.User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Job) TableName() string { return "training_jobs" }
