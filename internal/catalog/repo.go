package catalog

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateModel(ctx context.Context, m *Model) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) CreateDataset(ctx context.Context, d *Dataset) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) GetModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var d Dataset
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateStatusAndMetrics publishes a training outcome onto a model record.
// Called best-effort by the status synchronizer; the model may already be
// gone, in which case gorm.ErrRecordNotFound is returned.
func (r *Repo) UpdateStatusAndMetrics(ctx context.Context, id string, status ModelStatus, filePath string, metrics map[string]float64) error {
	vals := map[string]any{
		"status": status,
	}
	if filePath != "" {
		vals["file_path"] = filePath
	}
	if len(metrics) > 0 {
		m := make(datatypes.JSONMap, len(metrics))
		for k, v := range metrics {
			m[k] = v
		}
		vals["metrics"] = m
	}
	res := r.db.WithContext(ctx).Model(&Model{}).Where("id = ?", id).Updates(vals)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
