package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/pdbgate/internal/domain"
	"github.com/jkaninda/pdbgate/internal/storage"
)

// JobRepository implements storage.JobStore with GORM. The SQLite backend
// reuses it unchanged.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create persists a new job. A missing ID is filled with a UUIDv4.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	model := toJobModel(job)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	job.CreatedAt = model.CreatedAt
	job.UpdatedAt = model.UpdatedAt
	return nil
}

// Update overwrites every mutable field of an existing job.
func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	model := toJobModel(job)
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", job.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating job %s: %w", job.ID, storage.ErrNotFound)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting job %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return toJobDomain(&model), nil
}

// List returns recent jobs, newest first. An empty status matches all.
func (r *JobRepository) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var models []JobModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]domain.Job, len(models))
	for i := range models {
		jobs[i] = *toJobDomain(&models[i])
	}
	return jobs, nil
}
