package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-indexer/internal/database"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"gorm.io/gorm"
)

// IndexRunRepository handles index run history database operations
type IndexRunRepository struct{}

// NewIndexRunRepository creates a new index run repository
func NewIndexRunRepository() *IndexRunRepository {
	return &IndexRunRepository{}
}

// Create creates a new index run entry
func (r *IndexRunRepository) Create(ctx context.Context, run *models.IndexRun) error {
	if err := database.DB.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create index run: %w", err)
	}
	return nil
}

// Update saves the outcome of an index run
func (r *IndexRunRepository) Update(ctx context.Context, run *models.IndexRun) error {
	if err := database.DB.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to update index run: %w", err)
	}
	return nil
}

// GetByID retrieves an index run by ID
func (r *IndexRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.IndexRun, error) {
	var run models.IndexRun
	if err := database.DB.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get index run: %w", err)
	}
	return &run, nil
}

// ListByBase retrieves the most recent runs for a base scope
func (r *IndexRunRepository) ListByBase(ctx context.Context, base string, limit, offset int) ([]models.IndexRun, error) {
	var runs []models.IndexRun
	query := database.DB.WithContext(ctx).
		Where("base = ?", base).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to get index runs: %w", err)
	}

	return runs, nil
}

// LatestByBase returns the most recent run for a base scope
func (r *IndexRunRepository) LatestByBase(ctx context.Context, base string) (*models.IndexRun, error) {
	runs, err := r.ListByBase(ctx, base, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &runs[0], nil
}
