package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/registry"
)

// ToolRepository implements storage.ToolStore with GORM. Both drivers use it.
type ToolRepository struct {
	db *gorm.DB
}

// NewToolRepository creates a ToolRepository.
func NewToolRepository(db *gorm.DB) *ToolRepository {
	return &ToolRepository{db: db}
}

func (r *ToolRepository) Get(ctx context.Context, identifier string) (*domain.ToolRecord, error) {
	var model ToolModel
	err := r.db.WithContext(ctx).Where("identifier = ?", identifier).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("getting tool %s: %w", identifier, err)
	}
	return toToolDomain(&model)
}

func (r *ToolRepository) Put(ctx context.Context, rec *domain.ToolRecord) error {
	if err := registry.Validate(rec); err != nil {
		return err
	}
	model, err := toToolModel(rec)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "auth_method",
				"install_directives", "executable_hints", "required_env",
				"updated_at",
			}),
		}).
		Create(&model)
	if result.Error != nil {
		return fmt.Errorf("upserting tool %s: %w", rec.Identifier, result.Error)
	}
	return nil
}

func (r *ToolRepository) List(ctx context.Context) ([]domain.ToolRecord, error) {
	var models []ToolModel
	if err := r.db.WithContext(ctx).Order("identifier").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	out := make([]domain.ToolRecord, 0, len(models))
	for i := range models {
		rec, err := toToolDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *ToolRepository) Delete(ctx context.Context, identifier string) error {
	result := r.db.WithContext(ctx).Where("identifier = ?", identifier).Delete(&ToolModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting tool %s: %w", identifier, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, identifier)
	}
	return nil
}
