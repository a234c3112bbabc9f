package database

import (
	"context"
	"errors"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *SQLiteDatabase) SaveDownload(ctx context.Context, dl *models.Download) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(dl)
	if result.Error != nil {
		return utils.WrapError(utils.ErrDatabaseError, result.Error.Error(), map[string]any{
			"download_id": dl.ID,
		})
	}
	return nil
}

func (s *SQLiteDatabase) DeleteDownload(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Download{})
	if result.Error != nil {
		return utils.WrapError(utils.ErrDatabaseError, result.Error.Error(), map[string]any{
			"download_id": id,
		})
	}
	return nil
}

func (s *SQLiteDatabase) GetDownload(ctx context.Context, id string) (models.Download, error) {
	var dl models.Download
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&dl)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return models.Download{}, utils.WrapError(utils.ErrNotFound, "get download", map[string]any{
				"download_id": id,
			})
		}
		return models.Download{}, utils.WrapError(utils.ErrDatabaseError, result.Error.Error(), nil)
	}
	return dl, nil
}

func (s *SQLiteDatabase) ListDownloads(ctx context.Context) ([]models.Download, error) {
	var downloads []models.Download
	result := s.db.WithContext(ctx).Order("created_at ASC").Find(&downloads)
	if result.Error != nil {
		return nil, utils.WrapError(utils.ErrDatabaseError, result.Error.Error(), nil)
	}
	return downloads, nil
}

func (s *SQLiteDatabase) ListDownloadsByStatus(
	ctx context.Context,
	statuses ...models.DownloadStatus,
) ([]models.Download, error) {
	var downloads []models.Download
	result := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at ASC").Find(&downloads)
	if result.Error != nil {
		return nil, utils.WrapError(utils.ErrDatabaseError, result.Error.Error(), nil)
	}
	return downloads, nil
}
