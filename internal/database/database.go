package database

import (
	"context"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
)

// DownloadReader is the read-only subset of the download store.
type DownloadReader interface {
	GetDownload(ctx context.Context, id string) (models.Download, error)
	ListDownloads(ctx context.Context) ([]models.Download, error)
	ListDownloadsByStatus(ctx context.Context, statuses ...models.DownloadStatus) ([]models.Download, error)
}

// DownloadWriter is the write subset. SaveDownload upserts the full record keyed by id.
type DownloadWriter interface {
	SaveDownload(ctx context.Context, dl *models.Download) error
	DeleteDownload(ctx context.Context, id string) error
}

// Store is the full persistence interface used by the download manager.
type Store interface {
	DownloadReader
	DownloadWriter
	Close() error
}

func NewDatabase(path string) (Store, error) {
	database := NewSQLiteDatabase()
	if err := database.Init(path); err != nil {
		logutils.Log.WithError(err).WithField("path", path).Error("Failed to initialize the database")
		return nil, err
	}

	return database, nil
}
