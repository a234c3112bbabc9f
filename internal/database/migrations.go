package database

import (
	"strings"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
)

// migrateAddPeers backfills the peers column on databases created before it was tracked.
// AutoMigrate adds it on fresh databases, so "duplicate column" is the expected outcome there.
func (s *SQLiteDatabase) migrateAddPeers() error {
	if err := s.db.Exec("ALTER TABLE downloads ADD COLUMN peers INTEGER NOT NULL DEFAULT 0").Error; err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			logutils.Log.WithError(err).Error("Failed to add peers column")
			return err
		}
		logutils.Log.Debug("peers column already exists")
		return nil
	}

	logutils.Log.Info("Successfully added peers column to downloads table")
	return nil
}
