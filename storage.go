package engine

import (
	"gorm.io/gorm"

	"github.com/campaignops/pipeline-engine/pkg/storage"
)

// GormStorage implements Storage using GORM, against SQLite or Postgres.
type GormStorage = storage.GormStorage

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}
