package idempotent

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campaignops/pipeline-engine/pkg/storage"
)

var dbCounter atomic.Int64

func openTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	store, _ := openTestStorageDB(t)
	return store
}

// openTestStorageDB also returns the raw gorm handle for tests that need to
// doctor rows into states the storage API never produces on its own.
func openTestStorageDB(t *testing.T) (*storage.GormStorage, *gorm.DB) {
	t.Helper()

	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/idempotent_test_%d_%d.db", t.TempDir(), os.Getpid(), n)

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()), "migrate test db")
	return store, db
}
