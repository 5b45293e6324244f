package storage

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
)

var dbCounter atomic.Int64

// openTestStorage opens a unique file-based SQLite database (removed on
// cleanup), migrates it, and returns the storage.
func openTestStorage(t *testing.T) *GormStorage {
	t.Helper()

	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/storage_test_%d_%d.db", t.TempDir(), os.Getpid(), n)

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")

	store := NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()), "migrate test db")
	return store
}
