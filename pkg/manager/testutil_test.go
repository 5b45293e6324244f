package manager

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campaignops/pipeline-engine/pkg/bus"
	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/storage"
)

var dbCounter atomic.Int64

func openTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()

	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/manager_test_%d_%d.db", t.TempDir(), os.Getpid(), n)

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()), "migrate test db")
	return store
}

func newTestManager(t *testing.T, store core.Storage, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithConcurrency(2),
		WithPollInterval(20 * time.Millisecond),
		WithStorageRetry(RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		}),
	}
	return New(store, bus.New(), append(base, opts...)...)
}

// startManager runs the manager loop until test cleanup.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

// waitForStatus polls until the job reaches the wanted status.
func waitForStatus(t *testing.T, m *Manager, tenantID, ownerID, jobID string, want core.JobStatus) *Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(context.Background(), tenantID, ownerID, jobID)
		require.NoError(t, err)
		if st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := m.Status(context.Background(), tenantID, ownerID, jobID)
	require.NoError(t, err)
	t.Fatalf("job %s never reached %s, last status %s", jobID, want, st.Status)
	return nil
}

// interruptJob fabricates an interrupted job row the way a process crash
// would leave one: claimed by a worker that never finished, then swept.
func interruptJob(t *testing.T, store core.Storage, jobID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.ClaimJob(ctx, jobID, "dead-worker")
	require.NoError(t, err)
	_, err = store.SweepInterrupted(ctx)
	require.NoError(t, err)
}
