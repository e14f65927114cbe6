package jobstore

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
)

func newTestStore() *Store {
	return NewStore(arbor.NewLogger())
}

func ptr[T any](v T) *T {
	return &v
}

func TestStore_InsertAndGet(t *testing.T) {
	store := newTestStore()

	require.NoError(t, store.Insert(models.Job{ID: "J1", Subject: "AAPL"}))

	job, err := store.Get("J1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", job.Subject)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestStore_InsertRejectsDuplicate(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))

	err := store.Insert(models.NewJob("J1", "MSFT"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateJobID))

	job, err := store.Get("J1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", job.Subject, "duplicate insert must not overwrite")
}

func TestStore_InsertRejectsEmptyID(t *testing.T) {
	store := newTestStore()
	err := store.Insert(models.Job{Subject: "AAPL"})
	assert.True(t, errors.Is(err, ErrInvalidJob))
	assert.Equal(t, 0, store.Len())
}

func TestStore_ApplyUpdate(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))

	job, err := store.ApplyUpdate("J1", models.JobUpdate{
		Status:      ptr(models.JobStatusRunning),
		Progress:    ptr(40),
		CurrentStep: ptr("Fetching filings"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, "Fetching filings", job.CurrentStep)
	assert.Equal(t, "AAPL", job.Subject)
}

func TestStore_ApplyUpdateUnknownID(t *testing.T) {
	store := newTestStore()
	_, err := store.ApplyUpdate("missing", models.JobUpdate{Progress: ptr(10)})
	assert.True(t, errors.Is(err, ErrUnknownJobID))
}

func TestStore_TerminalJobIsImmutable(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))

	_, err := store.ApplyUpdate("J1", models.JobUpdate{
		Status:   ptr(models.JobStatusCompleted),
		Progress: ptr(100),
		Result:   json.RawMessage(`{"recommendation":"buy"}`),
	})
	require.NoError(t, err)

	_, err = store.ApplyUpdate("J1", models.JobUpdate{
		Status:   ptr(models.JobStatusRunning),
		Progress: ptr(5),
		Error:    ptr("late"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobTerminal))

	job, err := store.Get("J1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	assert.JSONEq(t, `{"recommendation":"buy"}`, string(job.Result))
}

func TestStore_ListIsSnapshotAndRestartable(t *testing.T) {
	store := newTestStore()
	base := time.Now()
	require.NoError(t, store.Insert(models.Job{ID: "J2", Subject: "MSFT", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Insert(models.Job{ID: "J1", Subject: "AAPL", CreatedAt: base}))

	seq := store.List()

	// Changes after the call are not visible through seq
	require.NoError(t, store.Insert(models.Job{ID: "J3", Subject: "NVDA", CreatedAt: base.Add(2 * time.Second)}))
	_, err := store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(50)})
	require.NoError(t, err)

	for pass := 0; pass < 2; pass++ {
		var ids []string
		for job := range seq {
			ids = append(ids, job.ID)
			if job.ID == "J1" {
				assert.Equal(t, 0, job.Progress)
			}
		}
		assert.Equal(t, []string{"J1", "J2"}, ids, "pass %d", pass)
	}

	// Early break is honoured
	count := 0
	for range store.List() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestStore_ActiveIDs(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Insert(models.NewJob("J2", "MSFT")))
	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))
	require.NoError(t, store.Insert(models.Job{ID: "J0", Subject: "OLD", Status: models.JobStatusCompleted}))

	assert.Equal(t, []string{"J1", "J2"}, store.ActiveIDs())

	_, err := store.ApplyUpdate("J1", models.JobUpdate{Status: ptr(models.JobStatusFailed), Error: ptr("boom")})
	require.NoError(t, err)
	assert.Equal(t, []string{"J2"}, store.ActiveIDs())
}

func TestStore_SubscribeActiveFiresOnSetChangesOnly(t *testing.T) {
	store := newTestStore()

	var calls int
	unsubscribe := store.SubscribeActive(func() { calls++ })

	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))
	assert.Equal(t, 1, calls, "insert of a pending job changes the set")

	_, err := store.ApplyUpdate("J1", models.JobUpdate{Status: ptr(models.JobStatusRunning), Progress: ptr(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "pending to running does not change the set")

	_, err = store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(20)})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = store.ApplyUpdate("J1", models.JobUpdate{Status: ptr(models.JobStatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "terminal transition changes the set")

	require.NoError(t, store.Insert(models.Job{ID: "J0", Status: models.JobStatusFailed}))
	assert.Equal(t, 2, calls, "inserting a terminal job does not change the set")

	require.NoError(t, store.Insert(models.NewJob("J2", "MSFT")))
	assert.Equal(t, 3, calls)
	require.NoError(t, store.Remove("J2"))
	assert.Equal(t, 4, calls, "removing an active job changes the set")

	require.NoError(t, store.Remove("J1"))
	assert.Equal(t, 4, calls, "removing a terminal job does not change the set")

	unsubscribe()
	require.NoError(t, store.Insert(models.NewJob("J3", "NVDA")))
	assert.Equal(t, 4, calls)
}

func TestStore_HandlersCanReadDuringNotification(t *testing.T) {
	store := newTestStore()

	var seen [][]string
	store.SubscribeActive(func() {
		seen = append(seen, store.ActiveIDs())
	})

	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))
	_, err := store.ApplyUpdate("J1", models.JobUpdate{Status: ptr(models.JobStatusCompleted)})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"J1"}, {}}, seen)
}

func TestStore_SubscribeChanges(t *testing.T) {
	store := newTestStore()

	var kinds []interfaces.JobChangeKind
	store.SubscribeChanges(func(job models.Job, kind interfaces.JobChangeKind) {
		assert.Equal(t, "J1", job.ID)
		kinds = append(kinds, kind)
	})

	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))
	_, err := store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(10)})
	require.NoError(t, err)
	require.NoError(t, store.Remove("J1"))

	assert.Equal(t, []interfaces.JobChangeKind{interfaces.JobInserted, interfaces.JobUpdated, interfaces.JobRemoved}, kinds)
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Insert(models.NewJob("J1", "AAPL")))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := store.ApplyUpdate("J1", models.JobUpdate{Progress: ptr(p), CurrentStep: ptr("step")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	job, err := store.Get("J1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, job.Progress, 1)
	assert.LessOrEqual(t, job.Progress, 50)
	assert.Equal(t, "step", job.CurrentStep)
}
