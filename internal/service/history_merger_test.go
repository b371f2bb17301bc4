package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

func newTestMerger(repo storage.Repository, clock *fakeClock) *HistoryMerger {
	return NewHistoryMerger(repo, HistoryMergerConfig{ConflictRetryDelay: time.Millisecond, Concurrency: 4}, nil).
		WithClock(clock.Now)
}

func TestHistoryMerger_NewEntity(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	result, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{
		business("0301", "0150", "STORGATA 1"),
		postal("0301", "0101", "POSTBOKS 1"),
	})
	require.NoError(t, err)

	assert.True(t, result.IsNew)
	assert.ElementsMatch(t, []types.AddressKind{types.AddressBusiness, types.AddressPostal}, result.ChangedAddressKinds)

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, rec := range history {
		assert.True(t, rec.ValidFrom.Equal(day(-30)), "first record starts at registration")
		assert.True(t, rec.IsCurrent)
		assert.Nil(t, rec.ValidTo)
	}

	stored, err := repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.True(t, stored.FirstSeenAt.Equal(day0))
}

func TestHistoryMerger_FutureRegistrationUsesNow(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	e := entity("A")
	future := day(3)
	e.RegistrationDate = &future

	_, err := merger.Merge(ctx, e, []models.AddressRecord{business("0301", "", "X")})
	require.NoError(t, err)

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ValidFrom.Equal(day0))
}

func TestHistoryMerger_Idempotent(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	snapshot := []models.AddressRecord{business("0301", "0150", "STORGATA 1")}
	_, err := merger.Merge(ctx, entity("A"), snapshot)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	again := []models.AddressRecord{business("0301", " 0150", "storgata  1")}
	result, err := merger.Merge(ctx, entity("A"), again)
	require.NoError(t, err)

	assert.False(t, result.IsNew)
	assert.False(t, result.EntityChanged)
	assert.False(t, result.StatusChanged)
	assert.Empty(t, result.ChangedAddressKinds)
	assert.True(t, result.DetectionPending, "nothing detected since the first merge")

	require.NoError(t, repo.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetDetectionPending(ctx, "A", false)
	}))
	result, err = merger.Merge(ctx, entity("A"), again)
	require.NoError(t, err)
	assert.False(t, result.NeedsDetection())

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	stored, err := repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.True(t, stored.LastSeenAt.Equal(day0.Add(time.Hour)))
	assert.True(t, stored.UpdatedAt.Equal(day0), "unchanged attributes keep UpdatedAt")
}

func TestHistoryMerger_MoveClosesPreviousRecord(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{
		business("0301", "0150", "STORGATA 1"),
		postal("0301", "0101", "POSTBOKS 1"),
	})
	require.NoError(t, err)

	clock.Set(day(100))
	result, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{
		business("4601", "5003", "TORGET 2"),
		postal("0301", "0101", "POSTBOKS 1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []types.AddressKind{types.AddressBusiness}, result.ChangedAddressKinds)
	assert.True(t, result.NeedsDetection())

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)

	var businessRecords []models.AddressRecord
	for _, rec := range history {
		if rec.Kind == types.AddressBusiness {
			businessRecords = append(businessRecords, rec)
		}
	}
	require.Len(t, businessRecords, 2)
	old, current := businessRecords[0], businessRecords[1]
	assert.Equal(t, "0301", old.JurisdictionID)
	assert.False(t, old.IsCurrent)
	require.NotNil(t, old.ValidTo)
	assert.True(t, old.ValidTo.Equal(day(100)))
	assert.Equal(t, "4601", current.JurisdictionID)
	assert.True(t, current.ValidFrom.Equal(*old.ValidTo), "no gap between records")
	assert.True(t, current.IsCurrent)
}

func TestHistoryMerger_StatusChange(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), nil)
	require.NoError(t, err)

	clock.Set(day(50))
	bankrupt := entity("A")
	bankrupt.Status = types.StatusBankrupt
	result, err := merger.Merge(ctx, bankrupt, nil)
	require.NoError(t, err)
	assert.True(t, result.StatusChanged)
	assert.True(t, result.EntityChanged)
	assert.True(t, result.NeedsDetection())

	stored, err := repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, stored.StatusChangedAt)
	assert.True(t, stored.StatusChangedAt.Equal(day(50)), "observed time when upstream has no date")

	clock.Set(day(60))
	result, err = merger.Merge(ctx, bankrupt, nil)
	require.NoError(t, err)
	assert.False(t, result.StatusChanged)

	stored, err = repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.True(t, stored.StatusChangedAt.Equal(day(50)), "status date is kept")
}

func TestHistoryMerger_KeepsBankruptcyDate(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), nil)
	require.NoError(t, err)

	clock.Set(day(50))
	bankrupt := entity("A")
	bankrupt.Status = types.StatusBankrupt
	bankrupt.BankruptcyDate = timePtr(day(40))
	_, err = merger.Merge(ctx, bankrupt, nil)
	require.NoError(t, err)

	clock.Set(day(90))
	dissolved := entity("A")
	dissolved.Status = types.StatusDissolved
	result, err := merger.Merge(ctx, dissolved, nil)
	require.NoError(t, err)
	assert.True(t, result.StatusChanged)

	stored, err := repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDissolved, stored.Status)
	require.NotNil(t, stored.BankruptcyDate)
	assert.True(t, stored.BankruptcyDate.Equal(day(40)))

	// a bankruptcy date learned without a status change still needs detection
	clock.Set(day(100))
	late := entity("B")
	late.Status = types.StatusDissolved
	_, err = merger.Merge(ctx, late, nil)
	require.NoError(t, err)
	late.BankruptcyDate = timePtr(day(95))
	result, err = merger.Merge(ctx, late, nil)
	require.NoError(t, err)
	assert.True(t, result.StatusChanged)
	assert.True(t, result.NeedsDetection())
}

func TestHistoryMerger_FlagsEntityUntilDetected(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day0)
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{business("0301", "", "A")})
	require.NoError(t, err)

	clock.Set(day(10))
	result, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{business("4601", "", "B")})
	require.NoError(t, err)
	assert.True(t, result.NeedsDetection())

	stored, err := repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.True(t, stored.DetectionPending)

	// detection never completed, so an identical resync asks for it again
	clock.Set(day(11))
	result, err = merger.Merge(ctx, entity("A"), []models.AddressRecord{business("4601", "", "B")})
	require.NoError(t, err)
	assert.Empty(t, result.ChangedAddressKinds)
	assert.True(t, result.NeedsDetection())

	// a failed merge rolls the flag back with the rest of the transaction
	repo.FailOn("InsertAddressRecord", errors.New("disk full"))
	require.NoError(t, repo.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetDetectionPending(ctx, "A", false)
	}))
	clock.Set(day(12))
	_, err = merger.Merge(ctx, entity("A"), []models.AddressRecord{business("5001", "", "C")})
	require.Error(t, err)

	stored, err = repo.GetEntity(ctx, "A")
	require.NoError(t, err)
	assert.False(t, stored.DetectionPending)
}

func TestHistoryMerger_ClockBehindCurrentRecord(t *testing.T) {
	repo := storage.NewMemoryRepository()
	clock := newFakeClock(day(10))
	merger := newTestMerger(repo, clock)
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{business("0301", "", "A")})
	require.NoError(t, err)

	clock.Set(day(-60))
	_, err = merger.Merge(ctx, entity("A"), []models.AddressRecord{business("4601", "", "B")})
	require.NoError(t, err)

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].ValidFrom.Before(*history[0].ValidTo))
}

// conflictingRepo reports a merge conflict for the first n transactions
type conflictingRepo struct {
	*storage.MemoryRepository
	remaining atomic.Int32
}

func (r *conflictingRepo) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if r.remaining.Add(-1) >= 0 {
		return apperrors.NewMergeConflictError("A", types.AddressBusiness, 2)
	}
	return r.MemoryRepository.WithTx(ctx, fn)
}

func TestHistoryMerger_ConflictRetriedOnce(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: storage.NewMemoryRepository()}
	repo.remaining.Store(1)
	merger := newTestMerger(repo, newFakeClock(day0))
	ctx := testContext(t)

	result, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{business("0301", "", "A")})
	require.NoError(t, err)
	assert.True(t, result.IsNew)
}

func TestHistoryMerger_RepeatedConflictIsReturned(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: storage.NewMemoryRepository()}
	repo.remaining.Store(2)
	merger := newTestMerger(repo, newFakeClock(day0))
	ctx := testContext(t)

	_, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{business("0301", "", "A")})
	require.Error(t, err)
	assert.True(t, apperrors.IsMergeConflict(err))

	_, err = repo.GetEntity(ctx, "A")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryMerger_ConcurrentSameEntity(t *testing.T) {
	repo := storage.NewMemoryRepository()
	merger := newTestMerger(repo, newFakeClock(day0))
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := merger.Merge(ctx, entity("A"), []models.AddressRecord{
				business(fmt.Sprintf("%04d", i%3), "", fmt.Sprintf("STREET %d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := repo.GetAddressHistory(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, countCurrent(history, types.AddressBusiness))
	assert.Zero(t, merger.locks.Len(), "lock entries are released")
}

func TestHistoryMerger_MergeBatch(t *testing.T) {
	repo := storage.NewMemoryRepository()
	merger := newTestMerger(repo, newFakeClock(day0))
	ctx := testContext(t)

	batch := make([]Snapshot, 0, 30)
	for i := 0; i < 30; i++ {
		batch = append(batch, Snapshot{
			Entity:    entity(fmt.Sprintf("E%02d", i)),
			Addresses: []models.AddressRecord{business("0301", "", "STREET")},
		})
	}

	results, errs, err := merger.MergeBatch(ctx, batch)
	require.NoError(t, err)
	for i := range batch {
		assert.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.True(t, results[i].IsNew)
	}

	ids, err := repo.ListEntityIDs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, ids, 30)
}

func TestHistoryMerger_MergeBatchStorageUnavailable(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.SetUnavailable(true)
	merger := newTestMerger(repo, newFakeClock(day0))

	_, errs, err := merger.MergeBatch(testContext(t), []Snapshot{{Entity: entity("A")}})
	require.Error(t, err)
	assert.True(t, apperrors.IsStorageUnavailable(err))
	assert.Error(t, errs[0])
}

func countCurrent(records []models.AddressRecord, kind types.AddressKind) int {
	n := 0
	for _, rec := range records {
		if rec.Kind == kind && rec.IsCurrent {
			n++
		}
	}
	return n
}

func TestHistoryMerger_TimelineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one current record per kind and contiguous non-overlapping intervals", prop.ForAll(
		func(steps []int) bool {
			repo := storage.NewMemoryRepository()
			clock := newFakeClock(day0)
			merger := newTestMerger(repo, clock)
			ctx := context.Background()

			for _, step := range steps {
				clock.Advance(time.Duration(step%5) * time.Hour)
				addresses := []models.AddressRecord{business(fmt.Sprintf("J%d", step%3), "", "")}
				if step%4 != 0 {
					addresses = append(addresses, postal(fmt.Sprintf("J%d", step%2), "", ""))
				}
				if _, err := merger.Merge(ctx, entity("A"), addresses); err != nil {
					return false
				}
			}

			history, err := repo.GetAddressHistory(ctx, "A")
			if err != nil {
				return false
			}
			for _, kind := range types.AddressKinds {
				var timeline []models.AddressRecord
				for _, rec := range history {
					if rec.Kind == kind {
						timeline = append(timeline, rec)
					}
				}
				if len(timeline) == 0 {
					continue
				}
				if countCurrent(timeline, kind) != 1 || !timeline[len(timeline)-1].IsCurrent {
					return false
				}
				for i := 0; i < len(timeline)-1; i++ {
					rec := timeline[i]
					if rec.IsCurrent || rec.ValidTo == nil {
						return false
					}
					if rec.ValidTo.Before(rec.ValidFrom) || !rec.ValidTo.Equal(timeline[i+1].ValidFrom) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, 99)),
	))

	properties.TestingRun(t)
}
