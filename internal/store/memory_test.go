package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestStore(t *testing.T) (*MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	return NewMemoryStore("node-a", WithClock(mock), WithLeaseDuration(time.Minute)), mock
}

func newProcess(id string, state types.TransferProcessState, stateTs int64) *types.TransferProcess {
	return &types.TransferProcess{
		ID:             id,
		Type:           types.Consumer,
		State:          state,
		StateCount:     1,
		StateTimestamp: stateTs,
		CreatedAt:      stateTs,
		UpdatedAt:      stateTs,
		Protocol:       "test",
	}
}

func seed(t *testing.T, s TransferProcessStore, processes ...*types.TransferProcess) {
	t.Helper()
	for _, tp := range processes {
		require.NoError(t, s.Save(context.Background(), tp))
	}
}

func ids(processes []*types.TransferProcess) []string {
	out := make([]string, len(processes))
	for i, tp := range processes {
		out[i] = tp.ID
	}
	return out
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestFindByIDReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Initial, 1))

	got, err := s.FindByID(ctx, "tp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	got.State = types.Started

	again, err := s.FindByID(ctx, "tp-1")
	require.NoError(t, err)
	assert.Equal(t, types.Initial, again.State)

	missing, err := s.FindByID(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNextNotLeasedOrdersByStateTimestamp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s,
		newProcess("c", types.Initial, 30),
		newProcess("a", types.Initial, 10),
		newProcess("b", types.Initial, 20),
		newProcess("x", types.Started, 5),
	)

	batch, err := s.NextNotLeased(ctx, 2, Eq(FieldState, types.Initial))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(batch))

	// the first two are now leased, only "c" remains
	batch, err = s.NextNotLeased(ctx, 5, Eq(FieldState, types.Initial))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(batch))

	batch, err = s.NextNotLeased(ctx, 5, Eq(FieldState, types.Initial))
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestLeaseExclusivity(t *testing.T) {
	s, mock := newTestStore(t)
	other := s.ForHolder("node-b")
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Requesting, 1))

	tp, err := s.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	_, err = other.FindByIDAndLease(ctx, "tp-1")
	assert.ErrorIs(t, err, ErrAlreadyLeased)

	tp.State = types.Requested
	err = other.Save(ctx, tp)
	assert.ErrorIs(t, err, ErrAlreadyLeased)

	// re-acquiring by the same holder is allowed
	_, err = s.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	// after expiry anyone may take over
	mock.Add(2 * time.Minute)
	_, err = other.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)
	assert.True(t, s.IsLeased("tp-1"))

	require.NoError(t, other.Save(ctx, tp))
	assert.False(t, s.IsLeased("tp-1"), "save releases the lease")
}

func TestFindByIDAndLeaseNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.FindByIDAndLease(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreakLease(t *testing.T) {
	s, _ := newTestStore(t)
	other := s.ForHolder("node-b")
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Initial, 1))

	_, err := s.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	assert.ErrorIs(t, other.BreakLease(ctx, "tp-1"), ErrAlreadyLeased)
	require.NoError(t, s.BreakLease(ctx, "tp-1"))

	batch, err := other.NextNotLeased(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestDeleteRequiresLease(t *testing.T) {
	s, _ := newTestStore(t)
	other := s.ForHolder("node-b")
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Completed, 1))

	_, err := other.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "tp-1"), ErrAlreadyLeased)
	require.NoError(t, other.Delete(ctx, "tp-1"))
	assert.ErrorIs(t, other.Delete(ctx, "tp-1"), ErrNotFound)

	got, err := s.FindByID(ctx, "tp-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindAllFiltersSortsAndPages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		tp := newProcess(fmt.Sprintf("tp-%d", i), types.Started, int64(100-i))
		tp.CreatedAt = int64(i)
		if i%2 == 0 {
			tp.State = types.Completed
		}
		seed(t, s, tp)
	}

	all, err := s.FindAll(ctx, QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-0", "tp-1", "tp-2", "tp-3", "tp-4", "tp-5"}, ids(all))

	completed, err := s.FindAll(ctx, QuerySpec{
		Filter:    []Criterion{Eq(FieldState, types.Completed)},
		SortField: FieldStateTimestamp,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-4", "tp-2", "tp-0"}, ids(completed))

	page, err := s.FindAll(ctx, QuerySpec{SortOrder: Descending, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-4", "tp-3"}, ids(page))

	in, err := s.FindAll(ctx, QuerySpec{Filter: []Criterion{In(FieldID, []string{"tp-1", "tp-5", "zzz"})}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-1", "tp-5"}, ids(in))

	older, err := s.FindAll(ctx, QuerySpec{Filter: []Criterion{{Field: FieldCreatedAt, Operator: OpGreaterOrEqual, Value: 4}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-4", "tp-5"}, ids(older))

	_, err = s.FindAll(ctx, QuerySpec{Filter: []Criterion{Eq("nope", 1)}})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)

	_, err = s.FindAll(ctx, QuerySpec{Filter: []Criterion{{Field: FieldPending, Operator: OpLessThan, Value: true}}})
	assert.ErrorIs(t, err, ErrUnsupportedQuery, "booleans have no order")

	_, err = s.FindAll(ctx, QuerySpec{SortField: "nope"})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestFindByCorrelationID(t *testing.T) {
	s, _ := newTestStore(t)
	tp := newProcess("tp-1", types.Requested, 1)
	tp.CorrelationID = "remote-7"
	seed(t, s, tp)

	got, err := s.FindByCorrelationID(context.Background(), "remote-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tp-1", got.ID)
}

func TestSnapshotRestore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Started, 1), newProcess("tp-2", types.Completed, 2))
	_, err := s.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	data := s.Snapshot()
	assert.Equal(t, 1, data.SchemaVer)
	assert.Len(t, data.Processes, 2)

	restored, _ := newTestStore(t)
	restored.Restore(data)
	assert.Equal(t, map[string]int{"STARTED": 1, "COMPLETED": 1}, restored.Stats())
	assert.False(t, restored.IsLeased("tp-1"))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestNoDoubleProcessing runs several holders against one store and checks
// every process is handed out exactly once.
func TestNoDoubleProcessing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		seed(t, s, newProcess(fmt.Sprintf("tp-%03d", i), types.Initial, int64(i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for n := 0; n < 4; n++ {
		holder := s.ForHolder(fmt.Sprintf("node-%d", n))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := holder.NextNotLeased(ctx, 7, Eq(FieldState, types.Initial))
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, tp := range batch {
					seen[tp.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "process %s leased more than once", id)
	}
}
