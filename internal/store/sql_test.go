package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

func newSQLiteStore(t *testing.T) (*SQLStore, *SQLStore, *clock.Mock) {
	t.Helper()
	s, err := OpenSQLStore(SQLConfig{
		Driver:        "sqlite",
		DSN:           filepath.Join(t.TempDir(), "connector.db"),
		AutoMigrate:   true,
		LeaseDuration: time.Minute,
	}, "node-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	s.clock = mock
	other := NewSQLStore(s.db, "node-b", time.Minute, mock)
	return s, other, mock
}

func newSQLMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return NewSQLStore(gdb, "node-a", time.Minute, nil), mock
}

func TestSQLStoreRoundTrip(t *testing.T) {
	s, _, _ := newSQLiteStore(t)
	ctx := context.Background()

	tp := newProcess("tp-1", types.Provisioning, 10)
	tp.CorrelationID = "remote-1"
	tp.DataDestination = &types.DataAddress{Type: "File", Properties: map[string]string{"path": "/tmp/out"}}
	tp.ResourceManifest = &types.ResourceManifest{Definitions: []types.ResourceDefinition{{ID: "d1", ResourceType: "local-dir"}}}
	tp.AddProvisionedResource(types.ProvisionedResource{ID: "r1", ResourceDefinitionID: "d1"})
	tp.PrivateProperties = map[string]string{"k": "v"}
	tp.MessageSent("m-1")
	require.NoError(t, s.Save(ctx, tp))

	got, err := s.FindByID(ctx, "tp-1")
	require.NoError(t, err)
	assert.Equal(t, tp, got)

	byCorrelation, err := s.FindByCorrelationID(ctx, "remote-1")
	require.NoError(t, err)
	require.NotNil(t, byCorrelation)
	assert.Equal(t, "tp-1", byCorrelation.ID)

	missing, err := s.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	tp.State = types.Provisioned
	require.NoError(t, s.Save(ctx, tp))
	got, err = s.FindByID(ctx, "tp-1")
	require.NoError(t, err)
	assert.Equal(t, types.Provisioned, got.State)
}

func TestSQLStoreNextNotLeased(t *testing.T) {
	s, other, mock := newSQLiteStore(t)
	ctx := context.Background()
	seed(t, s,
		newProcess("c", types.Initial, 30),
		newProcess("a", types.Initial, 10),
		newProcess("b", types.Initial, 20),
		newProcess("x", types.Started, 1),
	)

	batch, err := s.NextNotLeased(ctx, 2, Eq(FieldState, types.Initial))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(batch))

	batch, err = other.NextNotLeased(ctx, 5, Eq(FieldState, types.Initial))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(batch))

	_, err = other.FindByIDAndLease(ctx, "a")
	assert.ErrorIs(t, err, ErrAlreadyLeased)
	require.NoError(t, other.Save(ctx, batch[0]))

	mock.Add(2 * time.Minute)
	batch, err = other.NextNotLeased(ctx, 5, Eq(FieldState, types.Initial), Eq(FieldPending, false))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(batch))
}

func TestSQLStoreLeaseLifecycle(t *testing.T) {
	s, other, _ := newSQLiteStore(t)
	ctx := context.Background()
	seed(t, s, newProcess("tp-1", types.Completed, 1))

	_, err := s.FindByIDAndLease(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tp, err := s.FindByIDAndLease(ctx, "tp-1")
	require.NoError(t, err)

	assert.ErrorIs(t, other.Save(ctx, tp), ErrAlreadyLeased)
	assert.ErrorIs(t, other.BreakLease(ctx, "tp-1"), ErrAlreadyLeased)
	assert.ErrorIs(t, other.Delete(ctx, "tp-1"), ErrAlreadyLeased)

	require.NoError(t, s.BreakLease(ctx, "tp-1"))
	require.NoError(t, other.Delete(ctx, "tp-1"))
	assert.ErrorIs(t, other.Delete(ctx, "tp-1"), ErrNotFound)
}

func TestSQLStoreFindAll(t *testing.T) {
	s, _, _ := newSQLiteStore(t)
	ctx := context.Background()
	for i, id := range []string{"tp-0", "tp-1", "tp-2", "tp-3"} {
		tp := newProcess(id, types.Started, int64(10-i))
		tp.CreatedAt = int64(i)
		if i%2 == 1 {
			tp.State = types.Completed
		}
		seed(t, s, tp)
	}

	all, err := s.FindAll(ctx, QuerySpec{})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-0", "tp-1", "tp-2", "tp-3"}, ids(all))

	completed, err := s.FindAll(ctx, QuerySpec{
		Filter:    []Criterion{Eq(FieldState, types.Completed)},
		SortField: FieldStateTimestamp,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-3", "tp-1"}, ids(completed))

	page, err := s.FindAll(ctx, QuerySpec{SortOrder: Descending, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"tp-2", "tp-1"}, ids(page))

	in, err := s.FindAll(ctx, QuerySpec{Filter: []Criterion{In(FieldState, []int{int(types.Completed)})}})
	require.NoError(t, err)
	assert.Len(t, in, 2)

	_, err = s.FindAll(ctx, QuerySpec{Filter: []Criterion{Eq("bogus", 1)}})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)

	_, err = s.FindAll(ctx, QuerySpec{Filter: []Criterion{{Field: FieldPending, Operator: OpGreaterThan, Value: false}}})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestOpenSQLStoreUnsupportedDriver(t *testing.T) {
	_, err := OpenSQLStore(SQLConfig{Driver: "oracle"}, "node-a")
	assert.ErrorContains(t, err, "unsupported database driver")
}

// ============================================================================
// Persistence failures (sqlmock)
// ============================================================================

func TestSQLStoreFindByIDQueryError(t *testing.T) {
	s, mock := newSQLMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("pop"))

	_, err := s.FindByID(context.Background(), "tp-1")
	assert.ErrorContains(t, err, "pop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreNextNotLeasedBeginError(t *testing.T) {
	s, mock := newSQLMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("pop"))

	_, err := s.NextNotLeased(context.Background(), 5)
	assert.ErrorContains(t, err, "pop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveRollsBackOnWriteError(t *testing.T) {
	s, mock := newSQLMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "edc_lease"`).WillReturnRows(sqlmock.NewRows([]string{"resource_id"}))
	mock.ExpectExec(`INSERT INTO "edc_transfer_process"`).WillReturnError(errors.New("pop"))
	mock.ExpectRollback()

	err := s.Save(context.Background(), newProcess("tp-1", types.Initial, 1))
	assert.ErrorContains(t, err, "pop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveRejectsForeignLease(t *testing.T) {
	s, mock := newSQLMockStore(t)
	farFuture := time.Now().Add(time.Hour).UnixMilli()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "edc_lease"`).WillReturnRows(
		sqlmock.NewRows([]string{"resource_id", "leased_by", "leased_at", "lease_duration"}).
			AddRow("tp-1", "node-z", farFuture, int64(60000)))
	mock.ExpectRollback()

	err := s.Save(context.Background(), newProcess("tp-1", types.Initial, 1))
	assert.ErrorIs(t, err, ErrAlreadyLeased)
	assert.NoError(t, mock.ExpectationsWereMet())
}
