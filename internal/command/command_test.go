package command

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

type recordedEvent struct {
	Type  event.Type
	State types.TransferProcessState
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) PublishFor(t event.Type, tp *types.TransferProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: t, State: tp.State})
}

func (r *eventRecorder) kinds() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type stopper struct {
	suspended, terminated []string
}

func (s *stopper) Suspend(_ context.Context, tp *types.TransferProcess) error {
	s.suspended = append(s.suspended, tp.ID)
	return nil
}

func (s *stopper) Terminate(_ context.Context, tp *types.TransferProcess) error {
	s.terminated = append(s.terminated, tp.ID)
	return errors.New("already gone")
}

type outcomeRecorder struct {
	outcomes map[string]int
}

func (r *outcomeRecorder) RecordCommand(name, outcome string) {
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[name+"/"+outcome]++
}

type fixture struct {
	store    *store.MemoryStore
	clock    *clock.Mock
	events   *eventRecorder
	flows    *stopper
	outcomes *outcomeRecorder
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(time.Hour)
	f := &fixture{
		store:    store.NewMemoryStore("node-a", store.WithClock(mock)),
		clock:    mock,
		events:   &eventRecorder{},
		flows:    &stopper{},
		outcomes: &outcomeRecorder{},
	}
	f.registry = NewRegistry(f.store, f.events, WithClock(mock), WithFlowStopper(f.flows), WithRecorder(f.outcomes))
	return f
}

func (f *fixture) seed(t *testing.T, id string, state types.TransferProcessState) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), &types.TransferProcess{
		ID:             id,
		Type:           types.Provider,
		State:          state,
		StateCount:     1,
		StateTimestamp: f.clock.Now().UnixMilli(),
	}))
}

func (f *fixture) get(t *testing.T, id string) *types.TransferProcess {
	t.Helper()
	tp, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tp)
	return tp
}

// ============================================================================
// Execute
// ============================================================================

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Requested)
	f.seed(t, "tp-2", types.Completed)
	ctx := context.Background()

	res := f.registry.Execute(ctx, CancelTransfer{ProcessID: "tp-1"})
	require.True(t, res.Succeeded(), res.Detail())
	assert.Equal(t, types.Cancelled, f.get(t, "tp-1").State)
	assert.Equal(t, []event.Type{event.Cancelled}, f.events.kinds())
	assert.False(t, f.store.IsLeased("tp-1"))

	res = f.registry.Execute(ctx, CancelTransfer{ProcessID: "tp-2"})
	assert.Equal(t, ReasonBadRequest, res.Reason)
	assert.Equal(t, []string{"TransferProcess tp-2 cannot be canceled as it is in state COMPLETED"}, res.Messages)
	assert.Equal(t, types.Completed, f.get(t, "tp-2").State)
	assert.False(t, f.store.IsLeased("tp-2"), "rejected commands release the lease")

	assert.Equal(t, 1, f.outcomes.outcomes[NameCancel+"/succeeded"])
	assert.Equal(t, 1, f.outcomes.outcomes[NameCancel+"/bad_request"])
}

func TestExecuteUnknownProcess(t *testing.T) {
	f := newFixture(t)
	res := f.registry.Execute(context.Background(), TerminateTransfer{ProcessID: "nope"})
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.EqualError(t, res.Err(), "NOT_FOUND: TransferProcess nope does not exist")
}

func TestExecuteLeasedProcess(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Started)
	other := f.store.ForHolder("node-b")
	_, err := other.FindByIDAndLease(context.Background(), "tp-1")
	require.NoError(t, err)

	res := f.registry.Execute(context.Background(), CompleteTransfer{ProcessID: "tp-1"})
	assert.True(t, res.Retryable())
	assert.Equal(t, types.Started, f.get(t, "tp-1").State)
	assert.True(t, f.store.IsLeased("tp-1"), "the foreign lease is untouched")
}

func TestExecuteUnknownCommand(t *testing.T) {
	f := newFixture(t)
	res := NewRegistry(f.store, nil).Execute(context.Background(), customCommand{})
	assert.Equal(t, ReasonError, res.Reason)
	assert.Contains(t, res.Detail(), "No handler registered")
}

type customCommand struct{}

func (customCommand) Name() string     { return "Custom" }
func (customCommand) EntityID() string { return "tp-1" }

func TestStateCommands(t *testing.T) {
	tests := []struct {
		name   string
		from   types.TransferProcessState
		cmd    func(id string) Command
		want   types.TransferProcessState
		reason Reason
		events []event.Type
	}{
		{"terminate started", types.Started, func(id string) Command { return TerminateTransfer{ProcessID: id, Reason: "bye"} }, types.Terminating, "", nil},
		{"terminate twice", types.Terminating, func(id string) Command { return TerminateTransfer{ProcessID: id} }, types.Terminating, "", nil},
		{"terminate completed", types.Completed, func(id string) Command { return TerminateTransfer{ProcessID: id} }, types.Completed, ReasonBadRequest, nil},
		{"complete started", types.Started, func(id string) Command { return CompleteTransfer{ProcessID: id} }, types.Completing, "", nil},
		{"complete completing", types.Completing, func(id string) Command { return CompleteTransfer{ProcessID: id} }, types.Completing, "", nil},
		{"complete requested", types.Requested, func(id string) Command { return CompleteTransfer{ProcessID: id} }, types.Requested, ReasonConflict, nil},
		{"complete provisioned", types.Provisioned, func(id string) Command { return CompleteTransfer{ProcessID: id} }, types.Provisioned, ReasonBadRequest, nil},
		{"fail started", types.Started, func(id string) Command { return &FailTransfer{ProcessID: id, ErrorDetail: "boom"} }, types.Terminated, "", []event.Type{event.Failed}},
		{"fail final", types.Completed, func(id string) Command { return FailTransfer{ProcessID: id} }, types.Completed, "", nil},
		{"suspend started", types.Started, func(id string) Command { return SuspendTransfer{ProcessID: id} }, types.Suspending, "", nil},
		{"suspend provisioned", types.Provisioned, func(id string) Command { return SuspendTransfer{ProcessID: id} }, types.Provisioned, ReasonBadRequest, nil},
		{"resume suspended", types.Suspended, func(id string) Command { return ResumeTransfer{ProcessID: id} }, types.Starting, "", nil},
		{"resume started", types.Started, func(id string) Command { return ResumeTransfer{ProcessID: id} }, types.Started, ReasonBadRequest, nil},
		{"deprovision completed", types.Completed, func(id string) Command { return DeprovisionRequest{ProcessID: id} }, types.Deprovisioning, "", nil},
		{"deprovision terminated", types.Terminated, func(id string) Command { return DeprovisionRequest{ProcessID: id} }, types.Deprovisioning, "", nil},
		{"deprovision started", types.Started, func(id string) Command { return DeprovisionRequest{ProcessID: id} }, types.Started, ReasonBadRequest, nil},
		{"notify completed", types.Started, func(id string) Command { return NotifyCompleted{ProcessID: id, MessageID: "m1"} }, types.Completed, "", []event.Type{event.Completed}},
		{"notify suspended", types.Started, func(id string) Command { return NotifySuspended{ProcessID: id, MessageID: "m1"} }, types.Suspended, "", []event.Type{event.Suspended}},
		{"notify suspended requested", types.Requested, func(id string) Command { return NotifySuspended{ProcessID: id} }, types.Requested, ReasonBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "tp-1", tt.from)

			res := f.registry.Execute(context.Background(), tt.cmd("tp-1"))
			assert.Equal(t, tt.reason, res.Reason, res.Detail())
			assert.Equal(t, tt.want, f.get(t, "tp-1").State)
			assert.Equal(t, tt.events, f.events.kinds())
			assert.False(t, f.store.IsLeased("tp-1"))
		})
	}
}

func TestFailRecordsDetail(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Started)

	require.True(t, f.registry.Execute(context.Background(), FailTransfer{ProcessID: "tp-1", ErrorDetail: "disk full"}).Succeeded())
	tp := f.get(t, "tp-1")
	assert.Equal(t, types.Terminated, tp.State)
	assert.Equal(t, "disk full", tp.ErrorDetail)
}

func TestAddProvisionedResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := &types.TransferProcess{
		ID:         "tp-1",
		State:      types.Provisioning,
		StateCount: 1,
		Pending:    true,
		ResourceManifest: &types.ResourceManifest{Definitions: []types.ResourceDefinition{
			{ID: "d1"}, {ID: "d2"},
		}},
	}
	require.NoError(t, f.store.Save(ctx, tp))

	res := f.registry.Execute(ctx, AddProvisionedResource{ProcessID: "tp-1", Resources: []types.ProvisionedResource{{ID: "r1", ResourceDefinitionID: "d1"}}})
	require.True(t, res.Succeeded())
	got := f.get(t, "tp-1")
	assert.Equal(t, types.Provisioning, got.State)
	assert.False(t, got.Pending, "the rest is provisioned on the next cycle")
	assert.Equal(t, 2, got.StateCount)

	res = f.registry.Execute(ctx, AddProvisionedResource{ProcessID: "tp-1", Resources: []types.ProvisionedResource{{ID: "r2", ResourceDefinitionID: "d2"}}})
	require.True(t, res.Succeeded())
	assert.Equal(t, types.Provisioned, f.get(t, "tp-1").State)
	assert.Equal(t, []event.Type{event.Provisioned}, f.events.kinds())

	res = f.registry.Execute(ctx, AddProvisionedResource{ProcessID: "tp-1"})
	assert.True(t, res.Succeeded(), "late results are ignored")
}

func TestAddProvisionedResourceError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Provisioning)

	require.True(t, f.registry.Execute(context.Background(), AddProvisionedResource{ProcessID: "tp-1", Error: "quota"}).Succeeded())
	tp := f.get(t, "tp-1")
	assert.Equal(t, types.Terminated, tp.State)
	assert.Equal(t, "Error provisioning resources: quota", tp.ErrorDetail)
	assert.Equal(t, []event.Type{event.Failed}, f.events.kinds())
}

func TestDeprovisionComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp := &types.TransferProcess{ID: "tp-1", State: types.Deprovisioning, Pending: true}
	tp.AddProvisionedResource(types.ProvisionedResource{ID: "r1", ResourceDefinitionID: "d1"})
	require.NoError(t, f.store.Save(ctx, tp))

	res := f.registry.Execute(ctx, DeprovisionComplete{ProcessID: "tp-1", Error: "busy"})
	require.True(t, res.Succeeded())
	got := f.get(t, "tp-1")
	assert.Equal(t, types.Deprovisioning, got.State)
	assert.False(t, got.Pending)
	assert.Contains(t, got.ErrorDetail, "busy")

	res = f.registry.Execute(ctx, DeprovisionComplete{ProcessID: "tp-1", Resources: []types.DeprovisionedResource{{ProvisionedResourceID: "r1"}}})
	require.True(t, res.Succeeded())
	assert.Equal(t, types.Deprovisioned, f.get(t, "tp-1").State)
	assert.Equal(t, []event.Type{event.Deprovisioned}, f.events.kinds())
}

func TestNotifyStarted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Requested)
	ctx := context.Background()
	addr := &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://provider"}}

	res := f.registry.Execute(ctx, NotifyStarted{ProcessID: "tp-1", MessageID: "m1", DataAddress: addr})
	require.True(t, res.Succeeded())
	tp := f.get(t, "tp-1")
	assert.Equal(t, types.Started, tp.State)
	assert.Equal(t, addr, tp.ContentDataAddress)
	assert.Equal(t, []string{"m1"}, tp.ProtocolMessages.Received)

	res = f.registry.Execute(ctx, NotifyStarted{ProcessID: "tp-1", MessageID: "m1"})
	assert.True(t, res.Succeeded())
	assert.Equal(t, []event.Type{event.Started}, f.events.kinds(), "duplicates publish nothing")
}

func TestNotifyStartedUpdatesAddressOfStartedConsumer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Started)
	addr := &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://provider"}}

	require.True(t, f.registry.Execute(context.Background(), NotifyStarted{ProcessID: "tp-1", MessageID: "m1", DataAddress: addr}).Succeeded())
	tp := f.get(t, "tp-1")
	assert.Equal(t, types.Started, tp.State)
	assert.Equal(t, addr, tp.ContentDataAddress)
	assert.Empty(t, f.events.kinds())
}

func TestExecuteWaitsForProcessLock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Requested)

	unlock := f.registry.LockProcess("tp-1")
	done := make(chan Result, 1)
	go func() { done <- f.registry.Execute(context.Background(), CancelTransfer{ProcessID: "tp-1"}) }()

	select {
	case <-done:
		t.Fatal("command ran while the process was locked")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, types.Requested, f.get(t, "tp-1").State)

	unlock()
	res := <-done
	require.True(t, res.Succeeded(), res.Detail())
	assert.Equal(t, types.Cancelled, f.get(t, "tp-1").State)

	f.registry.locksMu.Lock()
	defer f.registry.locksMu.Unlock()
	assert.Empty(t, f.registry.locks, "unused locks are released")
}

func TestCancelInStartingStopsFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Starting)
	f.seed(t, "tp-2", types.Requested)
	ctx := context.Background()

	require.True(t, f.registry.Execute(ctx, CancelTransfer{ProcessID: "tp-1"}).Succeeded())
	require.True(t, f.registry.Execute(ctx, CancelTransfer{ProcessID: "tp-2"}).Succeeded())

	assert.Equal(t, types.Cancelled, f.get(t, "tp-1").State)
	assert.Equal(t, []string{"tp-1"}, f.flows.terminated, "only a launched flow is stopped")
	assert.Equal(t, []event.Type{event.Cancelled, event.Cancelled}, f.events.kinds())
}

func TestNotifyTerminatedStopsRunningFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Started)
	f.seed(t, "tp-2", types.Requested)
	ctx := context.Background()

	require.True(t, f.registry.Execute(ctx, NotifyTerminated{ProcessID: "tp-1", Reason: "policy"}).Succeeded())
	require.True(t, f.registry.Execute(ctx, NotifyTerminated{ProcessID: "tp-2"}).Succeeded())

	tp := f.get(t, "tp-1")
	assert.Equal(t, types.Terminated, tp.State)
	assert.Equal(t, "policy", tp.ErrorDetail)
	assert.Equal(t, []string{"tp-1"}, f.flows.terminated, "only running flows are stopped")
	assert.Equal(t, []event.Type{event.Terminated, event.Terminated}, f.events.kinds())

	require.True(t, f.registry.Execute(ctx, NotifySuspended{ProcessID: "tp-1"}).Reason == ReasonBadRequest)
}

func TestNotifySuspendedStopsFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tp-1", types.Started)

	require.True(t, f.registry.Execute(context.Background(), NotifySuspended{ProcessID: "tp-1", Reason: "maintenance"}).Succeeded())
	assert.Equal(t, []string{"tp-1"}, f.flows.suspended)
	assert.Equal(t, "maintenance", f.get(t, "tp-1").ErrorDetail)
}

// ============================================================================
// Queue and journal
// ============================================================================

func openJournal(t *testing.T, path string) *wal.WAL {
	t.Helper()
	w, err := wal.Open(path, wal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestQueueBoundedFIFO(t *testing.T) {
	var depth int
	q := NewQueue(2, WithDepthGauge(func(n int) { depth = n }))

	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "a"}))
	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "b"}))
	assert.ErrorIs(t, q.Enqueue(CancelTransfer{ProcessID: "c"}), ErrQueueFull)
	assert.Equal(t, 2, depth)

	first := q.Drain(1)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Command.EntityID())
	assert.NotEmpty(t, first[0].ID)

	require.NoError(t, q.Requeue(first[0]))
	rest := q.Drain(0)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Command.EntityID())
	assert.Equal(t, 1, rest[1].Attempts)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, depth)

	q.Close()
	assert.ErrorIs(t, q.Enqueue(CancelTransfer{ProcessID: "d"}), ErrQueueClosed)
}

func TestJournalRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.wal")
	w := openJournal(t, path)
	q := NewQueue(10, WithJournal(w))

	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "acked"}))
	require.NoError(t, q.Enqueue(TerminateTransfer{ProcessID: "open", Reason: "r"}))
	require.NoError(t, q.Enqueue(CompleteTransfer{ProcessID: "dropped"}))
	entries := q.Drain(0)
	require.NoError(t, q.Ack(entries[0]))
	require.NoError(t, q.Drop(entries[2]))
	snapshotSeq := w.GetLastSeq()
	require.NoError(t, q.Enqueue(SuspendTransfer{ProcessID: "late"}))
	late := q.Drain(0)
	require.NoError(t, q.Ack(late[0]))
	require.NoError(t, w.Close())

	reopened := openJournal(t, path)
	recovered, err := Recover(reopened, RecoverOptions{})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, entries[1].ID, recovered[0].ID)
	assert.Equal(t, TerminateTransfer{ProcessID: "open", Reason: "r"}, recovered[0].Command)

	recovered, err = Recover(reopened, RecoverOptions{ReplayAcked: true, ReplayAckedAfter: snapshotSeq})
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Equal(t, "open", recovered[0].Command.EntityID())
	assert.Equal(t, SuspendTransfer{ProcessID: "late"}, recovered[1].Command)
}

func TestCompactJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.wal")
	w := openJournal(t, path)
	q := NewQueue(10, WithJournal(w))

	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "a"}))
	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "b"}))
	entries := q.Drain(0)
	require.NoError(t, q.Ack(entries[0]))

	require.NoError(t, CompactJournal(w, w.GetLastSeq()))
	stats, err := wal.GetStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 1, stats.Pending())

	recovered, err := Recover(w, RecoverOptions{})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "b", recovered[0].Command.EntityID())
}

func TestDecode(t *testing.T) {
	cmds := []Command{
		CancelTransfer{ProcessID: "x"},
		AddProvisionedResource{ProcessID: "x", Resources: []types.ProvisionedResource{{ID: "r"}}},
		NotifyStarted{ProcessID: "x", MessageID: "m", DataAddress: &types.DataAddress{Type: "File"}},
	}
	for _, c := range cmds {
		payload, err := json.Marshal(c)
		require.NoError(t, err)
		got, err := Decode(c.Name(), payload)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := Decode("Bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestProcessQueue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "free", types.Requested)
	f.seed(t, "busy", types.Requested)
	_, err := f.store.ForHolder("node-b").FindByIDAndLease(context.Background(), "busy")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "commands.wal")
	q := NewQueue(10, WithJournal(openJournal(t, path)))
	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "free"}))
	require.NoError(t, q.Enqueue(CancelTransfer{ProcessID: "busy"}))

	ctx := context.Background()
	assert.Equal(t, 1, f.registry.ProcessQueue(ctx, q, 10, 2))
	assert.Equal(t, 1, q.Len(), "conflicting command requeued")
	assert.Equal(t, types.Cancelled, f.get(t, "free").State)

	assert.Equal(t, 1, f.registry.ProcessQueue(ctx, q, 10, 2))
	assert.Equal(t, 0, q.Len(), "dropped after max attempts")

	stats, err := wal.GetStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Acked)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 0, stats.Pending())
}
