// ============================================================================
// Dataspace Connector Store - in-memory backend
// ============================================================================
//
// Package: internal/store
// File: memory.go
//
// Design:
//   processes map[id]*TransferProcess is the single source of truth; leases
//   map[id]lease holds the live leases. One mutex covers both maps, so every
//   method body is one atomic unit, the in-memory analogue of a database
//   transaction.
//
//   Callers never receive pointers into the map: reads return copies and
//   Save stores a copy, so a process can only change through Save.
//
// Snapshot support:
//   Snapshot() / Restore() move the whole map in and out of
//   types.SnapshotData so that internal/snapshot can persist a single node
//   across restarts. Leases are not part of a snapshot; a restarted node
//   starts with none.
//
// ============================================================================

package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var _ TransferProcessStore = (*MemoryStore)(nil)

// MemoryStore is a TransferProcessStore held in process memory.
type MemoryStore struct {
	data          *memoryData
	leaseHolder   string
	leaseDuration time.Duration
	clock         clock.Clock
}

// memoryData is shared by every holder view of the same store.
type memoryData struct {
	mu        sync.RWMutex
	processes map[string]*types.TransferProcess
	leases    map[string]lease
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = clk }
}

// WithLeaseDuration sets how long an acquired lease stays valid.
func WithLeaseDuration(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.leaseDuration = d }
}

// NewMemoryStore creates an empty store whose leases are taken in the name of
// leaseHolder (usually the runtime id of this node).
func NewMemoryStore(leaseHolder string, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data: &memoryData{
			processes: make(map[string]*types.TransferProcess),
			leases:    make(map[string]lease),
		},
		leaseHolder:   leaseHolder,
		leaseDuration: DefaultLeaseDuration,
		clock:         clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForHolder returns a view of the same data that leases as another holder.
// Two views behave like two cluster nodes sharing one database.
func (s *MemoryStore) ForHolder(holder string) *MemoryStore {
	return &MemoryStore{
		data:          s.data,
		leaseHolder:   holder,
		leaseDuration: s.leaseDuration,
		clock:         s.clock,
	}
}

func (s *MemoryStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

// FindByID returns a copy of the process, or nil when absent.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*types.TransferProcess, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return s.data.processes[id].Copy(), nil
}

// FindByCorrelationID returns the process with the given counterparty id.
func (s *MemoryStore) FindByCorrelationID(_ context.Context, correlationID string) (*types.TransferProcess, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	for _, tp := range s.data.processes {
		if tp.CorrelationID == correlationID {
			return tp.Copy(), nil
		}
	}
	return nil, nil
}

// NextNotLeased selects and leases up to max matching processes.
func (s *MemoryStore) NextNotLeased(_ context.Context, max int, criteria ...Criterion) ([]*types.TransferProcess, error) {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	var candidates []*types.TransferProcess
	for id, tp := range sh.processes {
		if l, leased := sh.leases[id]; leased && !l.expired(now) {
			continue
		}
		ok, err := matchesAll(tp, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, tp)
		}
	}

	slices.SortFunc(candidates, func(a, b *types.TransferProcess) int {
		if c := cmp.Compare(a.StateTimestamp, b.StateTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if max >= 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]*types.TransferProcess, 0, len(candidates))
	for _, tp := range candidates {
		sh.leases[tp.ID] = lease{LeasedBy: s.leaseHolder, LeasedAt: now, Duration: s.leaseDuration}
		out = append(out, tp.Copy())
	}
	return out, nil
}

// FindByIDAndLease loads and leases one process.
func (s *MemoryStore) FindByIDAndLease(_ context.Context, id string) (*types.TransferProcess, error) {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tp, ok := sh.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.acquireLocked(id); err != nil {
		return nil, err
	}
	return tp.Copy(), nil
}

// Save stores a copy of the process and releases the lease.
func (s *MemoryStore) Save(_ context.Context, tp *types.TransferProcess) error {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := s.checkLeaseLocked(tp.ID); err != nil {
		return err
	}
	sh.processes[tp.ID] = tp.Copy()
	delete(sh.leases, tp.ID)
	return nil
}

// Delete leases the process, then removes it together with the lease.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.processes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.acquireLocked(id); err != nil {
		return err
	}
	delete(sh.processes, id)
	delete(sh.leases, id)
	return nil
}

// FindAll filters, sorts and pages processes without leasing.
func (s *MemoryStore) FindAll(_ context.Context, query QuerySpec) ([]*types.TransferProcess, error) {
	sh := s.data
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var matched []*types.TransferProcess
	for _, tp := range sh.processes {
		ok, err := matchesAll(tp, query.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, tp)
		}
	}

	sortField := query.SortField
	if sortField == "" {
		sortField = FieldCreatedAt
	}
	if _, ok := fieldValue(&types.TransferProcess{}, sortField); !ok {
		return nil, fmt.Errorf("%w: sort field %q", ErrUnsupportedQuery, sortField)
	}
	slices.SortStableFunc(matched, func(a, b *types.TransferProcess) int {
		av, _ := fieldValue(a, sortField)
		bv, _ := fieldValue(b, sortField)
		c, _ := compare(av, bv)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if query.SortOrder == Descending {
			return -c
		}
		return c
	})

	if query.Offset > 0 {
		if query.Offset >= len(matched) {
			return []*types.TransferProcess{}, nil
		}
		matched = matched[query.Offset:]
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	out := make([]*types.TransferProcess, len(matched))
	for i, tp := range matched {
		out[i] = tp.Copy()
	}
	return out, nil
}

// BreakLease releases the lease held by this holder.
func (s *MemoryStore) BreakLease(_ context.Context, id string) error {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := s.checkLeaseLocked(id); err != nil {
		return err
	}
	delete(sh.leases, id)
	return nil
}

// IsLeased reports whether a live lease exists on the process.
func (s *MemoryStore) IsLeased(id string) bool {
	sh := s.data
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	l, ok := sh.leases[id]
	return ok && !l.expired(s.now())
}

// Stats counts processes per state name.
func (s *MemoryStore) Stats() map[string]int {
	sh := s.data
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	stats := make(map[string]int)
	for _, tp := range sh.processes {
		stats[tp.State.String()]++
	}
	return stats
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// Snapshot deep-copies every process.
func (s *MemoryStore) Snapshot() types.SnapshotData {
	sh := s.data
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	processes := make(map[string]*types.TransferProcess, len(sh.processes))
	for id, tp := range sh.processes {
		processes[id] = tp.Copy()
	}
	return types.SnapshotData{Processes: processes, SchemaVer: 1}
}

// Restore replaces all processes with the snapshot content and drops every
// lease.
func (s *MemoryStore) Restore(data types.SnapshotData) {
	sh := s.data
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.processes = make(map[string]*types.TransferProcess, len(data.Processes))
	for id, tp := range data.Processes {
		sh.processes[id] = tp.Copy()
	}
	sh.leases = make(map[string]lease)
}

// ============================================================================
// Lease helpers (caller holds the write lock)
// ============================================================================

func (s *MemoryStore) acquireLocked(id string) error {
	sh := s.data
	now := s.now()
	if l, ok := sh.leases[id]; ok && !l.acquirable(s.leaseHolder, now) {
		return fmt.Errorf("%w: %s by %s", ErrAlreadyLeased, id, l.LeasedBy)
	}
	sh.leases[id] = lease{LeasedBy: s.leaseHolder, LeasedAt: now, Duration: s.leaseDuration}
	return nil
}

func (s *MemoryStore) checkLeaseLocked(id string) error {
	sh := s.data
	if l, ok := sh.leases[id]; ok && !l.acquirable(s.leaseHolder, s.now()) {
		return fmt.Errorf("%w: %s by %s", ErrAlreadyLeased, id, l.LeasedBy)
	}
	return nil
}
