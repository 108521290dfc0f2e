// ============================================================================
// Dataspace Connector Store - transfer process persistence with leasing
// ============================================================================
//
// Package: internal/store
// File: store.go
//
// Leasing model:
//   A lease is a row (entityID, leasedBy, leasedAt, duration). Whoever holds
//   a live lease on a process is the only node allowed to mutate it.
//
//   acquire:  no lease row                     -> ok
//             row held by the same holder      -> ok (renewed)
//             row expired                      -> ok (taken over)
//             otherwise                        -> ErrAlreadyLeased
//   release:  Save and Delete release the lease in the same transaction as
//             the write; BreakLease releases without writing.
//
// Two backends implement the same contract: MemoryStore for a single node
// and SQLStore (gorm) for clustered deployments.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var (
	// ErrNotFound is returned when no process exists for the id.
	ErrNotFound = errors.New("transfer process not found")
	// ErrAlreadyLeased is returned when another holder owns a live lease.
	ErrAlreadyLeased = errors.New("transfer process already leased")
	// ErrUnsupportedQuery is returned for unknown fields or operators.
	ErrUnsupportedQuery = errors.New("unsupported query")
)

// DefaultLeaseDuration applies when a store is created without one.
const DefaultLeaseDuration = 60 * time.Second

// TransferProcessStore persists transfer processes and guards mutation with
// leases.
type TransferProcessStore interface {
	// FindByID returns the process or nil when it does not exist.
	FindByID(ctx context.Context, id string) (*types.TransferProcess, error)
	// FindByCorrelationID returns the process with the counterparty id or nil.
	FindByCorrelationID(ctx context.Context, correlationID string) (*types.TransferProcess, error)
	// NextNotLeased selects up to max unleased processes matching all
	// criteria, oldest StateTimestamp first, and leases them atomically.
	NextNotLeased(ctx context.Context, max int, criteria ...Criterion) ([]*types.TransferProcess, error)
	// FindByIDAndLease loads and leases a single process.
	FindByIDAndLease(ctx context.Context, id string) (*types.TransferProcess, error)
	// Save upserts the process and releases the caller's lease.
	Save(ctx context.Context, tp *types.TransferProcess) error
	// Delete leases and then removes the process.
	Delete(ctx context.Context, id string) error
	// FindAll runs a query without leasing.
	FindAll(ctx context.Context, query QuerySpec) ([]*types.TransferProcess, error)
	// BreakLease releases the caller's lease without writing.
	BreakLease(ctx context.Context, id string) error
}

// ============================================================================
// Query model
// ============================================================================

// Operator compares a field against a value.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpIn             Operator = "in"
)

// Criterion is one filter term; all criteria of a query must match.
type Criterion struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Eq is shorthand for an equality criterion.
func Eq(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpEqual, Value: value}
}

// In is shorthand for a membership criterion; values must be a slice.
func In(field string, values any) Criterion {
	return Criterion{Field: field, Operator: OpIn, Value: values}
}

// SortOrder of a query.
type SortOrder string

const (
	Ascending  SortOrder = "ASC"
	Descending SortOrder = "DESC"
)

// QuerySpec selects, orders and pages processes.
type QuerySpec struct {
	Filter    []Criterion
	SortField string
	SortOrder SortOrder
	Limit     int
	Offset    int
}

// Queryable field names.
const (
	FieldID             = "id"
	FieldCorrelationID  = "correlationId"
	FieldType           = "type"
	FieldState          = "state"
	FieldStateCount     = "stateCount"
	FieldStateTimestamp = "stateTimestamp"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
	FieldPending        = "pending"
	FieldAssetID        = "assetId"
	FieldContractID     = "contractId"
	FieldProtocol       = "protocol"
	FieldTransferType   = "transferType"
)

// fieldValue extracts a queryable field as a comparable value.
func fieldValue(tp *types.TransferProcess, field string) (any, bool) {
	switch field {
	case FieldID:
		return tp.ID, true
	case FieldCorrelationID:
		return tp.CorrelationID, true
	case FieldType:
		return string(tp.Type), true
	case FieldState:
		return int64(tp.State), true
	case FieldStateCount:
		return int64(tp.StateCount), true
	case FieldStateTimestamp:
		return tp.StateTimestamp, true
	case FieldCreatedAt:
		return tp.CreatedAt, true
	case FieldUpdatedAt:
		return tp.UpdatedAt, true
	case FieldPending:
		return tp.Pending, true
	case FieldAssetID:
		return tp.AssetID, true
	case FieldContractID:
		return tp.ContractID, true
	case FieldProtocol:
		return tp.Protocol, true
	case FieldTransferType:
		return tp.TransferType, true
	}
	return nil, false
}

// normalize converts numeric kinds to int64 and string kinds to string so
// that typed constants (types.TransferProcessState, types.Role) compare with
// stored values.
func normalize(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// compare returns -1, 0 or 1, or false when the values are not comparable.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		// equality only, see checkOperator
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// checkOperator rejects ordering operators on boolean fields.
func checkOperator(field string, op Operator) error {
	if field != FieldPending {
		return nil
	}
	switch op {
	case OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
		return fmt.Errorf("%w: operator %q on boolean field %q", ErrUnsupportedQuery, op, field)
	}
	return nil
}

// Matches evaluates a criterion against a process in memory.
func (c Criterion) Matches(tp *types.TransferProcess) (bool, error) {
	actual, ok := fieldValue(tp, c.Field)
	if !ok {
		return false, fmt.Errorf("%w: field %q", ErrUnsupportedQuery, c.Field)
	}
	if err := checkOperator(c.Field, c.Operator); err != nil {
		return false, err
	}

	if c.Operator == OpIn {
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice {
			return false, fmt.Errorf("%w: %q expects a slice", ErrUnsupportedQuery, OpIn)
		}
		for i := 0; i < rv.Len(); i++ {
			if cmp, ok := compare(actual, normalize(rv.Index(i).Interface())); ok && cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	cmp, ok := compare(actual, normalize(c.Value))
	if !ok {
		return false, fmt.Errorf("%w: cannot compare %s with %T", ErrUnsupportedQuery, c.Field, c.Value)
	}
	switch c.Operator {
	case OpEqual:
		return cmp == 0, nil
	case OpNotEqual:
		return cmp != 0, nil
	case OpLessThan:
		return cmp < 0, nil
	case OpLessOrEqual:
		return cmp <= 0, nil
	case OpGreaterThan:
		return cmp > 0, nil
	case OpGreaterOrEqual:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("%w: operator %q", ErrUnsupportedQuery, c.Operator)
}

func matchesAll(tp *types.TransferProcess, criteria []Criterion) (bool, error) {
	for _, c := range criteria {
		ok, err := c.Matches(tp)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// lease is the in-memory form of a lease row.
type lease struct {
	LeasedBy string
	LeasedAt int64
	Duration time.Duration
}

func (l lease) expired(nowMs int64) bool {
	return l.LeasedAt+l.Duration.Milliseconds() < nowMs
}

// acquirable reports whether holder may take the lease.
func (l *lease) acquirable(holder string, nowMs int64) bool {
	return l == nil || l.LeasedBy == holder || l.expired(nowMs)
}
