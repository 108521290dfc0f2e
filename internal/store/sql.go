// ============================================================================
// Dataspace Connector Store - SQL backend (gorm)
// ============================================================================
//
// Package: internal/store
// File: sql.go
//
// Tables:
//   edc_transfer_process  one row per process; nested payload in JSON columns
//   edc_lease             one row per leased process, keyed by resource_id
//
// Every operation that touches a lease runs in one database transaction so
// that "select, lease, write, release" is all-or-nothing. On PostgreSQL the
// NextNotLeased select adds FOR UPDATE SKIP LOCKED so that concurrent nodes
// never block each other on the same rows.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "store")

const (
	processTable = "edc_transfer_process"
	leaseTable   = "edc_lease"
)

// processRow is the persisted form of a transfer process.
type processRow struct {
	ID                  string `gorm:"column:transferprocess_id;primaryKey"`
	CorrelationID       string `gorm:"column:correlation_id;index"`
	Type                string `gorm:"column:type"`
	State               int    `gorm:"column:state;index"`
	StateCount          int    `gorm:"column:state_count"`
	StateTimestamp      int64  `gorm:"column:state_time_stamp;index"`
	CreatedTimestamp    int64  `gorm:"column:created_at"`
	UpdatedTimestamp    int64  `gorm:"column:updated_at"`
	AssetID             string `gorm:"column:asset_id"`
	ContractID          string `gorm:"column:contract_id"`
	Protocol            string `gorm:"column:protocol"`
	CounterPartyAddress string `gorm:"column:counter_party_address"`
	TransferType        string `gorm:"column:transfer_type"`
	Pending             bool   `gorm:"column:pending"`
	ErrorDetail         string `gorm:"column:error_detail"`

	ContentDataAddress     *types.DataAddress            `gorm:"column:content_data_address;serializer:json;type:text"`
	DataDestination        *types.DataAddress            `gorm:"column:data_destination;serializer:json;type:text"`
	ResourceManifest       *types.ResourceManifest       `gorm:"column:resource_manifest;serializer:json;type:text"`
	ProvisionedResourceSet *types.ProvisionedResourceSet `gorm:"column:provisioned_resource_set;serializer:json;type:text"`
	DeprovisionedResources []types.DeprovisionedResource `gorm:"column:deprovisioned_resources;serializer:json;type:text"`
	ProtocolMessages       types.ProtocolMessages        `gorm:"column:protocol_messages;serializer:json;type:text"`
	CallbackAddresses      []types.CallbackAddress       `gorm:"column:callback_addresses;serializer:json;type:text"`
	PrivateProperties      map[string]string             `gorm:"column:private_properties;serializer:json;type:text"`
}

func (processRow) TableName() string { return processTable }

// leaseRow is the persisted form of a lease.
type leaseRow struct {
	ResourceID      string `gorm:"column:resource_id;primaryKey"`
	LeasedBy        string `gorm:"column:leased_by"`
	LeasedAt        int64  `gorm:"column:leased_at"`
	LeaseDurationMs int64  `gorm:"column:lease_duration"`
}

func (leaseRow) TableName() string { return leaseTable }

func (l *leaseRow) lease() *lease {
	if l == nil {
		return nil
	}
	return &lease{LeasedBy: l.LeasedBy, LeasedAt: l.LeasedAt, Duration: time.Duration(l.LeaseDurationMs) * time.Millisecond}
}

func toRow(tp *types.TransferProcess) *processRow {
	return &processRow{
		ID:                     tp.ID,
		CorrelationID:          tp.CorrelationID,
		Type:                   string(tp.Type),
		State:                  int(tp.State),
		StateCount:             tp.StateCount,
		StateTimestamp:         tp.StateTimestamp,
		CreatedTimestamp:       tp.CreatedAt,
		UpdatedTimestamp:       tp.UpdatedAt,
		AssetID:                tp.AssetID,
		ContractID:             tp.ContractID,
		Protocol:               tp.Protocol,
		CounterPartyAddress:    tp.CounterPartyAddress,
		TransferType:           tp.TransferType,
		Pending:                tp.Pending,
		ErrorDetail:            tp.ErrorDetail,
		ContentDataAddress:     tp.ContentDataAddress,
		DataDestination:        tp.DataDestination,
		ResourceManifest:       tp.ResourceManifest,
		ProvisionedResourceSet: tp.ProvisionedResourceSet,
		DeprovisionedResources: tp.DeprovisionedResources,
		ProtocolMessages:       tp.ProtocolMessages,
		CallbackAddresses:      tp.CallbackAddresses,
		PrivateProperties:      tp.PrivateProperties,
	}
}

func (r *processRow) process() *types.TransferProcess {
	return &types.TransferProcess{
		ID:                     r.ID,
		CorrelationID:          r.CorrelationID,
		Type:                   types.Role(r.Type),
		State:                  types.TransferProcessState(r.State),
		StateCount:             r.StateCount,
		StateTimestamp:         r.StateTimestamp,
		CreatedAt:              r.CreatedTimestamp,
		UpdatedAt:              r.UpdatedTimestamp,
		AssetID:                r.AssetID,
		ContractID:             r.ContractID,
		Protocol:               r.Protocol,
		CounterPartyAddress:    r.CounterPartyAddress,
		TransferType:           r.TransferType,
		Pending:                r.Pending,
		ErrorDetail:            r.ErrorDetail,
		ContentDataAddress:     r.ContentDataAddress,
		DataDestination:        r.DataDestination,
		ResourceManifest:       r.ResourceManifest,
		ProvisionedResourceSet: r.ProvisionedResourceSet,
		DeprovisionedResources: r.DeprovisionedResources,
		ProtocolMessages:       r.ProtocolMessages,
		CallbackAddresses:      r.CallbackAddresses,
		PrivateProperties:      r.PrivateProperties,
	}
}

// columns maps queryable fields to qualified column names.
var columns = map[string]string{
	FieldID:             processTable + ".transferprocess_id",
	FieldCorrelationID:  processTable + ".correlation_id",
	FieldType:           processTable + ".type",
	FieldState:          processTable + ".state",
	FieldStateCount:     processTable + ".state_count",
	FieldStateTimestamp: processTable + ".state_time_stamp",
	FieldCreatedAt:      processTable + ".created_at",
	FieldUpdatedAt:      processTable + ".updated_at",
	FieldPending:        processTable + ".pending",
	FieldAssetID:        processTable + ".asset_id",
	FieldContractID:     processTable + ".contract_id",
	FieldProtocol:       processTable + ".protocol",
	FieldTransferType:   processTable + ".transfer_type",
}

// ============================================================================
// SQLStore
// ============================================================================

// SQLConfig configures the database connection.
type SQLConfig struct {
	Driver        string        // "sqlite" or "postgres"
	DSN           string        // driver specific connection string
	MaxOpenConns  int           // 0 keeps the driver default; sqlite is forced to 1
	AutoMigrate   bool          // create tables on start
	LeaseDuration time.Duration // lease validity; DefaultLeaseDuration when zero
}

var _ TransferProcessStore = (*SQLStore)(nil)

// SQLStore is a TransferProcessStore backed by a relational database.
type SQLStore struct {
	db            *gorm.DB
	leaseHolder   string
	leaseDuration time.Duration
	skipLocked    bool
	clock         clock.Clock
}

// OpenSQLStore opens the database described by cfg.
func OpenSQLStore(cfg SQLConfig, leaseHolder string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
		cfg.MaxOpenConns = 1
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := NewSQLStore(db, leaseHolder, cfg.LeaseDuration, nil)
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewSQLStore wraps an open gorm handle. A nil clock uses the wall clock.
func NewSQLStore(db *gorm.DB, leaseHolder string, leaseDuration time.Duration, clk clock.Clock) *SQLStore {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SQLStore{
		db:            db,
		leaseHolder:   leaseHolder,
		leaseDuration: leaseDuration,
		skipLocked:    db.Dialector.Name() == "postgres",
		clock:         clk,
	}
}

// Migrate creates or updates both tables.
func (s *SQLStore) Migrate() error {
	if err := s.db.AutoMigrate(&processRow{}, &leaseRow{}); err != nil {
		return fmt.Errorf("failed to migrate transfer process tables: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

// FindByID returns the process or nil when absent.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*types.TransferProcess, error) {
	var row processRow
	err := s.db.WithContext(ctx).Where("transferprocess_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer process %s: %w", id, err)
	}
	return row.process(), nil
}

// FindByCorrelationID returns the process with the counterparty id or nil.
func (s *SQLStore) FindByCorrelationID(ctx context.Context, correlationID string) (*types.TransferProcess, error) {
	var row processRow
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer process by correlation id %s: %w", correlationID, err)
	}
	return row.process(), nil
}

// NextNotLeased selects unleased rows oldest first and leases them.
func (s *SQLStore) NextNotLeased(ctx context.Context, max int, criteria ...Criterion) ([]*types.TransferProcess, error) {
	var out []*types.TransferProcess
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		q := tx.Model(&processRow{}).
			Select(processTable+".*").
			Joins("LEFT JOIN "+leaseTable+" l ON l.resource_id = "+processTable+".transferprocess_id").
			Where("(l.resource_id IS NULL OR (l.leased_at + l.lease_duration) < ?)", now)
		q, err := applyCriteria(q, criteria)
		if err != nil {
			return err
		}
		q = q.Order(processTable + ".state_time_stamp ASC").Limit(max)
		if s.skipLocked {
			q = q.Clauses(clause.Locking{
				Strength: "UPDATE",
				Table:    clause.Table{Name: processTable},
				Options:  "SKIP LOCKED",
			})
		}

		var rows []processRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			if err := s.writeLease(tx, rows[i].ID, now); err != nil {
				return err
			}
			out = append(out, rows[i].process())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease next transfer processes: %w", err)
	}
	return out, nil
}

// FindByIDAndLease loads and leases one process.
func (s *SQLStore) FindByIDAndLease(ctx context.Context, id string) (*types.TransferProcess, error) {
	var out *types.TransferProcess
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row processRow
		if err := tx.Where("transferprocess_id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		if err := s.acquire(tx, id); err != nil {
			return err
		}
		out = row.process()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts the process and removes the caller's lease.
func (s *SQLStore) Save(ctx context.Context, tp *types.TransferProcess) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkLease(tx, tp.ID); err != nil {
			return err
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transferprocess_id"}},
			UpdateAll: true,
		}).Create(toRow(tp)).Error
		if err != nil {
			return fmt.Errorf("failed to save transfer process %s: %w", tp.ID, err)
		}
		return tx.Where("resource_id = ?", tp.ID).Delete(&leaseRow{}).Error
	})
}

// Delete leases, then removes the process and its lease.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&processRow{}).Where("transferprocess_id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := s.acquire(tx, id); err != nil {
			return err
		}
		if err := tx.Where("transferprocess_id = ?", id).Delete(&processRow{}).Error; err != nil {
			return err
		}
		return tx.Where("resource_id = ?", id).Delete(&leaseRow{}).Error
	})
}

// FindAll runs a query without leasing.
func (s *SQLStore) FindAll(ctx context.Context, query QuerySpec) ([]*types.TransferProcess, error) {
	q, err := applyCriteria(s.db.WithContext(ctx).Model(&processRow{}), query.Filter)
	if err != nil {
		return nil, err
	}

	sortField := query.SortField
	if sortField == "" {
		sortField = FieldCreatedAt
	}
	col, ok := columns[sortField]
	if !ok {
		return nil, fmt.Errorf("%w: sort field %q", ErrUnsupportedQuery, sortField)
	}
	order := Ascending
	if query.SortOrder == Descending {
		order = Descending
	}
	q = q.Order(fmt.Sprintf("%s %s", col, order)).Order(columns[FieldID] + " " + string(order))
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	if query.Offset > 0 {
		q = q.Offset(query.Offset)
	}

	var rows []processRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query transfer processes: %w", err)
	}
	out := make([]*types.TransferProcess, len(rows))
	for i := range rows {
		out[i] = rows[i].process()
	}
	return out, nil
}

// BreakLease removes the caller's lease.
func (s *SQLStore) BreakLease(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkLease(tx, id); err != nil {
			return err
		}
		return tx.Where("resource_id = ?", id).Delete(&leaseRow{}).Error
	})
}

// ============================================================================
// Helpers
// ============================================================================

func applyCriteria(q *gorm.DB, criteria []Criterion) (*gorm.DB, error) {
	for _, c := range criteria {
		col, ok := columns[c.Field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q", ErrUnsupportedQuery, c.Field)
		}
		if err := checkOperator(c.Field, c.Operator); err != nil {
			return nil, err
		}
		switch c.Operator {
		case OpEqual, OpNotEqual, OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
			q = q.Where(fmt.Sprintf("%s %s ?", col, c.Operator), normalize(c.Value))
		case OpIn:
			q = q.Where(fmt.Sprintf("%s IN ?", col), c.Value)
		default:
			return nil, fmt.Errorf("%w: operator %q", ErrUnsupportedQuery, c.Operator)
		}
	}
	return q, nil
}

func (s *SQLStore) findLease(tx *gorm.DB, id string) (*leaseRow, error) {
	var row leaseRow
	err := tx.Where("resource_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLStore) checkLease(tx *gorm.DB, id string) error {
	row, err := s.findLease(tx, id)
	if err != nil {
		return err
	}
	if l := row.lease(); !l.acquirable(s.leaseHolder, s.now()) {
		log.Debug("Lease held by another node", "processID", id, "leasedBy", l.LeasedBy)
		return fmt.Errorf("%w: %s by %s", ErrAlreadyLeased, id, l.LeasedBy)
	}
	return nil
}

func (s *SQLStore) acquire(tx *gorm.DB, id string) error {
	if err := s.checkLease(tx, id); err != nil {
		return err
	}
	return s.writeLease(tx, id, s.now())
}

func (s *SQLStore) writeLease(tx *gorm.DB, id string, now int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"leased_by", "leased_at", "lease_duration"}),
	}).Create(&leaseRow{
		ResourceID:      id,
		LeasedBy:        s.leaseHolder,
		LeasedAt:        now,
		LeaseDurationMs: s.leaseDuration.Milliseconds(),
	}).Error
}
