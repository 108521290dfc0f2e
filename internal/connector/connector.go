// ============================================================================
// Dataspace Connector - runtime wiring and crash recovery
// ============================================================================
//
// Package: internal/connector
// File: connector.go
//
// The connector assembles one participant node:
//   - TransferProcessStore (memory + snapshot, or SQL) with leases
//   - command queue journaled to the WAL, command handlers
//   - transfer manager loop, provisioning, dispatchers
//   - data plane: worker pool, pipeline service, flow controller
//   - protocol ingress (gRPC / HTTP), events, callbacks, metrics
//
// Background loops (stopCh + WaitGroup):
//   1. Result loop   - logs failed partition tasks of the worker pool
//   2. Snapshot loop - writes the memory store image, compacts the journal
//   3. Stats loop    - publishes per-state process counts
//
// Recovery on Start:
//   1. loadSnapshot()     - restore the memory store image
//   2. recoverJournal()   - requeue commands without ACK/DROP; for a
//                           snapshot-backed store also commands acknowledged
//                           after the image was taken
//   3. ResetPending()     - provisioning started before the crash runs again
//   4. Resume()           - provider flows left STARTED are started again
//
// Shutdown order:
//   ingress -> manager -> data flows -> pool -> loops -> final snapshot ->
//   journal -> store
//
// ============================================================================

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/dataflow"
	"github.com/ChuLiYu/dataspace-connector/internal/dispatcher"
	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/internal/metrics"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/provision"
	"github.com/ChuLiYu/dataspace-connector/internal/server"
	"github.com/ChuLiYu/dataspace-connector/internal/snapshot"
	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/internal/vault"
	"github.com/ChuLiYu/dataspace-connector/internal/worker"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "connector")

// Protocol names served by every connector.
const (
	ProtocolGRPC = "dsp-grpc"
	ProtocolHTTP = "dsp-http"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("connector stopped")

// Connector is a running participant node.
type Connector struct {
	cfg   Config
	clock clock.Clock

	registry  *prometheus.Registry
	collector *metrics.Collector
	vault     vault.Vault
	store     store.TransferProcessStore
	memory    *store.MemoryStore // nil for SQL stores
	closers   []func() error
	journal   *wal.WAL
	snapshots *snapshot.Manager

	events      *event.Router
	queue       *command.Queue
	commands    *command.Registry
	pool        *worker.Pool
	pipeline    *pipeline.Service
	buckets     *pipeline.Buckets
	flows       *dataflow.Controller
	provisioner *provision.Manager
	checkers    *transfer.StatusCheckerRegistry
	dispatchers *dispatcher.Registry
	grpcOut     *dispatcher.GRPCDispatcher
	service     *transfer.Service
	ingress     *server.Server
	manager     *transfer.Manager

	mu            sync.Mutex
	started       bool
	stopped       bool
	stopCh        chan struct{}
	loopWg        sync.WaitGroup
	startTime     time.Time
	metricsCancel context.CancelFunc
}

// Option configures a Connector.
type Option func(*Connector)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Connector) { c.clock = clk }
}

// WithBuckets shares in-memory buckets between connectors of one process.
func WithBuckets(b *pipeline.Buckets) Option {
	return func(c *Connector) { c.buckets = b }
}

// WithVault replaces the configured vault.
func WithVault(v vault.Vault) Option {
	return func(c *Connector) { c.vault = v }
}

// New builds a connector from cfg. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Connector{
		cfg:      cfg,
		clock:    clock.New(),
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.buckets == nil {
		c.buckets = pipeline.NewBuckets()
	}
	c.collector = metrics.NewCollector(c.registry)

	if err := c.openVault(); err != nil {
		return nil, err
	}
	if err := c.openStore(); err != nil {
		return nil, err
	}
	if err := c.openJournal(); err != nil {
		c.closeAll()
		return nil, err
	}

	c.events = event.NewRouter(c.clock)
	c.collector.Attach(c.events)
	event.NewCallbackDelivery(cfg.Callbacks.Timeout, cfg.Callbacks.Retries, c.vault).Attach(c.events)

	queueOpts := []command.QueueOption{command.WithDepthGauge(c.collector.SetQueueDepth)}
	if c.journal != nil {
		queueOpts = append(queueOpts, command.WithJournal(c.journal))
	}
	c.queue = command.NewQueue(cfg.Transfer.CommandQueueCapacity, queueOpts...)

	c.pool = worker.NewPool(cfg.Pipeline.QueueSize)
	c.pipeline = NewPipeline(DataPlane{
		Executor:      c.pool,
		Buckets:       c.buckets,
		Secrets:       c.vault,
		PartitionSize: cfg.Pipeline.PartitionSize,
		Collector:     c.collector,
	})
	c.flows = dataflow.NewController(c.pipeline, c.queue)
	c.commands = command.NewRegistry(c.store, c.events,
		command.WithClock(c.clock),
		command.WithFlowStopper(c.flows),
		command.WithRecorder(c.collector),
	)

	// file destinations without a path get a staging directory below the
	// provision root
	c.provisioner = provision.NewManager()
	if cfg.Transfer.ProvisionRoot != "" {
		c.provisioner.RegisterGenerator(provision.LocalDirGenerator{})
		c.provisioner.RegisterProvisioner(&provision.LocalDirProvisioner{Root: cfg.Transfer.ProvisionRoot})
	}

	c.checkers = transfer.NewStatusCheckerRegistry()
	if cfg.Transfer.CheckFileDestination {
		c.checkers.Register(pipeline.FileType, dataflow.FileStatusChecker{})
	}

	c.dispatchers = dispatcher.NewRegistry(cfg.Transfer.SendTimeout)
	c.grpcOut = dispatcher.NewGRPCDispatcher(ProtocolGRPC)
	c.dispatchers.Register(c.grpcOut)
	c.dispatchers.Register(dispatcher.NewHTTPDispatcher(ProtocolHTTP, resty.New().SetTimeout(cfg.Transfer.SendTimeout)))

	var assets transfer.AssetIndex
	if len(cfg.Assets) > 0 {
		index := make(transfer.StaticAssetIndex, len(cfg.Assets))
		for id, a := range cfg.Assets {
			index[id] = &a
		}
		assets = index
	}
	c.service = transfer.NewService(c.store, c.commands, c.queue, assets, c.clock)
	c.ingress = server.NewServer(server.Config{
		GRPCAddr: cfg.Server.GRPCAddr,
		HTTPAddr: cfg.Server.HTTPAddr,
	}, c.service, server.WithClock(c.clock))
	return c, nil
}

func (c *Connector) openVault() error {
	if c.vault != nil {
		return nil
	}
	if c.cfg.Vault.Path == "" {
		c.vault = vault.EnvVault{Fallback: vault.NewMemoryVault(nil)}
		return nil
	}
	fv, err := vault.OpenFileVault(c.cfg.Vault.Path)
	if err != nil {
		return err
	}
	c.vault = vault.EnvVault{Fallback: fv}
	return nil
}

func (c *Connector) openStore() error {
	switch c.cfg.Store.Type {
	case "memory":
		c.memory = store.NewMemoryStore(c.cfg.Participant.ID,
			store.WithClock(c.clock),
			store.WithLeaseDuration(c.cfg.Store.LeaseDuration),
		)
		c.store = c.memory
		if c.cfg.Store.SnapshotPath != "" {
			c.snapshots = snapshot.NewManager(c.cfg.Store.SnapshotPath)
		}
	default:
		s, err := store.OpenSQLStore(store.SQLConfig{
			Driver:        c.cfg.Store.Type,
			DSN:           c.cfg.Store.DSN,
			AutoMigrate:   true,
			LeaseDuration: c.cfg.Store.LeaseDuration,
		}, c.cfg.Participant.ID)
		if err != nil {
			return err
		}
		c.store = s
		c.closers = append(c.closers, s.Close)
	}
	return nil
}

func (c *Connector) openJournal() error {
	if c.cfg.Journal.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.Journal.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	j, err := wal.Open(c.cfg.Journal.Path, wal.Options{
		SyncOnAppend:  c.cfg.Journal.SyncOnAppend,
		BufferSize:    c.cfg.Journal.BufferSize,
		FlushInterval: c.cfg.Journal.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	c.journal = j
	return nil
}

// DataPlane holds what the pipeline factories share.
type DataPlane struct {
	Executor      pipeline.Executor
	Buckets       *pipeline.Buckets
	Secrets       pipeline.SecretResolver
	PartitionSize int
	Collector     *metrics.Collector
}

// NewPipeline registers the memory, file and HTTP factories on a new
// pipeline service.
func NewPipeline(dp DataPlane) *pipeline.Service {
	client := resty.New()
	p := pipeline.NewService(pipeline.WithFlowGauge(dp.Collector))
	p.RegisterSource(&pipeline.MemorySourceFactory{Buckets: dp.Buckets})
	p.RegisterSource(pipeline.FileSourceFactory{})
	p.RegisterSource(&pipeline.HTTPSourceFactory{Client: client, Secrets: dp.Secrets})
	p.RegisterSink(&pipeline.MemorySinkFactory{Buckets: dp.Buckets, Executor: dp.Executor, PartitionSize: dp.PartitionSize, Recorder: dp.Collector})
	p.RegisterSink(&pipeline.FileSinkFactory{Executor: dp.Executor, PartitionSize: dp.PartitionSize, Recorder: dp.Collector})
	p.RegisterSink(&pipeline.HTTPSinkFactory{Client: client, Secrets: dp.Secrets, Executor: dp.Executor, PartitionSize: dp.PartitionSize, Recorder: dp.Collector})
	return p
}

// LoadProcesses reads every process persisted by a connector configured
// with cfg. The node does not need to run.
func LoadProcesses(ctx context.Context, cfg Config) ([]*types.TransferProcess, error) {
	switch cfg.Store.Type {
	case "memory":
		if cfg.Store.SnapshotPath == "" {
			return nil, errors.New("memory store without snapshot_path keeps no state")
		}
		data, err := snapshot.NewManager(cfg.Store.SnapshotPath).Load()
		if err != nil {
			return nil, err
		}
		ms := store.NewMemoryStore(cfg.Participant.ID)
		ms.Restore(data)
		return ms.FindAll(ctx, store.QuerySpec{})
	default:
		s, err := store.OpenSQLStore(store.SQLConfig{Driver: cfg.Store.Type, DSN: cfg.Store.DSN}, cfg.Participant.ID)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.FindAll(ctx, store.QuerySpec{})
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start recovers persisted state and starts every component.
func (c *Connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.startTime = c.clock.Now()

	log.Info("Starting recovery...", "participant", c.cfg.Participant.ID, "store", c.cfg.Store.Type)
	lastSeq, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	recovered, err := c.recoverJournal(lastSeq)
	if err != nil {
		return fmt.Errorf("recoverJournal failed: %w", err)
	}

	if err := c.pool.Start(c.cfg.Pipeline.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := c.ingress.Start(); err != nil {
		c.pool.Stop()
		return fmt.Errorf("failed to start ingress: %w", err)
	}

	tcfg := c.cfg.transferConfig()
	if tcfg.CallbackAddress == "" {
		tcfg.CallbackAddress = c.defaultCallbackAddress()
	}
	c.manager = transfer.NewManager(tcfg, c.store, c.queue, c.commands, c.dispatchers,
		transfer.WithClock(c.clock),
		transfer.WithEvents(c.events),
		transfer.WithProvisioner(c.provisioner),
		transfer.WithDataFlowController(c.flows),
		transfer.WithStatusCheckers(c.checkers),
		transfer.WithRecorder(c.collector),
	)
	reset, err := c.manager.ResetPending(context.Background())
	if err != nil {
		_ = c.ingress.Stop()
		c.pool.Stop()
		return fmt.Errorf("failed to reset pending processes: %w", err)
	}

	started, err := c.store.FindAll(context.Background(), store.QuerySpec{Filter: []store.Criterion{
		store.Eq(store.FieldState, types.Started),
		store.Eq(store.FieldType, types.Provider),
	}})
	if err != nil {
		_ = c.ingress.Stop()
		c.pool.Stop()
		return fmt.Errorf("failed to query started processes: %w", err)
	}
	resumed := c.flows.Resume(context.Background(), started)

	recovery := c.clock.Since(c.startTime)
	c.collector.SetRecoveryTime(recovery.Seconds())
	log.Info("Recovery completed",
		"duration", recovery,
		"requeuedCommands", recovered,
		"resetProcesses", reset,
		"resumedFlows", resumed)

	if err := c.manager.Start(); err != nil {
		_ = c.ingress.Stop()
		c.pool.Stop()
		return err
	}

	c.loopWg.Add(1)
	go c.resultLoop()
	if c.snapshots != nil && c.cfg.Store.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.cfg.Metrics.StateInterval > 0 {
		c.loopWg.Add(1)
		go c.statsLoop()
	}
	if c.cfg.Metrics.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		c.metricsCancel = cancel
		go func() {
			if err := metrics.StartServer(ctx, c.cfg.Metrics.Port, c.registry); err != nil {
				log.Error("Metrics server failed", "port", c.cfg.Metrics.Port, "error", err)
			}
		}()
	}

	c.started = true
	for _, req := range c.cfg.Transfers {
		tp, err := c.service.Initiate(context.Background(), req)
		if err != nil {
			log.Error("Failed to initiate configured transfer", "id", req.ID, "assetID", req.AssetID, "error", err)
			continue
		}
		log.Info("Configured transfer initiated", "processID", tp.ID, "state", tp.State)
	}

	log.Info("Connector started",
		"participant", c.cfg.Participant.ID,
		"grpc", c.ingress.GRPCAddr(),
		"http", c.ingress.HTTPAddr(),
		"callback", tcfg.CallbackAddress)
	return nil
}

func (c *Connector) defaultCallbackAddress() string {
	if addr := c.ingress.GRPCAddr(); addr != "" {
		return addr
	}
	if addr := c.ingress.HTTPAddr(); addr != "" {
		return "http://" + addr + "/protocol"
	}
	return ""
}

// loadSnapshot restores the memory store and returns the journal sequence
// the image covers.
func (c *Connector) loadSnapshot() (uint64, error) {
	if c.snapshots == nil {
		return 0, nil
	}
	start := c.clock.Now()
	data, err := c.snapshots.Load()
	if err != nil {
		return 0, err
	}
	c.memory.Restore(data)
	log.Info("Snapshot loaded", "duration", c.clock.Since(start), "processes", len(data.Processes), "lastSeq", data.LastSeq)
	return data.LastSeq, nil
}

// recoverJournal puts unfinished commands back into the queue.
func (c *Connector) recoverJournal(lastSeq uint64) (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	entries, err := command.Recover(c.journal, command.RecoverOptions{
		ReplayAcked:      c.snapshots != nil,
		ReplayAckedAfter: lastSeq,
	})
	if err != nil {
		return 0, err
	}
	c.queue.Restore(entries)
	return len(entries), nil
}

// Stop shuts every component down in dependency order and writes a final
// snapshot.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		log.Info("Connector already stopped")
		return nil
	}
	c.stopped = true
	log.Info("Stopping connector...")

	var errs error
	if c.started {
		errs = multierr.Append(errs, c.ingress.Stop())
		c.manager.Stop()
		errs = multierr.Append(errs, c.flows.Close())
		close(c.stopCh)
		c.pool.Stop()
		c.loopWg.Wait()
		if c.metricsCancel != nil {
			c.metricsCancel()
		}
		if err := c.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	c.queue.Close()
	errs = multierr.Append(errs, c.grpcOut.Close())
	errs = multierr.Append(errs, c.closeAll())
	log.Info("Connector stopped")
	return errs
}

func (c *Connector) closeAll() error {
	var errs error
	if c.journal != nil {
		errs = multierr.Append(errs, c.journal.Close())
	}
	for _, closeFn := range c.closers {
		errs = multierr.Append(errs, closeFn())
	}
	return errs
}

// ============================================================================
// Background loops
// ============================================================================

// resultLoop logs failed pool tasks until the pool closes.
func (c *Connector) resultLoop() {
	defer c.loopWg.Done()
	for {
		res, err := c.pool.ReceiveResult(context.Background())
		if err != nil {
			log.Debug("Result loop stopped")
			return
		}
		if !res.Success {
			log.Debug("Partition task failed", "taskID", res.TaskID, "duration", res.Duration, "error", res.Error)
		}
	}
}

func (c *Connector) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := c.clock.Ticker(c.cfg.Store.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot writes the memory store image and drops the journal records
// it makes redundant.
func (c *Connector) takeSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	start := c.clock.Now()

	var seq uint64
	if c.journal != nil {
		if err := c.journal.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal: %w", err)
		}
		seq = c.journal.GetLastSeq()
	}
	data := c.memory.Snapshot()
	data.LastSeq = seq

	if err := c.snapshots.WriteWithBackup(data, c.cfg.Store.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if c.journal != nil {
		if err := command.CompactJournal(c.journal, seq); err != nil {
			return fmt.Errorf("failed to compact journal: %w", err)
		}
	}
	log.Info("Snapshot taken", "duration", c.clock.Since(start), "processes", len(data.Processes), "lastSeq", seq)
	return nil
}

func (c *Connector) statsLoop() {
	defer c.loopWg.Done()
	ticker := c.clock.Ticker(c.cfg.Metrics.StateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			stats, err := c.Stats(context.Background())
			if err != nil {
				log.Warn("Failed to count processes", "error", err)
				continue
			}
			c.collector.UpdateStateStats(stats)
		}
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Service returns the transfer process API of this node.
func (c *Connector) Service() *transfer.Service { return c.service }

// Buckets returns the in-memory buckets of the data plane.
func (c *Connector) Buckets() *pipeline.Buckets { return c.buckets }

// Vault returns the secret store.
func (c *Connector) Vault() vault.Vault { return c.vault }

// Gatherer exposes the metrics of this node.
func (c *Connector) Gatherer() prometheus.Gatherer { return c.registry }

// ProtocolAddress returns the address counterparties reach this node at.
func (c *Connector) ProtocolAddress() string {
	return c.defaultCallbackAddress()
}

// Stats counts processes per state.
func (c *Connector) Stats(ctx context.Context) (map[string]int, error) {
	if c.memory != nil {
		return c.memory.Stats(), nil
	}
	all, err := c.store.FindAll(ctx, store.QuerySpec{})
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	for _, tp := range all {
		stats[tp.State.String()]++
	}
	return stats, nil
}

// Status summarizes the node for operators.
type Status struct {
	Participant     string            `json:"participant"`
	Uptime          time.Duration     `json:"uptime"`
	Processes       map[string]int    `json:"processes"`
	QueuedCommands  int               `json:"queuedCommands"`
	ActiveFlows     int               `json:"activeFlows"`
	Peers           []server.PeerInfo `json:"peers"`
	ProtocolAddress string            `json:"protocolAddress"`
}

// Status returns the current node status.
func (c *Connector) Status(ctx context.Context) (Status, error) {
	stats, err := c.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = c.clock.Since(c.startTime)
	}
	return Status{
		Participant:     c.cfg.Participant.ID,
		Uptime:          uptime,
		Processes:       stats,
		QueuedCommands:  c.queue.Len(),
		ActiveFlows:     c.flows.ActiveFlows(),
		Peers:           c.ingress.Peers(),
		ProtocolAddress: c.ProtocolAddress(),
	}, nil
}

// AwaitState polls until process id reaches one of states or ctx ends.
func (c *Connector) AwaitState(ctx context.Context, id string, states ...types.TransferProcessState) (*types.TransferProcess, error) {
	ticker := c.clock.Ticker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		tp, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if tp != nil {
			for _, s := range states {
				if tp.State == s {
					return tp, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			if tp == nil {
				return nil, fmt.Errorf("process %s: %w", id, ctx.Err())
			}
			return tp, fmt.Errorf("process %s still in %s: %w", id, tp.State, ctx.Err())
		case <-ticker.C:
		}
	}
}
