// ============================================================================
// Dataspace Connector Transfer Manager - the transfer process state machine
// ============================================================================
//
// Package: internal/transfer
// File: manager.go
//
// One cycle of the manager loop:
//
//   1. Drain the command queue (client requests, counterparty notifications,
//      provisioning and data plane results).
//   2. Run one processor per actionable state concurrently. Each leases a
//      batch of non-pending processes in its state, oldest StateTimestamp
//      first, and handles them one by one.
//   3. Sleep only when nothing moved; back off when the store failed.
//
// Outcome of handling one process:
//
//   success     next state, StateCount reset, saved, events published
//   not ready   StateTimestamp touched, saved (keeps batches fair)
//   delayed     send backoff window still open, lease broken, untouched
//   transient   StateCount+1, saved; over the limit -> TERMINATED + Failed
//   fatal       TERMINATED + ErrorDetail + Failed
//
// Provisioning and deprovisioning run asynchronously. The process is marked
// Pending so no processor picks it up, and the results come back through
// the command queue after the pending flag was committed.
//
// ============================================================================

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/dispatcher"
	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/internal/retry"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "transfer")

var (
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("transfer manager already running")

	errNotReady = errors.New("not ready")
)

// Config tunes the manager loop.
type Config struct {
	BatchSize          int           // processes leased per state and cycle
	IterationWait      time.Duration // pause after a cycle without progress
	MaxIterationWait   time.Duration // cap of the backoff after failed cycles
	RetryLimit         int           // attempts per state for local actions
	CommandBatchSize   int           // commands drained per cycle
	CommandMaxAttempts int           // requeues of a conflicting command
	CallbackAddress    string        // protocol address counterparties answer to
	SendRetry          retry.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:          20,
		IterationWait:      time.Second,
		MaxIterationWait:   30 * time.Second,
		RetryLimit:         7,
		CommandBatchSize:   100,
		CommandMaxAttempts: 30,
		SendRetry: retry.Config{
			Limit:     7,
			BaseDelay: time.Second,
			MaxDelay:  time.Minute,
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.IterationWait <= 0 {
		c.IterationWait = d.IterationWait
	}
	if c.MaxIterationWait <= 0 {
		c.MaxIterationWait = d.MaxIterationWait
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.SendRetry.Limit <= 0 {
		c.SendRetry.Limit = d.SendRetry.Limit
	}
	if c.CommandBatchSize <= 0 {
		c.CommandBatchSize = d.CommandBatchSize
	}
	if c.CommandMaxAttempts <= 0 {
		c.CommandMaxAttempts = d.CommandMaxAttempts
	}
}

// outcome of a successful action.
type outcome struct {
	events []event.Type
	// afterSave runs once the new state is committed.
	afterSave func()
}

type action func(ctx context.Context, tp *types.TransferProcess) (outcome, error)

type processor struct {
	state types.TransferProcessState
	sends bool
	run   action
}

// Manager runs the transfer process state machine.
type Manager struct {
	cfg         Config
	store       store.TransferProcessStore
	queue       *command.Queue
	commands    *command.Registry
	sender      Sender
	events      command.EventPublisher
	provisioner ResourceProvisioner
	flows       DataFlowController
	checkers    *StatusCheckerRegistry
	sendRetry   *retry.SendRetryManager
	wait        retry.WaitStrategy
	clock       clock.Clock
	recorder    Recorder
	processors  []processor

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithEvents(p command.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithProvisioner(p ResourceProvisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

func WithDataFlowController(c DataFlowController) Option {
	return func(m *Manager) { m.flows = c }
}

func WithStatusCheckers(r *StatusCheckerRegistry) Option {
	return func(m *Manager) { m.checkers = r }
}

func WithWaitStrategy(w retry.WaitStrategy) Option {
	return func(m *Manager) { m.wait = w }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager wires a manager. The command registry must operate on the same
// store and the queue must be the one commands are enqueued to.
func NewManager(cfg Config, s store.TransferProcessStore, q *command.Queue, commands *command.Registry, sender Sender, opts ...Option) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		store:    s,
		queue:    q,
		commands: commands,
		sender:   sender,
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkers == nil {
		m.checkers = NewStatusCheckerRegistry()
	}
	if m.wait == nil {
		m.wait = retry.NewExponentialWaitStrategy(cfg.IterationWait, cfg.MaxIterationWait)
	}
	m.sendRetry = retry.NewSendRetryManager(cfg.SendRetry, m.clock)
	m.processors = []processor{
		{state: types.Initial, run: m.processInitial},
		{state: types.Provisioning, run: m.processProvisioning},
		{state: types.Provisioned, run: m.processProvisioned},
		{state: types.Requesting, sends: true, run: m.processRequesting},
		{state: types.Requested, run: m.processRequested},
		{state: types.Starting, sends: true, run: m.processStarting},
		{state: types.Started, run: m.processStarted},
		{state: types.Suspending, sends: true, run: m.processSuspending},
		{state: types.Completing, sends: true, run: m.processCompleting},
		{state: types.Terminating, sends: true, run: m.processTerminating},
		{state: types.Deprovisioning, run: m.processDeprovisioning},
		{state: types.Deprovisioned, run: m.processDeprovisioned},
	}
	return m
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the manager loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.wg.Add(1)
	go m.run()
	log.Info("Transfer manager started", "batchSize", m.cfg.BatchSize, "iterationWait", m.cfg.IterationWait)
	return nil
}

// Stop ends the loop and waits for the running cycle to finish. Pending
// provisioning results still reach the queue.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.cancel()
	})
	m.wg.Wait()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("Transfer manager stopped")
			return
		default:
		}

		n, err := m.RunOnce(m.ctx)
		var wait time.Duration
		switch {
		case err != nil:
			wait = m.wait.RetryIn()
			log.Error("State machine cycle failed", "error", err, "retryIn", wait)
		case n == 0:
			m.wait.Success()
			wait = m.wait.WaitFor()
		default:
			m.wait.Success()
			continue
		}

		timer := m.clock.Timer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			log.Info("Transfer manager stopped")
			return
		case <-timer.C:
		}
	}
}

// RunOnce executes a single cycle and returns how many commands and
// processes made progress. A store failure in one processor is returned
// after the others finished their batch.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	start := m.clock.Now()
	defer func() {
		if m.recorder != nil {
			m.recorder.ObserveCycle(m.clock.Since(start))
		}
	}()

	settled := m.commands.ProcessQueue(ctx, m.queue, m.cfg.CommandBatchSize, m.cfg.CommandMaxAttempts)

	var (
		g        errgroup.Group
		progress atomic.Int64
	)
	for _, p := range m.processors {
		g.Go(func() error {
			n, err := m.process(ctx, p)
			progress.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return settled + int(progress.Load()), err
}

// ResetPending clears the pending flag of every process. Asynchronous
// provisioning does not survive a restart, so a single node calls this once
// before starting. It returns the number of processes reset.
func (m *Manager) ResetPending(ctx context.Context) (int, error) {
	pending, err := m.store.FindAll(ctx, store.QuerySpec{Filter: []store.Criterion{store.Eq(store.FieldPending, true)}})
	if err != nil {
		return 0, fmt.Errorf("failed to query pending processes: %w", err)
	}
	n := 0
	for _, p := range pending {
		tp, err := m.store.FindByIDAndLease(ctx, p.ID)
		if err != nil {
			log.Warn("Cannot reset pending process", "processID", p.ID, "error", err)
			continue
		}
		tp.Pending = false
		if err := m.store.Save(ctx, tp); err != nil {
			return n, fmt.Errorf("failed to save process %s: %w", tp.ID, err)
		}
		n++
	}
	return n, nil
}

// ============================================================================
// Processing
// ============================================================================

func (m *Manager) process(ctx context.Context, p processor) (int, error) {
	batch, err := m.store.NextNotLeased(ctx, m.cfg.BatchSize,
		store.Eq(store.FieldState, p.state), store.Eq(store.FieldPending, false))
	if err != nil {
		return 0, fmt.Errorf("failed to lease processes in state %s: %w", p.state, err)
	}
	n := 0
	for i, tp := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				m.release(rest.ID)
			}
			break
		}
		if m.handle(ctx, p, tp) {
			n++
		}
	}
	return n, nil
}

// handle runs the processor action on a leased process and commits the
// outcome. It reports whether the process made progress.
//
// Save releases the lease, so another processor or a command may lease the
// process before the events of this transition are out. The process lock
// keeps them waiting until they are.
func (m *Manager) handle(ctx context.Context, p processor, tp *types.TransferProcess) bool {
	defer m.commands.LockProcess(tp.ID)()

	if p.sends && m.sendRetry.ShouldDelay(tp) {
		m.release(tp.ID)
		return false
	}

	from := tp.State
	out, err := p.run(ctx, tp)
	now := m.now()
	progressed := true
	switch {
	case err == nil:
	case errors.Is(err, errNotReady):
		tp.StateTimestamp = now
		out = outcome{}
		progressed = false
	case IsFatal(err):
		log.Error("Transfer process failed", "processID", tp.ID, "state", from, "error", err)
		out = m.fail(tp, err.Error(), now)
	default:
		tp.Retry(now)
		if p.sends && m.recorder != nil {
			m.recorder.RecordSendRetry()
		}
		if m.retriesExhausted(p, tp) {
			log.Error("Retries exhausted", "processID", tp.ID, "state", from, "attempts", tp.StateCount-1, "error", err)
			out = m.fail(tp, fmt.Sprintf("Retry limit exceeded in state %s: %v", from, err), now)
		} else {
			log.Warn("Transient failure, will retry", "processID", tp.ID, "state", from, "attempt", tp.StateCount-1, "error", err)
			out = outcome{}
		}
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := m.store.Save(saveCtx, tp); err != nil {
		log.Error("Failed to save transfer process", "processID", tp.ID, "state", tp.State, "error", err)
		m.release(tp.ID)
		return false
	}
	if tp.State != from {
		log.Debug("Transition committed", "processID", tp.ID, "from", from, "to", tp.State)
		if m.recorder != nil {
			m.recorder.RecordTransition(tp.State)
		}
	}
	if m.events != nil {
		for _, t := range out.events {
			m.events.PublishFor(t, tp)
		}
	}
	if out.afterSave != nil {
		out.afterSave()
	}
	return progressed
}

func (m *Manager) retriesExhausted(p processor, tp *types.TransferProcess) bool {
	if p.sends {
		return m.sendRetry.RetriesExhausted(tp)
	}
	return tp.StateCount > m.cfg.RetryLimit
}

// fail moves tp to its failure state. Deprovisioning gives up into
// DEPROVISIONED since the transfer itself is already over.
func (m *Manager) fail(tp *types.TransferProcess, detail string, now int64) outcome {
	if tp.State == types.Deprovisioning {
		if err := tp.TransitionTo(types.Deprovisioned, now); err == nil {
			tp.ErrorDetail = detail
			return outcome{events: []event.Type{event.Deprovisioned}}
		}
	}
	if err := tp.Fail(detail, now); err != nil {
		tp.ErrorDetail = detail
		return outcome{}
	}
	return outcome{events: []event.Type{event.Failed}}
}

func (m *Manager) release(id string) {
	if err := m.store.BreakLease(context.Background(), id); err != nil {
		log.Warn("Failed to release lease", "processID", id, "error", err)
	}
}

func (m *Manager) now() int64 {
	return m.clock.Now().UnixMilli()
}

func (m *Manager) transition(tp *types.TransferProcess, to types.TransferProcessState, events ...event.Type) (outcome, error) {
	if err := tp.TransitionTo(to, m.now()); err != nil {
		return outcome{}, Fatal(err)
	}
	return outcome{events: events}, nil
}

func (m *Manager) enqueue(cmd command.Command) {
	if err := m.queue.Enqueue(cmd); err != nil {
		log.Error("Failed to enqueue command", "command", cmd.Name(), "processID", cmd.EntityID(), "error", err)
	}
}

// ============================================================================
// State actions
// ============================================================================

func (m *Manager) processInitial(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	manifest := &types.ResourceManifest{}
	if m.provisioner != nil {
		generated, err := m.provisioner.GenerateManifest(tp)
		if err != nil {
			return outcome{}, Fatal(fmt.Errorf("failed to generate resource manifest: %w", err))
		}
		if generated != nil {
			manifest = generated
		}
	}
	out, err := m.transition(tp, types.Provisioning, event.Initialized)
	if err != nil {
		return out, err
	}
	tp.ResourceManifest = manifest
	return out, nil
}

func (m *Manager) processProvisioning(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	if tp.ProvisioningComplete() {
		return m.transition(tp, types.Provisioned, event.Provisioned)
	}
	if m.provisioner == nil {
		return outcome{}, Fatal(errors.New("no provisioner configured"))
	}
	if tp.StateCount > m.cfg.RetryLimit {
		return outcome{}, Fatal(fmt.Errorf("provisioning incomplete after %d attempts", tp.StateCount-1))
	}
	tp.Pending = true
	snapshot := tp.Copy()
	return outcome{afterSave: func() {
		m.provisioner.Provision(m.ctx, snapshot).OnComplete(func(res []types.ProvisionedResource, err error) {
			cmd := command.AddProvisionedResource{ProcessID: snapshot.ID, Resources: res}
			if err != nil {
				cmd.Error = err.Error()
			}
			m.enqueue(cmd)
		})
	}}, nil
}

func (m *Manager) processProvisioned(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	if tp.Type == types.Consumer {
		return m.transition(tp, types.Requesting)
	}
	return m.transition(tp, types.Starting)
}

func (m *Manager) processRequesting(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	msg := m.message(tp, dispatcher.TransferRequest)
	msg.AssetID = tp.AssetID
	msg.ContractID = tp.ContractID
	msg.TransferType = tp.TransferType
	msg.DataDestination = destination(tp)

	resp, err := m.send(ctx, msg)
	if err != nil {
		return outcome{}, err
	}
	if resp.ProcessID == "" {
		return outcome{}, errors.New("transfer request acknowledged without a process id")
	}
	out, err := m.transition(tp, types.Requested, event.Requested)
	if err != nil {
		return out, err
	}
	tp.CorrelationID = resp.ProcessID
	tp.MessageSent(msg.ID)
	return out, nil
}

func (m *Manager) processRequested(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	if tp.Type != types.Consumer {
		return outcome{}, Fatal(fmt.Errorf("%s process cannot be in state %s", tp.Type, tp.State))
	}
	return m.transition(tp, types.Starting)
}

func (m *Manager) processStarting(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	if tp.Type == types.Consumer {
		return m.transition(tp, types.Started, event.Started)
	}
	if m.flows == nil {
		return outcome{}, Fatal(errors.New("no data flow controller configured"))
	}
	if err := m.flows.Start(ctx, tp); err != nil {
		return outcome{}, fmt.Errorf("failed to start data flow: %w", err)
	}
	msg := m.message(tp, dispatcher.TransferStart)
	if _, err := m.send(ctx, msg); err != nil {
		return outcome{}, err
	}
	out, err := m.transition(tp, types.Started, event.Started)
	if err != nil {
		return out, err
	}
	tp.MessageSent(msg.ID)
	return out, nil
}

func (m *Manager) processStarted(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	var destType string
	if tp.DataDestination != nil {
		destType = tp.DataDestination.Type
	}
	checker := m.checkers.Resolve(destType)
	if checker == nil {
		return outcome{}, errNotReady
	}
	done, err := checker.IsComplete(ctx, tp, tp.ProvisionedResources())
	if err != nil {
		return outcome{}, fmt.Errorf("status check failed: %w", err)
	}
	if !done {
		return outcome{}, errNotReady
	}
	return m.transition(tp, types.Completing)
}

func (m *Manager) processSuspending(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	if m.flows != nil {
		if err := m.flows.Suspend(ctx, tp); err != nil {
			return outcome{}, fmt.Errorf("failed to suspend data flow: %w", err)
		}
	}
	msg := m.message(tp, dispatcher.TransferSuspension)
	msg.Reason = tp.ErrorDetail
	if err := m.notify(ctx, tp, msg); err != nil {
		return outcome{}, err
	}
	return m.transition(tp, types.Suspended, event.Suspended)
}

func (m *Manager) processCompleting(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	msg := m.message(tp, dispatcher.TransferCompletion)
	if err := m.notify(ctx, tp, msg); err != nil {
		return outcome{}, err
	}
	return m.transition(tp, types.Completed, event.Completed)
}

func (m *Manager) processTerminating(ctx context.Context, tp *types.TransferProcess) (outcome, error) {
	if m.flows != nil {
		if err := m.flows.Terminate(ctx, tp); err != nil {
			log.Warn("Failed to terminate data flow", "processID", tp.ID, "error", err)
		}
	}
	msg := m.message(tp, dispatcher.TransferTermination)
	msg.Reason = tp.ErrorDetail
	if err := m.notify(ctx, tp, msg); err != nil && !IsFatal(err) {
		return outcome{}, err
	} else if err != nil {
		log.Warn("Counterparty refused termination", "processID", tp.ID, "error", err)
	}
	return m.transition(tp, types.Terminated, event.Terminated)
}

func (m *Manager) processDeprovisioning(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	if tp.DeprovisionComplete() || m.provisioner == nil {
		return m.transition(tp, types.Deprovisioned, event.Deprovisioned)
	}
	if tp.StateCount > m.cfg.RetryLimit {
		detail := tp.ErrorDetail
		if detail == "" {
			detail = "deprovisioning incomplete"
		}
		return outcome{}, Fatal(fmt.Errorf("%s after %d attempts", detail, tp.StateCount-1))
	}
	tp.Pending = true
	snapshot := tp.Copy()
	return outcome{afterSave: func() {
		m.provisioner.Deprovision(m.ctx, snapshot).OnComplete(func(res []types.DeprovisionedResource, err error) {
			cmd := command.DeprovisionComplete{ProcessID: snapshot.ID, Resources: res}
			if err != nil {
				cmd.Error = err.Error()
			}
			m.enqueue(cmd)
		})
	}}, nil
}

func (m *Manager) processDeprovisioned(_ context.Context, tp *types.TransferProcess) (outcome, error) {
	return m.transition(tp, types.Ended, event.Ended)
}

// ============================================================================
// Messaging
// ============================================================================

func (m *Manager) message(tp *types.TransferProcess, t dispatcher.MessageType) dispatcher.Message {
	return dispatcher.Message{
		ID:                  uuid.NewString(),
		Type:                t,
		Protocol:            tp.Protocol,
		CounterPartyAddress: tp.CounterPartyAddress,
		CallbackAddress:     m.cfg.CallbackAddress,
		ProcessID:           tp.ID,
		CorrelationID:       tp.CorrelationID,
	}
}

// send delivers msg. A refusal or a protocol without dispatcher is fatal.
func (m *Manager) send(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	resp, err := m.sender.Send(ctx, msg).Await(ctx)
	if err != nil {
		if dispatcher.IsRejected(err) {
			return resp, Fatal(fmt.Errorf("%s refused: %w", msg.Type, err))
		}
		if errors.Is(err, dispatcher.ErrUnknownProtocol) {
			return resp, Fatal(fmt.Errorf("cannot send %s: %w", msg.Type, err))
		}
		return resp, fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return resp, nil
}

// notify sends msg when the counterparty already knows the process.
func (m *Manager) notify(ctx context.Context, tp *types.TransferProcess, msg dispatcher.Message) error {
	if tp.CorrelationID == "" {
		log.Debug("Counterparty process unknown, message skipped", "processID", tp.ID, "type", msg.Type)
		return nil
	}
	if _, err := m.send(ctx, msg); err != nil {
		return err
	}
	tp.MessageSent(msg.ID)
	return nil
}

// destination is the address the provider should write to: a provisioned
// resource when there is one, the requested destination otherwise.
func destination(tp *types.TransferProcess) *types.DataAddress {
	for _, r := range tp.ProvisionedResources() {
		if r.DataAddress != nil {
			return r.DataAddress.Copy()
		}
	}
	return tp.DataDestination.Copy()
}
