// ============================================================================
// Dataspace Connector Command Registry - guarded command execution
// ============================================================================
//
// Package: internal/command
// File: registry.go
//
// Execute runs one command as a compare-and-swap over the process state:
//
//   1. lock     process lock of this node (shared with the state machine)
//   2. lease    FindByIDAndLease; a foreign lease is a CONFLICT
//   3. handle   validate against the current state and mutate
//   4. save     commit, which releases the lease
//   5. publish  events of the committed change, still under the lock
//
// Results:
//   succeeded      applied, or already applied
//   CONFLICT       leased or not ready yet; the queue retries it
//   BAD_REQUEST    not valid in the current state
//   NOT_FOUND      no such process
//   GENERAL_ERROR  store or handler failure
//
// ============================================================================

package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// Reason classifies a failed command.
type Reason string

const (
	ReasonNotFound   Reason = "NOT_FOUND"
	ReasonConflict   Reason = "CONFLICT"
	ReasonBadRequest Reason = "BAD_REQUEST"
	ReasonError      Reason = "GENERAL_ERROR"
)

// Result is the outcome of executing a command. A zero Result succeeded.
type Result struct {
	Reason   Reason
	Messages []string
}

func failure(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Messages: []string{fmt.Sprintf(format, args...)}}
}

// Succeeded reports whether the command was applied or was a no-op.
func (r Result) Succeeded() bool { return r.Reason == "" }

// Retryable reports whether the command lost a lease race and may be run
// again later.
func (r Result) Retryable() bool { return r.Reason == ReasonConflict }

// Detail joins the failure messages.
func (r Result) Detail() string { return strings.Join(r.Messages, ", ") }

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Reason, r.Detail())
}

// errUnchanged tells Execute that the command was already applied.
var errUnchanged = errors.New("unchanged")

// errDeferred asks the queue to retry the command on a later cycle.
var errDeferred = errors.New("deferred")

// RejectedError is returned by handlers when the command is not valid for
// the current state of the process.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func rejectf(format string, args ...any) error {
	return &RejectedError{Message: fmt.Sprintf(format, args...)}
}

// EventPublisher publishes lifecycle events after a committed save.
type EventPublisher interface {
	PublishFor(t event.Type, tp *types.TransferProcess)
}

// FlowStopper stops the data flow of a process when the counterparty
// suspends or terminates it.
type FlowStopper interface {
	Suspend(ctx context.Context, tp *types.TransferProcess) error
	Terminate(ctx context.Context, tp *types.TransferProcess) error
}

// Recorder counts command outcomes.
type Recorder interface {
	RecordCommand(name, outcome string)
}

// Handler mutates a leased process. It returns the events to publish once
// the change is saved.
type Handler func(ctx context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error)

// Registry executes commands with their handlers.
type Registry struct {
	store    store.TransferProcessStore
	events   EventPublisher
	clock    clock.Clock
	flows    FlowStopper
	recorder Recorder

	mu       sync.RWMutex
	handlers map[string]Handler

	locksMu sync.Mutex
	locks   map[string]*processLock
}

type processLock struct {
	sync.Mutex
	refs int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used for state timestamps.
func WithClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clk }
}

// WithFlowStopper lets counterparty notifications stop running flows.
func WithFlowStopper(f FlowStopper) RegistryOption {
	return func(r *Registry) { r.flows = f }
}

// WithRecorder counts command outcomes.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry creates a registry with the handlers for every built-in
// command.
func NewRegistry(s store.TransferProcessStore, events EventPublisher, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    s,
		events:   events,
		clock:    clock.New(),
		handlers: make(map[string]Handler),
		locks:    make(map[string]*processLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces the handler for a command name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Execute loads and leases the target process, runs the handler and saves
// the result. A rejected command releases the lease without writing.
func (r *Registry) Execute(ctx context.Context, cmd Command) Result {
	res := r.execute(ctx, cmd)
	if r.recorder != nil {
		outcome := "succeeded"
		if !res.Succeeded() {
			outcome = strings.ToLower(string(res.Reason))
		}
		r.recorder.RecordCommand(cmd.Name(), outcome)
	}
	return res
}

func (r *Registry) execute(ctx context.Context, cmd Command) Result {
	cmd = deref(cmd)
	r.mu.RLock()
	h, ok := r.handlers[cmd.Name()]
	r.mu.RUnlock()
	if !ok {
		return failure(ReasonError, "No handler registered for command %s", cmd.Name())
	}

	id := cmd.EntityID()
	defer r.LockProcess(id)()
	tp, err := r.store.FindByIDAndLease(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return failure(ReasonNotFound, "TransferProcess %s does not exist", id)
	case errors.Is(err, store.ErrAlreadyLeased):
		log.Debug("Process leased, command deferred", "command", cmd.Name(), "processID", id)
		return failure(ReasonConflict, "TransferProcess %s is leased by another process", id)
	case err != nil:
		return failure(ReasonError, "failed to load TransferProcess %s: %v", id, err)
	}

	events, err := h(ctx, tp, cmd, r.clock.Now().UnixMilli())
	if err != nil {
		r.breakLease(ctx, id)
		var rejected *RejectedError
		switch {
		case errors.Is(err, errUnchanged):
			log.Debug("Command already applied", "command", cmd.Name(), "processID", id, "state", tp.State)
			return Result{}
		case errors.Is(err, errDeferred):
			log.Debug("Command deferred", "command", cmd.Name(), "processID", id, "state", tp.State)
			return failure(ReasonConflict, "TransferProcess %s is not ready for %s in state %s", id, cmd.Name(), tp.State)
		case errors.As(err, &rejected), errors.Is(err, types.ErrIllegalTransition):
			log.Info("Command rejected", "command", cmd.Name(), "processID", id, "reason", err)
			return failure(ReasonBadRequest, "%s", err.Error())
		}
		return failure(ReasonError, "%s failed for TransferProcess %s: %v", cmd.Name(), id, err)
	}

	if err := r.store.Save(ctx, tp); err != nil {
		r.breakLease(ctx, id)
		return failure(ReasonError, "failed to save TransferProcess %s: %v", id, err)
	}
	log.Debug("Command applied", "command", cmd.Name(), "processID", id, "state", tp.State)
	if r.events != nil {
		for _, t := range events {
			r.events.PublishFor(t, tp)
		}
	}
	return Result{}
}

// LockProcess blocks until no other command or state processor of this node
// works on process id and returns the unlock function. Held from lease to
// publish, it keeps the events of one process in transition order.
func (r *Registry) LockProcess(id string) func() {
	r.locksMu.Lock()
	pl, ok := r.locks[id]
	if !ok {
		pl = &processLock{}
		r.locks[id] = pl
	}
	pl.refs++
	r.locksMu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		r.locksMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

func (r *Registry) breakLease(ctx context.Context, id string) {
	if err := r.store.BreakLease(ctx, id); err != nil {
		log.Warn("Failed to release lease", "processID", id, "error", err)
	}
}

// ProcessQueue drains up to max commands and executes them. Commands that
// hit a leased or not yet ready process are requeued until they used
// maxAttempts; the rest are acknowledged in the journal. It returns the
// number of commands settled, excluding requeued ones.
func (r *Registry) ProcessQueue(ctx context.Context, q *Queue, max, maxAttempts int) int {
	settled := 0
	for _, e := range q.Drain(max) {
		res := r.Execute(ctx, e.Command)
		if res.Retryable() {
			if e.Attempts+1 < maxAttempts {
				if err := q.Requeue(e); err == nil {
					continue
				}
			}
			log.Warn("Dropping command after repeated conflicts",
				"command", e.Command.Name(), "processID", e.Command.EntityID(), "attempts", e.Attempts+1)
			if err := q.Drop(e); err != nil {
				log.Error("Failed to journal dropped command", "commandID", e.ID, "error", err)
			}
			settled++
			continue
		}
		if !res.Succeeded() {
			log.Warn("Command failed", "command", e.Command.Name(), "processID", e.Command.EntityID(),
				"reason", res.Reason, "detail", res.Detail())
		}
		if err := q.Ack(e); err != nil {
			log.Error("Failed to journal command acknowledgement", "commandID", e.ID, "error", err)
		}
		settled++
	}
	return settled
}
