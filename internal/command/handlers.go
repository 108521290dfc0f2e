// ============================================================================
// Dataspace Connector Command Handlers - per-command state changes
// ============================================================================
//
// Package: internal/command
// File: handlers.go
//
// Each handler runs under the lease taken by Execute. It validates the
// command against the current state, mutates the process in place and
// returns the events to publish once the change is saved.
//
// Handlers on the Registry also reach the flow stopper:
//   Cancel              stops a flow still STARTING
//   NotifyTerminated    stops the running flow
//   NotifySuspended     suspends the running flow
//
// ============================================================================

package command

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

func (r *Registry) registerDefaults() {
	r.Register(NameCancel, r.handleCancel)
	r.Register(NameTerminate, handleTerminate)
	r.Register(NameComplete, handleComplete)
	r.Register(NameFail, handleFail)
	r.Register(NameSuspend, handleSuspend)
	r.Register(NameResume, handleResume)
	r.Register(NameDeprovisionRequest, handleDeprovisionRequest)
	r.Register(NameAddProvisionedResource, handleAddProvisionedResource)
	r.Register(NameDeprovisionComplete, handleDeprovisionComplete)
	r.Register(NameNotifyStarted, handleNotifyStarted)
	r.Register(NameNotifyCompleted, handleNotifyCompleted)
	r.Register(NameNotifyTerminated, r.handleNotifyTerminated)
	r.Register(NameNotifySuspended, r.handleNotifySuspended)
}

func wrongCommand(cmd Command) error {
	return fmt.Errorf("unexpected command type %T", cmd)
}

// handleCancel stops a flow a provider already launched in STARTING while
// its start message is still being retried.
func (r *Registry) handleCancel(ctx context.Context, tp *types.TransferProcess, _ Command, now int64) ([]event.Type, error) {
	if tp.State == types.Cancelled {
		return nil, errUnchanged
	}
	if !tp.CanTransitionTo(types.Cancelled) {
		return nil, rejectf("TransferProcess %s cannot be canceled as it is in state %s", tp.ID, tp.State)
	}
	running := tp.State == types.Starting
	if err := tp.TransitionTo(types.Cancelled, now); err != nil {
		return nil, err
	}
	if running && r.flows != nil {
		if err := r.flows.Terminate(ctx, tp); err != nil {
			log.Warn("Failed to terminate data flow", "processID", tp.ID, "error", err)
		}
	}
	return []event.Type{event.Cancelled}, nil
}

func handleTerminate(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(TerminateTransfer)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State == types.Terminating || tp.State == types.Terminated {
		return nil, errUnchanged
	}
	if !tp.CanTransitionTo(types.Terminating) {
		return nil, rejectf("TransferProcess %s cannot be terminated as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Terminating, now); err != nil {
		return nil, err
	}
	tp.ErrorDetail = c.Reason
	return nil, nil
}

func handleComplete(_ context.Context, tp *types.TransferProcess, _ Command, now int64) ([]event.Type, error) {
	switch tp.State {
	case types.Completing, types.Completed:
		return nil, errUnchanged
	case types.Started:
		return nil, tp.TransitionTo(types.Completing, now)
	case types.Requested, types.Starting:
		// the data plane may finish before the start was committed
		return nil, errDeferred
	}
	return nil, rejectf("TransferProcess %s cannot be completed as it is in state %s", tp.ID, tp.State)
}

func handleFail(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(FailTransfer)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State.IsFinal() {
		return nil, errUnchanged
	}
	if err := tp.Fail(c.ErrorDetail, now); err != nil {
		return nil, err
	}
	return []event.Type{event.Failed}, nil
}

func handleSuspend(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(SuspendTransfer)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	switch tp.State {
	case types.Suspending, types.Suspended:
		return nil, errUnchanged
	case types.Started:
	default:
		return nil, rejectf("TransferProcess %s cannot be suspended as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Suspending, now); err != nil {
		return nil, err
	}
	tp.ErrorDetail = c.Reason
	return nil, nil
}

func handleResume(_ context.Context, tp *types.TransferProcess, _ Command, now int64) ([]event.Type, error) {
	if tp.State != types.Suspended {
		return nil, rejectf("TransferProcess %s cannot be resumed as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Starting, now); err != nil {
		return nil, err
	}
	tp.ErrorDetail = ""
	return nil, nil
}

func handleDeprovisionRequest(_ context.Context, tp *types.TransferProcess, _ Command, now int64) ([]event.Type, error) {
	switch tp.State {
	case types.Deprovisioning, types.Deprovisioned, types.Ended:
		return nil, errUnchanged
	case types.Completed, types.Terminated:
	default:
		return nil, rejectf("TransferProcess %s cannot be deprovisioned as it is in state %s", tp.ID, tp.State)
	}
	return nil, tp.TransitionTo(types.Deprovisioning, now)
}

func handleAddProvisionedResource(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(AddProvisionedResource)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State != types.Provisioning {
		return nil, errUnchanged
	}
	if c.Error != "" {
		if err := tp.Fail("Error provisioning resources: "+c.Error, now); err != nil {
			return nil, err
		}
		return []event.Type{event.Failed}, nil
	}
	for _, res := range c.Resources {
		tp.AddProvisionedResource(res)
	}
	if !tp.ProvisioningComplete() {
		tp.Pending = false
		tp.Retry(now)
		return nil, nil
	}
	if err := tp.TransitionTo(types.Provisioned, now); err != nil {
		return nil, err
	}
	return []event.Type{event.Provisioned}, nil
}

func handleDeprovisionComplete(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(DeprovisionComplete)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State != types.Deprovisioning {
		return nil, errUnchanged
	}
	for _, res := range c.Resources {
		if res.Error != "" {
			continue
		}
		tp.AddDeprovisionedResource(res)
	}
	if c.Error != "" || !tp.DeprovisionComplete() {
		if c.Error != "" {
			tp.ErrorDetail = "Error deprovisioning resources: " + c.Error
		}
		tp.Pending = false
		tp.Retry(now)
		return nil, nil
	}
	if err := tp.TransitionTo(types.Deprovisioned, now); err != nil {
		return nil, err
	}
	return []event.Type{event.Deprovisioned}, nil
}

func handleNotifyStarted(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(NotifyStarted)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if !tp.MessageReceived(c.MessageID) {
		return nil, errUnchanged
	}
	if tp.State == types.Started {
		if c.DataAddress == nil {
			return nil, errUnchanged
		}
		tp.ContentDataAddress = c.DataAddress.Copy()
		tp.UpdatedAt = now
		return nil, nil
	}
	switch tp.State {
	case types.Requested, types.Starting, types.Suspended:
	case types.Requesting:
		// the provider answered faster than the request was committed
		return nil, errDeferred
	default:
		return nil, rejectf("TransferProcess %s cannot be started as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Started, now); err != nil {
		return nil, err
	}
	if c.DataAddress != nil {
		tp.ContentDataAddress = c.DataAddress.Copy()
	}
	return []event.Type{event.Started}, nil
}

func handleNotifyCompleted(_ context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(NotifyCompleted)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State == types.Completed || !tp.MessageReceived(c.MessageID) {
		return nil, errUnchanged
	}
	switch tp.State {
	case types.Started, types.Completing:
	default:
		return nil, rejectf("TransferProcess %s cannot be completed as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Completed, now); err != nil {
		return nil, err
	}
	return []event.Type{event.Completed}, nil
}

func (r *Registry) handleNotifyTerminated(ctx context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(NotifyTerminated)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State.IsFinal() || !tp.MessageReceived(c.MessageID) {
		return nil, errUnchanged
	}
	if !tp.CanTransitionTo(types.Terminated) {
		return nil, rejectf("TransferProcess %s cannot be terminated as it is in state %s", tp.ID, tp.State)
	}
	running := tp.State >= types.Starting && tp.State < types.Completed
	if err := tp.TransitionTo(types.Terminated, now); err != nil {
		return nil, err
	}
	tp.ErrorDetail = c.Reason
	if running && r.flows != nil {
		if err := r.flows.Terminate(ctx, tp); err != nil {
			log.Warn("Failed to terminate data flow", "processID", tp.ID, "error", err)
		}
	}
	return []event.Type{event.Terminated}, nil
}

func (r *Registry) handleNotifySuspended(ctx context.Context, tp *types.TransferProcess, cmd Command, now int64) ([]event.Type, error) {
	c, ok := cmd.(NotifySuspended)
	if !ok {
		return nil, wrongCommand(cmd)
	}
	if tp.State == types.Suspended || !tp.MessageReceived(c.MessageID) {
		return nil, errUnchanged
	}
	if tp.State != types.Started {
		return nil, rejectf("TransferProcess %s cannot be suspended as it is in state %s", tp.ID, tp.State)
	}
	if err := tp.TransitionTo(types.Suspended, now); err != nil {
		return nil, err
	}
	tp.ErrorDetail = c.Reason
	if r.flows != nil {
		if err := r.flows.Suspend(ctx, tp); err != nil {
			log.Warn("Failed to suspend data flow", "processID", tp.ID, "error", err)
		}
	}
	return []event.Type{event.Suspended}, nil
}
