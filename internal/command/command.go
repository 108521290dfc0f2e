// Package command lets external actors (API calls, counterparty messages,
// the data plane) change transfer processes without bypassing the lifecycle
// guards of the state machine.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "command")

// ErrUnknownCommand is returned when decoding a journaled command whose name
// is not registered.
var ErrUnknownCommand = errors.New("unknown command")

// Command targets one transfer process.
type Command interface {
	Name() string
	EntityID() string
}

// Command names, also used in the journal.
const (
	NameCancel                 = "CancelTransferCommand"
	NameTerminate              = "TerminateTransferCommand"
	NameComplete               = "CompleteTransferCommand"
	NameFail                   = "FailTransferCommand"
	NameSuspend                = "SuspendTransferCommand"
	NameResume                 = "ResumeTransferCommand"
	NameDeprovisionRequest     = "DeprovisionRequest"
	NameAddProvisionedResource = "AddProvisionedResource"
	NameDeprovisionComplete    = "DeprovisionComplete"
	NameNotifyStarted          = "NotifyStartedCommand"
	NameNotifyCompleted        = "NotifyCompletedCommand"
	NameNotifyTerminated       = "NotifyTerminatedCommand"
	NameNotifySuspended        = "NotifySuspendedCommand"
)

// CancelTransfer cancels a process that has not started moving data.
type CancelTransfer struct {
	ProcessID string `json:"processId"`
}

// TerminateTransfer asks the state machine to terminate a process and tell
// the counterparty.
type TerminateTransfer struct {
	ProcessID string `json:"processId"`
	Reason    string `json:"reason,omitempty"`
}

// CompleteTransfer reports that the data flow of a process finished.
type CompleteTransfer struct {
	ProcessID string `json:"processId"`
}

// FailTransfer terminates a process because of an unrecoverable error.
type FailTransfer struct {
	ProcessID   string `json:"processId"`
	ErrorDetail string `json:"errorDetail"`
}

// SuspendTransfer pauses a started process.
type SuspendTransfer struct {
	ProcessID string `json:"processId"`
	Reason    string `json:"reason,omitempty"`
}

// ResumeTransfer restarts a suspended process.
type ResumeTransfer struct {
	ProcessID string `json:"processId"`
}

// DeprovisionRequest releases the resources of a finished process.
type DeprovisionRequest struct {
	ProcessID string `json:"processId"`
}

// AddProvisionedResource delivers the outcome of provisioning.
type AddProvisionedResource struct {
	ProcessID string                      `json:"processId"`
	Resources []types.ProvisionedResource `json:"resources,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

// DeprovisionComplete delivers the outcome of deprovisioning.
type DeprovisionComplete struct {
	ProcessID string                        `json:"processId"`
	Resources []types.DeprovisionedResource `json:"resources,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

// NotifyStarted records the counterparty's TransferStartMessage.
type NotifyStarted struct {
	ProcessID   string             `json:"processId"`
	MessageID   string             `json:"messageId,omitempty"`
	DataAddress *types.DataAddress `json:"dataAddress,omitempty"`
}

// NotifyCompleted records the counterparty's TransferCompletionMessage.
type NotifyCompleted struct {
	ProcessID string `json:"processId"`
	MessageID string `json:"messageId,omitempty"`
}

// NotifyTerminated records the counterparty's TransferTerminationMessage.
type NotifyTerminated struct {
	ProcessID string `json:"processId"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NotifySuspended records the counterparty's TransferSuspensionMessage.
type NotifySuspended struct {
	ProcessID string `json:"processId"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c CancelTransfer) Name() string         { return NameCancel }
func (c TerminateTransfer) Name() string      { return NameTerminate }
func (c CompleteTransfer) Name() string       { return NameComplete }
func (c FailTransfer) Name() string           { return NameFail }
func (c SuspendTransfer) Name() string        { return NameSuspend }
func (c ResumeTransfer) Name() string         { return NameResume }
func (c DeprovisionRequest) Name() string     { return NameDeprovisionRequest }
func (c AddProvisionedResource) Name() string { return NameAddProvisionedResource }
func (c DeprovisionComplete) Name() string    { return NameDeprovisionComplete }
func (c NotifyStarted) Name() string          { return NameNotifyStarted }
func (c NotifyCompleted) Name() string        { return NameNotifyCompleted }
func (c NotifyTerminated) Name() string       { return NameNotifyTerminated }
func (c NotifySuspended) Name() string        { return NameNotifySuspended }

func (c CancelTransfer) EntityID() string         { return c.ProcessID }
func (c TerminateTransfer) EntityID() string      { return c.ProcessID }
func (c CompleteTransfer) EntityID() string       { return c.ProcessID }
func (c FailTransfer) EntityID() string           { return c.ProcessID }
func (c SuspendTransfer) EntityID() string        { return c.ProcessID }
func (c ResumeTransfer) EntityID() string         { return c.ProcessID }
func (c DeprovisionRequest) EntityID() string     { return c.ProcessID }
func (c AddProvisionedResource) EntityID() string { return c.ProcessID }
func (c DeprovisionComplete) EntityID() string    { return c.ProcessID }
func (c NotifyStarted) EntityID() string          { return c.ProcessID }
func (c NotifyCompleted) EntityID() string        { return c.ProcessID }
func (c NotifyTerminated) EntityID() string       { return c.ProcessID }
func (c NotifySuspended) EntityID() string        { return c.ProcessID }

// Decode rebuilds a command from its journaled name and JSON payload.
func Decode(name string, payload json.RawMessage) (Command, error) {
	decode := func(c Command) (Command, error) {
		if err := json.Unmarshal(payload, c); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return c, nil
	}
	var (
		c   Command
		err error
	)
	switch name {
	case NameCancel:
		c, err = decode(&CancelTransfer{})
	case NameTerminate:
		c, err = decode(&TerminateTransfer{})
	case NameComplete:
		c, err = decode(&CompleteTransfer{})
	case NameFail:
		c, err = decode(&FailTransfer{})
	case NameSuspend:
		c, err = decode(&SuspendTransfer{})
	case NameResume:
		c, err = decode(&ResumeTransfer{})
	case NameDeprovisionRequest:
		c, err = decode(&DeprovisionRequest{})
	case NameAddProvisionedResource:
		c, err = decode(&AddProvisionedResource{})
	case NameDeprovisionComplete:
		c, err = decode(&DeprovisionComplete{})
	case NameNotifyStarted:
		c, err = decode(&NotifyStarted{})
	case NameNotifyCompleted:
		c, err = decode(&NotifyCompleted{})
	case NameNotifyTerminated:
		c, err = decode(&NotifyTerminated{})
	case NameNotifySuspended:
		c, err = decode(&NotifySuspended{})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if err != nil {
		return nil, err
	}
	return deref(c), nil
}

// deref returns commands by value so handlers can switch on value types.
func deref(c Command) Command {
	switch v := c.(type) {
	case *CancelTransfer:
		return *v
	case *TerminateTransfer:
		return *v
	case *CompleteTransfer:
		return *v
	case *FailTransfer:
		return *v
	case *SuspendTransfer:
		return *v
	case *ResumeTransfer:
		return *v
	case *DeprovisionRequest:
		return *v
	case *AddProvisionedResource:
		return *v
	case *DeprovisionComplete:
		return *v
	case *NotifyStarted:
		return *v
	case *NotifyCompleted:
		return *v
	case *NotifyTerminated:
		return *v
	case *NotifySuspended:
		return *v
	}
	return c
}
