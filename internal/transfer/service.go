package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/dispatcher"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// ErrInvalidRequest is returned for incomplete transfer requests.
var ErrInvalidRequest = errors.New("invalid transfer request")

// TransferRequest asks the consumer side to start a transfer.
type TransferRequest struct {
	// ID is optional; a repeated request with the same id returns the
	// existing process.
	ID                  string                  `json:"id,omitempty" yaml:"id"`
	AssetID             string                  `json:"assetId" yaml:"assetId"`
	ContractID          string                  `json:"contractId" yaml:"contractId"`
	CounterPartyAddress string                  `json:"counterPartyAddress" yaml:"counterPartyAddress"`
	Protocol            string                  `json:"protocol" yaml:"protocol"`
	TransferType        string                  `json:"transferType,omitempty" yaml:"transferType"`
	DataDestination     *types.DataAddress      `json:"dataDestination" yaml:"dataDestination"`
	CallbackAddresses   []types.CallbackAddress `json:"callbackAddresses,omitempty" yaml:"callbackAddresses"`
	PrivateProperties   map[string]string       `json:"privateProperties,omitempty" yaml:"privateProperties"`
}

func (r TransferRequest) validate() error {
	switch {
	case r.AssetID == "":
		return fmt.Errorf("%w: missing assetId", ErrInvalidRequest)
	case r.CounterPartyAddress == "":
		return fmt.Errorf("%w: missing counterPartyAddress", ErrInvalidRequest)
	case r.Protocol == "":
		return fmt.Errorf("%w: missing protocol", ErrInvalidRequest)
	case r.DataDestination == nil || r.DataDestination.Type == "":
		return fmt.Errorf("%w: missing dataDestination type", ErrInvalidRequest)
	}
	return nil
}

// Service is the client and counterparty facing API of the state machine.
// It creates processes and turns requests into commands; the manager loop
// does the rest.
type Service struct {
	store    store.TransferProcessStore
	commands *command.Registry
	queue    Enqueuer
	assets   AssetIndex
	clock    clock.Clock
}

var _ dispatcher.Handler = (*Service)(nil)

// NewService creates a service. assets may be nil on a consumer-only node;
// a nil clock uses the wall clock.
func NewService(s store.TransferProcessStore, commands *command.Registry, queue Enqueuer, assets AssetIndex, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: s, commands: commands, queue: queue, assets: assets, clock: clk}
}

// Initiate creates a consumer process in INITIAL.
func (s *Service) Initiate(ctx context.Context, req TransferRequest) (*types.TransferProcess, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.ID != "" {
		existing, err := s.store.FindByID(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	tp := s.newProcess(req.ID, types.Consumer)
	tp.AssetID = req.AssetID
	tp.ContractID = req.ContractID
	tp.CounterPartyAddress = req.CounterPartyAddress
	tp.Protocol = req.Protocol
	tp.TransferType = req.TransferType
	tp.DataDestination = req.DataDestination.Copy()
	tp.CallbackAddresses = req.CallbackAddresses
	tp.PrivateProperties = req.PrivateProperties
	if err := s.store.Save(ctx, tp); err != nil {
		return nil, fmt.Errorf("failed to save transfer process: %w", err)
	}
	log.Info("Transfer initiated", "processID", tp.ID, "assetID", tp.AssetID, "counterParty", tp.CounterPartyAddress)
	return tp, nil
}

// HandleRequestMessage creates the provider process for a consumer request.
// A request repeated by the same consumer process returns the existing one.
func (s *Service) HandleRequestMessage(ctx context.Context, msg dispatcher.Message) (*types.TransferProcess, error) {
	if msg.ProcessID == "" {
		return nil, fmt.Errorf("%w: request without consumer process id", dispatcher.ErrRejected)
	}
	existing, err := s.store.FindByCorrelationID(ctx, msg.ProcessID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Type == types.Provider {
		return existing, nil
	}
	if s.assets == nil {
		return nil, fmt.Errorf("%w: this connector provides no assets", dispatcher.ErrRejected)
	}
	source, err := s.assets.ResolveAsset(ctx, msg.AssetID)
	if errors.Is(err, ErrUnknownAsset) {
		return nil, fmt.Errorf("%w: %w", dispatcher.ErrRejected, err)
	}
	if err != nil {
		return nil, err
	}
	if msg.DataDestination == nil {
		return nil, fmt.Errorf("%w: request without data destination", dispatcher.ErrRejected)
	}

	tp := s.newProcess("", types.Provider)
	tp.CorrelationID = msg.ProcessID
	tp.CounterPartyAddress = msg.CallbackAddress
	tp.Protocol = msg.Protocol
	tp.AssetID = msg.AssetID
	tp.ContractID = msg.ContractID
	tp.TransferType = msg.TransferType
	tp.DataDestination = msg.DataDestination.Copy()
	tp.ContentDataAddress = source
	tp.MessageReceived(msg.ID)
	if err := s.store.Save(ctx, tp); err != nil {
		return nil, fmt.Errorf("failed to save transfer process: %w", err)
	}
	log.Info("Transfer requested by counterparty", "processID", tp.ID, "correlationID", tp.CorrelationID, "assetID", tp.AssetID)
	return tp, nil
}

// HandleMessage accepts a protocol message from the counterparty. Requests
// create processes; every other message is queued as a notification command
// for the process addressed by the message's correlation id.
func (s *Service) HandleMessage(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	if msg.Type == dispatcher.TransferRequest {
		tp, err := s.HandleRequestMessage(ctx, msg)
		if err != nil {
			return dispatcher.Response{}, err
		}
		return dispatcher.Response{ProcessID: tp.ID}, nil
	}

	tp, err := s.store.FindByID(ctx, msg.CorrelationID)
	if err != nil {
		return dispatcher.Response{}, err
	}
	if tp == nil {
		return dispatcher.Response{}, fmt.Errorf("%w: %s", dispatcher.ErrProcessNotFound, msg.CorrelationID)
	}
	if tp.CorrelationID != "" && msg.ProcessID != "" && tp.CorrelationID != msg.ProcessID {
		return dispatcher.Response{}, fmt.Errorf("%w: process %s is not correlated with %s", dispatcher.ErrRejected, tp.ID, msg.ProcessID)
	}

	var cmd command.Command
	switch msg.Type {
	case dispatcher.TransferStart:
		cmd = command.NotifyStarted{ProcessID: tp.ID, MessageID: msg.ID, DataAddress: msg.DataAddress}
	case dispatcher.TransferCompletion:
		cmd = command.NotifyCompleted{ProcessID: tp.ID, MessageID: msg.ID}
	case dispatcher.TransferTermination:
		cmd = command.NotifyTerminated{ProcessID: tp.ID, MessageID: msg.ID, Reason: msg.Reason}
	case dispatcher.TransferSuspension:
		cmd = command.NotifySuspended{ProcessID: tp.ID, MessageID: msg.ID, Reason: msg.Reason}
	default:
		return dispatcher.Response{}, fmt.Errorf("%w: unsupported message type %q", dispatcher.ErrRejected, msg.Type)
	}
	if err := s.queue.Enqueue(cmd); err != nil {
		return dispatcher.Response{}, fmt.Errorf("failed to accept %s: %w", msg.Type, err)
	}
	return dispatcher.Response{ProcessID: tp.ID}, nil
}

// Enqueue queues a command for the next manager cycle.
func (s *Service) Enqueue(cmd command.Command) error {
	return s.queue.Enqueue(cmd)
}

// Cancel cancels a process that has not started yet.
func (s *Service) Cancel(ctx context.Context, id string) command.Result {
	return s.commands.Execute(ctx, command.CancelTransfer{ProcessID: id})
}

// Terminate asks the manager to terminate the process and tell the
// counterparty.
func (s *Service) Terminate(ctx context.Context, id, reason string) command.Result {
	return s.commands.Execute(ctx, command.TerminateTransfer{ProcessID: id, Reason: reason})
}

func (s *Service) Complete(ctx context.Context, id string) command.Result {
	return s.commands.Execute(ctx, command.CompleteTransfer{ProcessID: id})
}

func (s *Service) Suspend(ctx context.Context, id, reason string) command.Result {
	return s.commands.Execute(ctx, command.SuspendTransfer{ProcessID: id, Reason: reason})
}

func (s *Service) Resume(ctx context.Context, id string) command.Result {
	return s.commands.Execute(ctx, command.ResumeTransfer{ProcessID: id})
}

// Deprovision releases the resources of a completed or terminated process.
func (s *Service) Deprovision(ctx context.Context, id string) command.Result {
	return s.commands.Execute(ctx, command.DeprovisionRequest{ProcessID: id})
}

// FindByID returns the process or nil.
func (s *Service) FindByID(ctx context.Context, id string) (*types.TransferProcess, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) FindAll(ctx context.Context, query store.QuerySpec) ([]*types.TransferProcess, error) {
	return s.store.FindAll(ctx, query)
}

// Delete removes a process in a final state.
func (s *Service) Delete(ctx context.Context, id string) command.Result {
	tp, err := s.store.FindByID(ctx, id)
	if err != nil {
		return command.Result{Reason: command.ReasonError, Messages: []string{err.Error()}}
	}
	if tp == nil {
		return command.Result{Reason: command.ReasonNotFound, Messages: []string{fmt.Sprintf("TransferProcess %s does not exist", id)}}
	}
	if !tp.State.IsFinal() {
		return command.Result{Reason: command.ReasonBadRequest, Messages: []string{
			fmt.Sprintf("TransferProcess %s cannot be deleted as it is in state %s", id, tp.State),
		}}
	}
	switch err := s.store.Delete(ctx, id); {
	case errors.Is(err, store.ErrAlreadyLeased):
		return command.Result{Reason: command.ReasonConflict, Messages: []string{fmt.Sprintf("TransferProcess %s is leased by another process", id)}}
	case errors.Is(err, store.ErrNotFound):
		return command.Result{Reason: command.ReasonNotFound, Messages: []string{fmt.Sprintf("TransferProcess %s does not exist", id)}}
	case err != nil:
		return command.Result{Reason: command.ReasonError, Messages: []string{err.Error()}}
	}
	log.Info("Transfer process deleted", "processID", id)
	return command.Result{}
}

func (s *Service) newProcess(id string, role types.Role) *types.TransferProcess {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now().UnixMilli()
	return &types.TransferProcess{
		ID:             id,
		Type:           role,
		State:          types.Initial,
		StateCount:     1,
		StateTimestamp: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
