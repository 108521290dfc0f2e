package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/dispatcher"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// Sender delivers protocol messages to the counterparty connector.
type Sender interface {
	Send(ctx context.Context, msg dispatcher.Message) *async.Future[dispatcher.Response]
}

// ResourceProvisioner generates and provisions the resources a process needs
// before data can move.
type ResourceProvisioner interface {
	GenerateManifest(tp *types.TransferProcess) (*types.ResourceManifest, error)
	Provision(ctx context.Context, tp *types.TransferProcess) *async.Future[[]types.ProvisionedResource]
	Deprovision(ctx context.Context, tp *types.TransferProcess) *async.Future[[]types.DeprovisionedResource]
}

// DataFlowController drives the data plane of a process. Start must be
// idempotent for a flow that is already running.
type DataFlowController interface {
	Start(ctx context.Context, tp *types.TransferProcess) error
	Suspend(ctx context.Context, tp *types.TransferProcess) error
	Terminate(ctx context.Context, tp *types.TransferProcess) error
}

// Enqueuer accepts commands for asynchronous execution.
type Enqueuer interface {
	Enqueue(cmd command.Command) error
}

// Recorder receives state machine metrics.
type Recorder interface {
	RecordTransition(state types.TransferProcessState)
	RecordSendRetry()
	ObserveCycle(d time.Duration)
}

// ============================================================================
// Status checkers
// ============================================================================

// StatusChecker decides whether the data of a started process arrived.
type StatusChecker interface {
	IsComplete(ctx context.Context, tp *types.TransferProcess, resources []types.ProvisionedResource) (bool, error)
}

// StatusCheckerFunc adapts a function to StatusChecker.
type StatusCheckerFunc func(ctx context.Context, tp *types.TransferProcess, resources []types.ProvisionedResource) (bool, error)

func (f StatusCheckerFunc) IsComplete(ctx context.Context, tp *types.TransferProcess, resources []types.ProvisionedResource) (bool, error) {
	return f(ctx, tp, resources)
}

// StatusCheckerRegistry holds checkers keyed by destination type.
type StatusCheckerRegistry struct {
	mu       sync.RWMutex
	checkers map[string]StatusChecker
}

func NewStatusCheckerRegistry() *StatusCheckerRegistry {
	return &StatusCheckerRegistry{checkers: make(map[string]StatusChecker)}
}

// Register adds or replaces the checker for destType.
func (r *StatusCheckerRegistry) Register(destType string, c StatusChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[destType] = c
}

// Resolve returns the checker for destType or nil.
func (r *StatusCheckerRegistry) Resolve(destType string) StatusChecker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkers[destType]
}

// ============================================================================
// Assets
// ============================================================================

// ErrUnknownAsset is returned when a requested asset has no data address.
var ErrUnknownAsset = errors.New("unknown asset")

// AssetIndex resolves the data address a provider serves an asset from.
type AssetIndex interface {
	ResolveAsset(ctx context.Context, assetID string) (*types.DataAddress, error)
}

// StaticAssetIndex is an AssetIndex backed by a fixed map.
type StaticAssetIndex map[string]*types.DataAddress

func (idx StaticAssetIndex) ResolveAsset(_ context.Context, assetID string) (*types.DataAddress, error) {
	addr, ok := idx[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return addr.Copy(), nil
}

// ============================================================================
// Errors
// ============================================================================

// FatalError marks a failure retrying cannot fix. The process is terminated
// right away.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
