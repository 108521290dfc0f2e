// ============================================================================
// Dataspace Connector Data Flow - data plane side of a transfer process
// ============================================================================
//
// Package: internal/dataflow
// File: controller.go
//
// The controller starts a pipeline flow for a provider process and reports
// its end back to the state machine as a command:
//
//   flow succeeded        -> CompleteTransferCommand
//   flow failed           -> FailTransferCommand(ErrorDetail)
//   flow stopped by us    -> nothing (suspend / terminate already moved
//                            the process)
//
// The flow id is the process id, so a retried start of a running flow is a
// no-op and suspend/terminate find the flow without extra bookkeeping.
//
// ============================================================================

package dataflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/ChuLiYu/dataspace-connector/internal/command"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "dataflow")

// Controller implements transfer.DataFlowController and
// command.FlowStopper over a pipeline service.
type Controller struct {
	pipeline *pipeline.Service
	queue    transfer.Enqueuer
	stopping *xsync.MapOf[string, struct{}]
	closing  atomic.Bool
}

var (
	_ transfer.DataFlowController = (*Controller)(nil)
	_ command.FlowStopper         = (*Controller)(nil)
)

// NewController creates a controller reporting flow results to queue.
func NewController(p *pipeline.Service, queue transfer.Enqueuer) *Controller {
	return &Controller{
		pipeline: p,
		queue:    queue,
		stopping: xsync.NewMapOf[struct{}](),
	}
}

// Request builds the pipeline request for a process: the content address as
// source and the provisioned or requested destination as sink.
func Request(tp *types.TransferProcess) pipeline.DataFlowRequest {
	dest := tp.DataDestination.Copy()
	for _, r := range tp.ProvisionedResources() {
		if r.DataAddress != nil {
			dest = r.DataAddress.Copy()
			break
		}
	}
	return pipeline.DataFlowRequest{
		ID:                     tp.ID,
		ProcessID:              tp.ID,
		SourceDataAddress:      tp.ContentDataAddress.Copy(),
		DestinationDataAddress: dest,
		Properties:             map[string]string{"assetId": tp.AssetID, "contractId": tp.ContractID},
	}
}

// Start launches the flow of tp unless it is already running. An invalid
// request is fatal for the process.
func (c *Controller) Start(ctx context.Context, tp *types.TransferProcess) error {
	if c.pipeline.IsActive(tp.ID) {
		return nil
	}
	req := Request(tp)
	if res := c.pipeline.Validate(req); res.Failed() {
		return transfer.Fatal(errors.New(res.FailureDetail()))
	}
	c.stopping.Delete(tp.ID)

	id := tp.ID
	f := c.pipeline.Transfer(context.WithoutCancel(ctx), req)
	f.OnComplete(func(res pipeline.StreamResult[any], err error) {
		c.finished(id, res, err)
	})
	log.Info("Data flow started", "processID", id, "source", req.SourceType(), "destination", req.DestinationType())
	return nil
}

// Suspend stops the flow; resuming starts it again from the beginning.
func (c *Controller) Suspend(_ context.Context, tp *types.TransferProcess) error {
	return c.stop(tp.ID)
}

// Terminate stops the flow for good.
func (c *Controller) Terminate(_ context.Context, tp *types.TransferProcess) error {
	return c.stop(tp.ID)
}

func (c *Controller) stop(id string) error {
	if !c.pipeline.IsActive(id) {
		return nil
	}
	c.stopping.Store(id, struct{}{})
	res := c.pipeline.Terminate(id)
	switch {
	case res.Reason() == pipeline.NotFound:
		c.stopping.Delete(id)
		return nil
	case res.Failed():
		return fmt.Errorf("failed to stop flow %s: %s", id, res.FailureDetail())
	}
	log.Info("Data flow stopped", "processID", id)
	return nil
}

// Close stops every flow without reporting a result. The processes stay
// STARTED and their flows are started again by Resume after a restart.
func (c *Controller) Close() error {
	c.closing.Store(true)
	return c.pipeline.CloseAll()
}

// Resume restarts the flows of provider processes left STARTED by a
// previous run. Parts are written again from the beginning.
func (c *Controller) Resume(ctx context.Context, processes []*types.TransferProcess) int {
	n := 0
	for _, tp := range processes {
		if tp.Type != types.Provider || tp.State != types.Started {
			continue
		}
		if err := c.Start(ctx, tp); err != nil {
			log.Warn("Cannot resume data flow", "processID", tp.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (c *Controller) finished(id string, res pipeline.StreamResult[any], err error) {
	if c.closing.Load() {
		log.Debug("Flow ended on shutdown", "processID", id)
		return
	}
	if _, stopped := c.stopping.LoadAndDelete(id); stopped {
		log.Debug("Stopped flow ended", "processID", id)
		return
	}
	var cmd command.Command = command.CompleteTransfer{ProcessID: id}
	switch {
	case err != nil:
		cmd = command.FailTransfer{ProcessID: id, ErrorDetail: err.Error()}
	case res.Failed():
		cmd = command.FailTransfer{ProcessID: id, ErrorDetail: res.FailureDetail()}
	}
	if qerr := c.queue.Enqueue(cmd); qerr != nil {
		log.Error("Failed to report data flow result", "processID", id, "command", cmd.Name(), "error", qerr)
	}
}

// ActiveFlows returns the number of running flows.
func (c *Controller) ActiveFlows() int {
	return c.pipeline.ActiveFlows()
}
