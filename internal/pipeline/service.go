package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
)

// ErrFlowExists is returned when a flow id is already being transferred.
var ErrFlowExists = errors.New("flow already in progress")

// FlowGauge is told how many flows are running.
type FlowGauge interface {
	SetActiveFlows(n int)
}

type flow struct {
	source DataSource
	sink   DataSink
}

// Service resolves sources and sinks and tracks running flows.
type Service struct {
	mu      sync.RWMutex
	sources []DataSourceFactory
	sinks   []DataSinkFactory

	flows *xsync.MapOf[string, *flow]
	gauge FlowGauge
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFlowGauge reports the number of running flows.
func WithFlowGauge(g FlowGauge) ServiceOption {
	return func(s *Service) { s.gauge = g }
}

// NewService creates an empty service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{flows: xsync.NewMapOf[*flow]()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSource adds a source factory.
func (s *Service) RegisterSource(f DataSourceFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, f)
}

// RegisterSink adds a sink factory.
func (s *Service) RegisterSink(f DataSinkFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, f)
}

// SupportedSourceTypes lists the registered source types.
func (s *Service) SupportedSourceTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sources))
	for _, f := range s.sources {
		out = append(out, f.SupportedType())
	}
	return out
}

// SupportedSinkTypes lists the registered sink types.
func (s *Service) SupportedSinkTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sinks))
	for _, f := range s.sinks {
		out = append(out, f.SupportedType())
	}
	return out
}

func (s *Service) sourceFactory(req DataFlowRequest) DataSourceFactory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.sources {
		if f.SupportedType() == req.SourceType() && f.CanHandle(req) {
			return f
		}
	}
	return nil
}

func (s *Service) sinkFactory(req DataFlowRequest) DataSinkFactory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.sinks {
		if f.SupportedType() == req.DestinationType() && f.CanHandle(req) {
			return f
		}
	}
	return nil
}

// CanHandle reports whether both legs of req resolve to a factory.
func (s *Service) CanHandle(req DataFlowRequest) bool {
	return s.sourceFactory(req) != nil && s.sinkFactory(req) != nil
}

// Validate resolves and validates both legs without creating them.
func (s *Service) Validate(req DataFlowRequest) StreamResult[any] {
	if _, res := s.resolveSource(req); res.Failed() {
		return res
	}
	sink := s.sinkFactory(req)
	if sink == nil {
		return Error[any](unknownSink(req))
	}
	if err := sink.ValidateRequest(req); err != nil {
		return Error[any](err.Error())
	}
	return Success[any](nil)
}

// Transfer moves the data of req from its source to its destination.
func (s *Service) Transfer(ctx context.Context, req DataFlowRequest) *async.Future[StreamResult[any]] {
	srcFactory, res := s.resolveSource(req)
	if res.Failed() {
		return async.Completed(res)
	}
	sinkFactory := s.sinkFactory(req)
	if sinkFactory == nil {
		return async.Completed(Error[any](unknownSink(req)))
	}
	if err := sinkFactory.ValidateRequest(req); err != nil {
		return async.Completed(Error[any](err.Error()))
	}
	sink, err := sinkFactory.CreateSink(req)
	if err != nil {
		return async.Completed(Error[any](fmt.Sprintf("Failed to create sink for flow id: %s: %v", req.ID, err)))
	}
	return s.start(ctx, req, srcFactory, sink)
}

// TransferTo moves the data of req into an explicitly supplied sink,
// bypassing the sink registry.
func (s *Service) TransferTo(ctx context.Context, req DataFlowRequest, sink DataSink) *async.Future[StreamResult[any]] {
	srcFactory, res := s.resolveSource(req)
	if res.Failed() {
		return async.Completed(res)
	}
	return s.start(ctx, req, srcFactory, sink)
}

func (s *Service) resolveSource(req DataFlowRequest) (DataSourceFactory, StreamResult[any]) {
	f := s.sourceFactory(req)
	if f == nil {
		return nil, Error[any](unknownSource(req))
	}
	if err := f.ValidateRequest(req); err != nil {
		return nil, Error[any](err.Error())
	}
	return f, Success[any](nil)
}

func (s *Service) start(ctx context.Context, req DataFlowRequest, f DataSourceFactory, sink DataSink) *async.Future[StreamResult[any]] {
	source, err := f.CreateSource(req)
	if err != nil {
		return async.Completed(Error[any](fmt.Sprintf("Failed to create source for flow id: %s: %v", req.ID, err)))
	}

	fl := &flow{source: source, sink: sink}
	if _, loaded := s.flows.LoadOrStore(req.ID, fl); loaded {
		_ = source.Close()
		return async.Completed(Error[any](fmt.Sprintf("%v: %s", ErrFlowExists, req.ID)))
	}
	s.reportFlows()
	log.Debug("Transfer started", "flowID", req.ID, "source", req.SourceType(), "destination", req.DestinationType())

	out := async.New[StreamResult[any]]()
	sink.Transfer(ctx, source).OnComplete(func(res StreamResult[any], err error) {
		s.untrack(req.ID, fl)
		if err != nil {
			res = Error[any](err.Error())
		}
		if res.Failed() {
			log.Warn("Transfer failed", "flowID", req.ID, "error", res.FailureDetail())
		} else {
			log.Debug("Transfer completed", "flowID", req.ID)
		}
		out.Complete(res)
	})
	return out
}

// Terminate closes the source of a running flow. The flow is forgotten even
// when closing fails.
func (s *Service) Terminate(flowID string) StreamResult[any] {
	fl, ok := s.flows.LoadAndDelete(flowID)
	if !ok {
		return NotFoundResult[any](fmt.Sprintf("No source associated with flow id: %s", flowID))
	}
	s.reportFlows()
	if err := fl.source.Close(); err != nil {
		return Error[any](fmt.Sprintf("Failed to close source for flow id: %s: %v", flowID, err))
	}
	return Success[any](nil)
}

// CloseAll closes every tracked source.
func (s *Service) CloseAll() error {
	var errs error
	s.flows.Range(func(id string, fl *flow) bool {
		s.flows.Delete(id)
		if err := fl.source.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flow %s: %w", id, err))
		}
		return true
	})
	s.reportFlows()
	return errs
}

// ActiveFlows returns the number of tracked flows.
func (s *Service) ActiveFlows() int {
	return s.flows.Size()
}

// IsActive reports whether flowID is tracked.
func (s *Service) IsActive(flowID string) bool {
	_, ok := s.flows.Load(flowID)
	return ok
}

func (s *Service) untrack(id string, fl *flow) {
	s.flows.Compute(id, func(old *flow, loaded bool) (*flow, bool) {
		if !loaded || old == fl {
			return nil, true
		}
		return old, false
	})
	s.reportFlows()
}

func (s *Service) reportFlows() {
	if s.gauge != nil {
		s.gauge.SetActiveFlows(s.flows.Size())
	}
}

func unknownSource(req DataFlowRequest) string {
	return fmt.Sprintf("Unknown data source type %s for flow id: %s.", req.SourceType(), req.ID)
}

func unknownSink(req DataFlowRequest) string {
	return fmt.Sprintf("Unknown data sink type %s for flow id: %s.", req.DestinationType(), req.ID)
}
