// Package pipeline moves bytes from a DataSource to a DataSink.
//
// Sources expose their content as a lazy sequence of parts. Sinks consume
// that sequence and report the outcome through a future of StreamResult, so
// failures always travel as values. Service resolves both legs from
// registered factories by address type and tracks running flows so they can
// be terminated.
package pipeline

import (
	"context"
	"io"
	"iter"
	"log/slog"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

var log = slog.With("component", "pipeline")

// Part is one named chunk of a source. Open is called at most once and the
// caller closes the reader.
type Part interface {
	Name() string
	Size() int64 // -1 when unknown
	Open() (io.ReadCloser, error)
}

// DataSource yields parts. Close releases everything the source opened and
// unblocks readers still in progress.
type DataSource interface {
	OpenPartStream(ctx context.Context) StreamResult[iter.Seq[Part]]
	Close() error
}

// DataSink writes the parts of a source.
type DataSink interface {
	Transfer(ctx context.Context, source DataSource) *async.Future[StreamResult[any]]
}

// DataFlowRequest describes one data movement.
type DataFlowRequest struct {
	ID                     string             `json:"id"`
	ProcessID              string             `json:"processId"`
	SourceDataAddress      *types.DataAddress `json:"sourceDataAddress"`
	DestinationDataAddress *types.DataAddress `json:"destinationDataAddress,omitempty"`
	Properties             map[string]string  `json:"properties,omitempty"`
}

// SourceType returns the source address type or "".
func (r DataFlowRequest) SourceType() string {
	if r.SourceDataAddress == nil {
		return ""
	}
	return r.SourceDataAddress.Type
}

// DestinationType returns the destination address type or "".
func (r DataFlowRequest) DestinationType() string {
	if r.DestinationDataAddress == nil {
		return ""
	}
	return r.DestinationDataAddress.Type
}

// DataSourceFactory creates sources for one address type.
type DataSourceFactory interface {
	SupportedType() string
	CanHandle(req DataFlowRequest) bool
	ValidateRequest(req DataFlowRequest) error
	CreateSource(req DataFlowRequest) (DataSource, error)
}

// DataSinkFactory creates sinks for one address type.
type DataSinkFactory interface {
	SupportedType() string
	CanHandle(req DataFlowRequest) bool
	ValidateRequest(req DataFlowRequest) error
	CreateSink(req DataFlowRequest) (DataSink, error)
}

// SecretResolver resolves credentials referenced by data addresses.
type SecretResolver interface {
	ResolveSecret(key string) (string, error)
}

// PartRecorder observes parts written by sinks.
type PartRecorder interface {
	RecordPart(flowType string, size int64)
}
