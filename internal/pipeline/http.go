package pipeline

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
)

// HTTPType addresses an HTTP endpoint. Properties: "baseUrl", optional
// "path", "method", "name" (part name) and credentials through "authKey"
// with either "authCode" or "secretName" resolved from the vault.
const HTTPType = "HttpData"

func endpoint(addrURL, path string) string {
	if path == "" {
		return addrURL
	}
	return strings.TrimRight(addrURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func validateHTTP(kind, flowID string, props map[string]string) error {
	base := props["baseUrl"]
	if base == "" {
		return fmt.Errorf("http %s for flow id: %s: missing baseUrl", kind, flowID)
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("http %s for flow id: %s: invalid baseUrl %q", kind, flowID, base)
	}
	if props["secretName"] != "" && props["authKey"] == "" {
		return fmt.Errorf("http %s for flow id: %s: secretName requires authKey", kind, flowID)
	}
	return nil
}

// authHeader returns the credential header for an address, if any.
func authHeader(props map[string]string, secrets SecretResolver) (string, string, error) {
	key := props["authKey"]
	if key == "" {
		return "", "", nil
	}
	if code := props["authCode"]; code != "" {
		return key, code, nil
	}
	if name := props["secretName"]; name != "" {
		if secrets == nil {
			return "", "", fmt.Errorf("no vault configured to resolve secret %s", name)
		}
		secret, err := secrets.ResolveSecret(name)
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve secret %s: %w", name, err)
		}
		return key, secret, nil
	}
	return "", "", nil
}

// HTTPSource fetches one part from an HTTP endpoint.
type HTTPSource struct {
	client    *resty.Client
	secrets   SecretResolver
	requestID string
	props     map[string]string

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser
	taken  bool
	closed bool
}

func (s *HTTPSource) OpenPartStream(ctx context.Context) StreamResult[iter.Seq[Part]] {
	key, value, err := authHeader(s.props, s.secrets)
	if err != nil {
		return Error[iter.Seq[Part]](err.Error())
	}

	// the request lives until Close, not until ctx ends
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Error[iter.Seq[Part]](ErrSourceClosed.Error())
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	req := s.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if key != "" {
		req.SetHeader(key, value)
	}
	method := s.props["method"]
	if method == "" {
		method = http.MethodGet
	}

	resp, err := req.Execute(method, endpoint(s.props["baseUrl"], s.props["path"]))
	if err != nil {
		return Error[iter.Seq[Part]](fmt.Sprintf("Error transferring HTTP data for request %s: %v", s.requestID, err))
	}
	body := resp.RawBody()
	if resp.StatusCode() == http.StatusNotFound {
		body.Close()
		return NotFoundResult[iter.Seq[Part]](fmt.Sprintf("Received code transferring HTTP data for request %s: %d - %s", s.requestID, resp.StatusCode(), resp.Status()))
	}
	if resp.IsError() {
		body.Close()
		return Error[iter.Seq[Part]](fmt.Sprintf("Received code transferring HTTP data for request %s: %d - %s", s.requestID, resp.StatusCode(), resp.Status()))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		body.Close()
		return Error[iter.Seq[Part]](ErrSourceClosed.Error())
	}
	s.body = body
	s.mu.Unlock()

	name := s.props["name"]
	if name == "" {
		name = s.requestID
	}
	part := &httpPart{name: name, size: resp.RawResponse.ContentLength, src: s}
	return Success[iter.Seq[Part]](func(yield func(Part) bool) {
		yield(part)
	})
}

// Close aborts a request in flight and closes the response body, unblocking
// a reader.
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		defer s.cancel()
	}
	if s.closed || s.body == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *HTTPSource) take() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.body == nil || s.taken {
		return nil, fmt.Errorf("part of request %s already opened", s.requestID)
	}
	s.taken = true
	return &httpBody{ReadCloser: s.body}, nil
}

type httpPart struct {
	name string
	size int64
	src  *HTTPSource
}

func (p *httpPart) Name() string                 { return p.name }
func (p *httpPart) Size() int64                  { return p.size }
func (p *httpPart) Open() (io.ReadCloser, error) { return p.src.take() }

// httpBody may be closed by both the reader and the source.
type httpBody struct {
	io.ReadCloser
	once sync.Once
}

func (b *httpBody) Close() error {
	var err error
	b.once.Do(func() { err = b.ReadCloser.Close() })
	return err
}

// HTTPSourceFactory creates HTTP sources.
type HTTPSourceFactory struct {
	Client  *resty.Client
	Secrets SecretResolver
}

func (f *HTTPSourceFactory) SupportedType() string { return HTTPType }

func (f *HTTPSourceFactory) CanHandle(req DataFlowRequest) bool {
	return req.SourceType() == HTTPType
}

func (f *HTTPSourceFactory) ValidateRequest(req DataFlowRequest) error {
	return validateHTTP("source", req.ID, req.SourceDataAddress.Properties)
}

func (f *HTTPSourceFactory) CreateSource(req DataFlowRequest) (DataSource, error) {
	return &HTTPSource{
		client:    f.Client,
		secrets:   f.Secrets,
		requestID: req.ID,
		props:     req.SourceDataAddress.Properties,
	}, nil
}

type httpWriter struct {
	client   *resty.Client
	secrets  SecretResolver
	props    map[string]string
	recorder PartRecorder
}

func (w *httpWriter) TransferParts(ctx context.Context, parts []Part) StreamResult[any] {
	key, value, err := authHeader(w.props, w.secrets)
	if err != nil {
		return Error[any](err.Error())
	}
	method := w.props["method"]
	if method == "" {
		method = http.MethodPost
	}
	target := endpoint(w.props["baseUrl"], w.props["path"])

	for _, part := range parts {
		data, err := readPart(part)
		if err != nil {
			return Error[any](fmt.Sprintf("Error reading part %s: %v", part.Name(), err))
		}
		req := w.client.R().SetContext(ctx).
			SetHeader("Content-Type", "application/octet-stream").
			SetHeader("X-Part-Name", part.Name()).
			SetBody(data)
		if key != "" {
			req.SetHeader(key, value)
		}
		resp, err := req.Execute(method, target)
		if err != nil {
			return Error[any](fmt.Sprintf("Error writing part %s to %s: %v", part.Name(), target, err))
		}
		if resp.IsError() {
			return Error[any](fmt.Sprintf("Error writing part %s to %s: %s", part.Name(), target, resp.Status()))
		}
		if w.recorder != nil {
			w.recorder.RecordPart(HTTPType, int64(len(data)))
		}
	}
	return Success[any](nil)
}

// HTTPSinkFactory creates parallel sinks posting parts to an endpoint.
type HTTPSinkFactory struct {
	Client        *resty.Client
	Secrets       SecretResolver
	Executor      Executor
	PartitionSize int
	Recorder      PartRecorder
}

func (f *HTTPSinkFactory) SupportedType() string { return HTTPType }

func (f *HTTPSinkFactory) CanHandle(req DataFlowRequest) bool {
	return req.DestinationType() == HTTPType
}

func (f *HTTPSinkFactory) ValidateRequest(req DataFlowRequest) error {
	return validateHTTP("sink", req.ID, req.DestinationDataAddress.Properties)
}

func (f *HTTPSinkFactory) CreateSink(req DataFlowRequest) (DataSink, error) {
	return &ParallelSink{
		RequestID:     req.ID,
		PartitionSize: f.PartitionSize,
		Executor:      f.Executor,
		Writer: &httpWriter{
			client:   f.Client,
			secrets:  f.Secrets,
			props:    req.DestinationDataAddress.Properties,
			recorder: f.Recorder,
		},
	}, nil
}
