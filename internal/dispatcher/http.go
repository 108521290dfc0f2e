package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
)

// HTTPPath is the path, relative to the counterparty address, that accepts
// messages of type t.
func HTTPPath(t MessageType) string {
	return "/transfers/" + string(t)
}

// HTTPDispatcher posts messages as JSON.
type HTTPDispatcher struct {
	protocol string
	client   *resty.Client
}

// NewHTTPDispatcher creates a dispatcher for protocol using client.
func NewHTTPDispatcher(protocol string, client *resty.Client) *HTTPDispatcher {
	if client == nil {
		client = resty.New()
	}
	return &HTTPDispatcher{protocol: protocol, client: client}
}

func (d *HTTPDispatcher) Protocol() string { return d.protocol }

func (d *HTTPDispatcher) Send(ctx context.Context, msg Message) *async.Future[Response] {
	return async.Go(func() (Response, error) {
		var resp Response
		url := strings.TrimRight(msg.CounterPartyAddress, "/") + HTTPPath(msg.Type)
		r, err := d.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(msg).
			SetResult(&resp).
			Post(url)
		if err != nil {
			return Response{}, fmt.Errorf("post %s: %w", url, err)
		}
		switch code := r.StatusCode(); {
		case code == http.StatusNotFound:
			return Response{}, fmt.Errorf("%w: %w: %s", ErrRejected, ErrProcessNotFound, r.String())
		case code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusForbidden:
			return Response{}, fmt.Errorf("%w: %s: %s", ErrRejected, r.Status(), r.String())
		case r.IsError():
			return Response{}, fmt.Errorf("post %s: %s", url, r.Status())
		}
		return resp, nil
	})
}

// HTTPStatus maps a Handler error to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isNotFound(err):
		return http.StatusNotFound
	case IsRejected(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// NewHTTPHandler exposes h over HTTP at HTTPPath for every message type.
func NewHTTPHandler(h Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transfers/{type}", func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message: " + err.Error()})
			return
		}
		pathType := MessageType(r.PathValue("type"))
		if msg.Type == "" {
			msg.Type = pathType
		}
		if msg.Type != pathType {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("message type %s posted to %s", msg.Type, r.URL.Path)})
			return
		}
		resp, err := h.HandleMessage(r.Context(), msg)
		if err != nil {
			writeJSON(w, HTTPStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}
