// Package gateway_handler implements the gateway's HTTP surface: the
// request interception hook plus the narrow inbound endpoints for
// control messages, push payloads, sync triggers and offline mutation
// enqueueing.
package gateway_handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/control"
	"github.com/bahalabs/offgate/pkg/generation"
	"github.com/bahalabs/offgate/pkg/notify"
	"github.com/bahalabs/offgate/pkg/origin"
	"github.com/bahalabs/offgate/pkg/pool"
	"github.com/bahalabs/offgate/pkg/reqctx"
	"github.com/bahalabs/offgate/pkg/strategy"
	"github.com/bahalabs/offgate/pkg/syncqueue"
)

var nopLogger = zap.NewNop()

const (
	controlPath = "/-/control"
	pushPath    = "/-/push"
	syncPrefix  = "/-/sync/"
	queuePath   = "/-/queue"
	actionPath  = "/-/notification/action"
	healthPath  = "/-/health"

	maxControlBody = 4 << 10
	maxPushBody    = 16 << 10
	maxQueueBody   = 1 << 20
)

type HandlerOpts struct {
	// Dispatcher cannot be nil.
	Dispatcher *strategy.Dispatcher

	// Fetcher forwards non-interceptable requests (mutations while
	// online) to the origin. Cannot be nil.
	Fetcher strategy.Fetcher

	// Queue cannot be nil.
	Queue *syncqueue.Engine

	// Notifier cannot be nil.
	Notifier *notify.Dispatcher

	// Control cannot be nil.
	Control *control.Handler

	// Generations cannot be nil.
	Generations *generation.Manager

	// OriginHost is the app origin's host. Requests addressed to any
	// other host are never intercepted.
	OriginHost string

	// Logger is the *zap.Logger for this Handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Dispatcher == nil {
		return errors.New("nil dispatcher")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.Queue == nil {
		return errors.New("nil sync queue")
	}
	if opts.Notifier == nil {
		return errors.New("nil notifier")
	}
	if opts.Control == nil {
		return errors.New("nil control handler")
	}
	if opts.Generations == nil {
		return errors.New("nil generation manager")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Handler struct {
	opts        HandlerOpts
	passthrough *http.Transport
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{
		opts:        opts,
		passthrough: http.DefaultTransport.(*http.Transport).Clone(),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	switch {
	case path == healthPath:
		h.serveHealth(w, req)
		return
	case path == controlPath:
		h.serveControl(w, req)
		return
	case path == pushPath:
		h.servePush(w, req)
		return
	case path == queuePath:
		h.serveQueue(w, req)
		return
	case path == actionPath:
		h.serveAction(w, req)
		return
	case strings.HasPrefix(path, syncPrefix):
		h.serveSync(w, req)
		return
	}

	// Cross-origin traffic is never intercepted.
	if h.crossOrigin(req) {
		h.servePassthrough(w, req)
		return
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		rctx := reqctx.FromRequest(req)
		h.opts.Dispatcher.Resolve(req.Context(), rctx)
		resp := rctx.R()
		h.opts.Logger.Debug("request resolved", rctx.InfoField(), zap.String("served_by", rctx.ServedBy()), zap.Int("status", resp.Status))
		resp.WriteTo(w)
	default:
		// Mutations are not cacheable; forward them. The app shell is
		// expected to enqueue through the queue endpoint when offline.
		h.forward(w, req)
	}
}

func (h *Handler) crossOrigin(req *http.Request) bool {
	host := req.URL.Host
	return len(host) > 0 && !strings.EqualFold(host, h.opts.OriginHost)
}

// servePassthrough relays a cross-origin request unmodified.
func (h *Handler) servePassthrough(w http.ResponseWriter, req *http.Request) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	resp, err := h.passthrough.RoundTrip(out)
	if err != nil {
		h.opts.Logger.Debug("passthrough failed", zap.String("host", req.URL.Host), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	origin.StripHopHeaders(resp.Header)
	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	buf := pool.GetBuf(32 * 1024)
	_, _ = io.CopyBuffer(w, resp.Body, buf.Bytes())
	buf.Release()
}

// forward relays a same-origin, non-interceptable request to the
// origin. A transport failure still yields a structured response.
func (h *Handler) forward(w http.ResponseWriter, req *http.Request) {
	s, err := h.opts.Fetcher.Fetch(req.Context(), req.Method, req.URL.RequestURI(), req.Header, req.Body)
	if err != nil {
		h.opts.Logger.Debug("forward failed", zap.String("uri", req.URL.RequestURI()), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "offline",
			"message": "origin unreachable, queue the mutation for sync",
		})
		return
	}
	s.WriteTo(w)
}

func (h *Handler) serveHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   h.opts.Generations.State().String(),
		"version": h.opts.Generations.Version(),
	})
}

// serveControl accepts {action: "skipWaiting"|"clearCache"}. Commands
// are fire-and-forget: no response payload, unknown actions ignored.
func (h *Handler) serveControl(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(io.LimitReader(req.Body, maxControlBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cmd, err := control.ParseMessage(b)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.opts.Control.Handle(req.Context(), cmd); err != nil {
		h.opts.Logger.Error("control command failed", zap.Stringer("command", cmd), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) servePush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPushBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.opts.Notifier.Dispatch(req.Context(), payload)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) serveAction(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxControlBody)).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	target, ok := h.opts.Notifier.HandleAction(body.Action)
	if !ok || len(target) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"open": target})
}

func (h *Handler) serveSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tag := strings.TrimPrefix(req.URL.Path, syncPrefix)
	applied, err := h.opts.Queue.Trigger(req.Context(), tag)
	switch {
	case errors.Is(err, syncqueue.ErrUnknownTag):
		w.WriteHeader(http.StatusNotFound)
		return
	case errors.Is(err, syncqueue.ErrDrainInProgress):
		w.WriteHeader(http.StatusAccepted)
		return
	case err != nil:
		h.opts.Logger.Warn("drain failed", zap.String("tag", tag), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

// serveQueue records one offline mutation intent. A storage failure is
// reported so the caller can retry the enqueue.
func (h *Handler) serveQueue(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Method  string          `json:"method"`
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxQueueBody)).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	intent, err := h.opts.Queue.Enqueue(req.Context(), syncqueue.Intent{
		Method:  body.Method,
		Target:  body.Target,
		Payload: body.Payload,
	})
	if err != nil {
		h.opts.Logger.Error("enqueue failed", zap.String("target", body.Target), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "storage_unavailable",
			"message": "intent was not recorded, retry the enqueue",
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": intent.ID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
