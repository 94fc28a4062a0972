package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// Wire error codes.
const (
	codeValidation = 4000
	codeNotFound   = 4001
	codeConflict   = 4002
	codeThrottled  = 4003
	codeInternal   = 5000
	codeStorage    = 5001
	codeSystem     = 5002
)

// RPC method names.
const (
	methodEnqueue     = "dev.enqueue.v1"
	methodCancel      = "dev.cancel.v1"
	methodTailLogs    = "logs.tail.v1"
	methodStats       = "admin.stats.v1"
	methodMaintenance = "admin.maintenance.v1"
)

type rpcRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
}

// HandlerOptions configure the RPC handler.
type HandlerOptions struct {
	// MaxBodyBytes caps the request body; payload-level caps are enforced
	// separately by validation.
	MaxBodyBytes int64
	// RateLimitPerSec and RateLimitBurst parameterize the per-method GCRA
	// bucket.
	RateLimitPerSec int
	RateLimitBurst  int
}

// Handler serves the JSON-RPC envelope on a single POST endpoint.
type Handler struct {
	logger  log.Logger
	svc     semantica.Service
	limiter *throttled.GCRARateLimiter
	opts    HandlerOptions
}

// NewHandler builds the HTTP handler around the service.
func NewHandler(logger log.Logger, svc semantica.Service, opts HandlerOptions) (*Handler, error) {
	store, err := memstore.New(0)
	if err != nil {
		return nil, err
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerSec(opts.RateLimitPerSec),
		MaxBurst: opts.RateLimitBurst,
	}
	limiter, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return nil, err
	}
	return &Handler{
		logger:  logger,
		svc:     svc,
		limiter: limiter,
		opts:    opts,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeResponse(w, rpcResponse{Error: &rpcError{
			Code: codeValidation, Message: "malformed request envelope",
		}})
		return
	}

	resp := rpcResponse{ID: req.ID}
	result, err := h.dispatch(r.Context(), &req)
	if err != nil {
		code, message := errorCode(err)
		resp.Error = &rpcError{Code: code, Message: message}
		level.Debug(h.logger).Log("msg", "rpc error", "method", req.Method,
			"code", code, "err", err)
	} else {
		resp.Result = result
	}
	h.writeResponse(w, resp)
}

func (h *Handler) dispatch(ctx context.Context, req *rpcRequest) (interface{}, error) {
	limited, _, err := h.limiter.RateLimit(req.Method, 1)
	if err != nil {
		return nil, err
	}
	if limited {
		return nil, &semantica.ThrottledError{Message: "rate limit exceeded for " + req.Method}
	}

	switch req.Method {
	case methodEnqueue:
		var params semantica.EnqueueRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.svc.EnqueueJob(ctx, params)

	case methodCancel:
		var params semantica.CancelRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.svc.CancelJobs(ctx, params)

	case methodTailLogs:
		var params semantica.TailLogsRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.svc.TailLogs(ctx, params)

	case methodStats:
		return h.svc.Stats(ctx)

	case methodMaintenance:
		var params semantica.MaintenanceRequest
		if len(req.Params) > 0 {
			if err := decodeParams(req.Params, &params); err != nil {
				return nil, err
			}
		}
		return h.svc.RunMaintenance(ctx, params)

	default:
		return nil, semantica.NewValidationError("method", "unknown method "+req.Method)
	}
}

func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return semantica.NewValidationError("params", "missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return semantica.NewValidationError("params", "malformed params: "+err.Error())
	}
	return nil
}

// errorCode translates service errors into wire codes. Messages for internal
// failures are deliberately generic; details stay in the log.
func errorCode(err error) (int, string) {
	switch {
	case semantica.IsValidation(err):
		return codeValidation, err.Error()
	case semantica.IsNotFound(err):
		return codeNotFound, err.Error()
	case semantica.IsConflict(err):
		return codeConflict, err.Error()
	case semantica.IsThrottled(err):
		return codeThrottled, err.Error()
	}

	var ee *semantica.ExecError
	if errors.As(err, &ee) && ee.Kind == semantica.ExecInfra {
		return codeSystem, "system error"
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return codeValidation, "request body too large"
	}

	if isStorageBusy(err) {
		return codeThrottled, "storage busy, retry with backoff"
	}
	if isStorageError(err) {
		return codeStorage, "storage error"
	}
	return codeInternal, "internal error"
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Error(h.logger).Log("msg", "write response failed", "err", err)
	}
}
