package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/llm-sidecar/internal/admission"
	"github.com/vnmchuo/llm-sidecar/internal/api"
	"github.com/vnmchuo/llm-sidecar/internal/client"
	"github.com/vnmchuo/llm-sidecar/internal/health"
	"github.com/vnmchuo/llm-sidecar/internal/logging"
	"github.com/vnmchuo/llm-sidecar/internal/metrics"
)

// Handler composes the core per request: admission check, connection
// gate, execution, then outcome reports back to admission control and the
// health monitor.
type Handler struct {
	client    *client.Client
	monitor   *health.Monitor
	admission *admission.Controller
	metrics   *metrics.Metrics
	log       logging.Logger
	notifier  Notifier

	defaultModel string
}

func NewHandler(c *client.Client, m *health.Monitor, a *admission.Controller, mx *metrics.Metrics, log logging.Logger, n Notifier, defaultModel string) *Handler {
	if log == nil {
		log = logging.Nop{}
	}
	if n == nil {
		n = NopNotifier{}
	}
	return &Handler{
		client:       c,
		monitor:      m,
		admission:    a,
		metrics:      mx,
		log:          log,
		notifier:     n,
		defaultModel: defaultModel,
	}
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := GetIdentifier(ctx)

	var req api.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	estimated := int64(1000)
	if req.Options != nil && req.Options.NumPredict > 0 {
		estimated = int64(req.Options.NumPredict)
	}

	if !h.admit(w, identifier, admission.LimitCompletion, estimated) {
		return
	}
	if !h.connectionGate(w) {
		return
	}

	if req.Stream {
		h.generateStream(w, r, identifier, &req)
		return
	}

	start := time.Now()
	resp, err := h.client.Generate(ctx, &req)
	h.metrics.RequestDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		h.finishFailure(w, identifier, "generate", err)
		return
	}
	h.finishSuccess(identifier, "generate", int64(resp.PromptEvalCount+resp.EvalCount))

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) generateStream(w http.ResponseWriter, r *http.Request, identifier string, req *api.GenerateRequest) {
	ch, err := h.client.GenerateStream(r.Context(), req)
	if err != nil {
		h.finishFailure(w, identifier, "generate", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	var usage int64
	done := false
	for chunk := range ch {
		usage += int64(chunk.PromptEvalCount + chunk.EvalCount)
		if err := enc.Encode(chunk); err != nil {
			break
		}
		flusher.Flush()
		if chunk.Done {
			done = true
		}
	}

	if done {
		h.finishSuccess(identifier, "generate", usage)
		return
	}

	// The stream also ends without a terminal chunk when the caller
	// disconnects mid-stream. That is a canceled outcome, not a server
	// failure.
	if r.Context().Err() != nil {
		h.admission.ReleaseTrial(identifier)
		h.metrics.RequestsTotal.WithLabelValues("generate", "canceled").Inc()
		return
	}

	// Stream ended without a terminal chunk. Headers are already out,
	// but the failure still has to reach health and breaker state.
	h.monitor.HandleServerUnavailable("generate")
	h.admission.RecordRequest(identifier, "generate", false)
	h.metrics.RequestsTotal.WithLabelValues("generate", "error").Inc()
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	identifier := GetIdentifier(r.Context())
	if !h.admit(w, identifier, admission.LimitModelInfo, 0) {
		return
	}
	if !h.connectionGate(w) {
		return
	}

	models, err := h.client.ListModels(r.Context())
	if err != nil {
		h.finishFailure(w, identifier, "models", err)
		return
	}
	h.finishSuccess(identifier, "models", 0)
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	identifier := GetIdentifier(r.Context())
	if !h.admit(w, identifier, admission.LimitDefault, 0) {
		return
	}
	if !h.connectionGate(w) {
		return
	}

	version, err := h.client.Version(r.Context())
	if err != nil {
		h.finishFailure(w, identifier, "version", err)
		return
	}
	h.finishSuccess(identifier, "version", 0)
	writeJSON(w, http.StatusOK, api.Version{Version: version})
}

// HandleUpstreamHealth probes the generation server on demand.
func (h *Handler) HandleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	identifier := GetIdentifier(r.Context())
	if !h.admit(w, identifier, admission.LimitHealth, 0) {
		return
	}

	status := h.client.Probe(r.Context())
	if status.Available {
		h.monitor.HandleServerRecovered()
		h.metrics.HealthProbes.WithLabelValues("ok").Inc()
	} else {
		h.monitor.HandleServerUnavailable("health check")
		h.metrics.HealthProbes.WithLabelValues("failed").Inc()
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleStatus reports connection and admission state for the caller.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	identifier := GetIdentifier(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": map[string]any{
			"connected":            h.monitor.IsConnected(),
			"offline_mode":         h.monitor.IsOfflineMode(),
			"consecutive_failures": h.monitor.ConsecutiveFailures(),
			"status":               h.monitor.Status(),
		},
		"breaker": h.admission.BreakerStatusFor(identifier),
		"history": h.admission.HistoryStats(),
	})
}

// HandleReconnect is the user-driven forced reconnect from offline mode.
func (h *Handler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	ok := h.monitor.ForceReconnect(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"reconnected": ok,
		"status":      h.monitor.Status(),
	})
}

// admit runs the composite admission check and writes the 429 on denial.
func (h *Handler) admit(w http.ResponseWriter, identifier string, lt admission.LimitType, estimated int64) bool {
	d := h.admission.Check(identifier, lt, estimated)
	if d.Allowed {
		return true
	}

	h.metrics.AdmissionDenied.WithLabelValues(d.Reason).Inc()
	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "request denied by admission control",
		"reason":      d.Reason,
		"retry_after": retryAfter,
	})
	return false
}

// connectionGate suppresses server calls while offline mode holds.
func (h *Handler) connectionGate(w http.ResponseWriter) bool {
	if h.monitor.ShouldAttemptConnection() {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": h.monitor.Status(),
	})
	return false
}

func (h *Handler) finishSuccess(identifier, operation string, usage int64) {
	h.monitor.HandleServerRecovered()
	h.admission.RecordRequest(identifier, operation, true)
	if usage > 0 {
		h.admission.RecordUsage(identifier, admission.QuotaHourly, usage)
		h.admission.RecordUsage(identifier, admission.QuotaDaily, usage)
	}
	h.metrics.RequestsTotal.WithLabelValues(operation, "ok").Inc()
}

func (h *Handler) finishFailure(w http.ResponseWriter, identifier, operation string, err error) {
	kind, _ := client.ErrKind(err)

	// Cancellation is the caller's doing, not a server failure. A
	// half-open breaker trial the canceled request consumed has to be
	// handed back or the identifier would be denied until the next
	// settled outcome, which a denied identifier can never produce.
	if kind == client.KindCanceled {
		h.admission.ReleaseTrial(identifier)
		h.metrics.RequestsTotal.WithLabelValues(operation, "canceled").Inc()
		writeJSON(w, statusForKind(kind), map[string]string{"error": err.Error()})
		return
	}

	switch kind {
	case client.KindConnectivity, client.KindServerUnavailable, client.KindRetryableServer:
		h.monitor.HandleServerUnavailable(operation)
	}

	h.admission.RecordRequest(identifier, operation, false)
	h.metrics.RequestsTotal.WithLabelValues(operation, "error").Inc()
	h.notifier.ShowError(err.Error())

	writeJSON(w, statusForKind(kind), map[string]string{"error": err.Error()})
}

func statusForKind(kind client.Kind) int {
	switch kind {
	case client.KindConnectivity, client.KindServerUnavailable:
		return http.StatusServiceUnavailable
	case client.KindCanceled:
		return 499 // client closed request
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
