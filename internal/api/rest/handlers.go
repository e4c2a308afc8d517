package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/guard"
	"github.com/czhaoca/pathfinder-sub012/internal/service/reputation"
	"github.com/czhaoca/pathfinder-sub012/internal/service/resilience"
)

// Handler holds the services behind the HTTP surface
type Handler struct {
	guard      guard.Service
	reputation reputation.Service
	breakers   *resilience.Registry
	metrics    *metrics.Registry
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewHandler wires the HTTP handler
func NewHandler(
	guardSvc guard.Service,
	reputationSvc reputation.Service,
	breakers *resilience.Registry,
	m *metrics.Registry,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		guard:      guardSvc,
		reputation: reputationSvc,
		breakers:   breakers,
		metrics:    m,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Routes builds the route table
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Prometheus(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/check", h.handleCheck)
	mux.HandleFunc("POST /v1/attempts", h.handleRecordAttempt)
	mux.HandleFunc("GET /v1/reputation/{ip}", h.handleReputation)

	mux.HandleFunc("GET /v1/admin/blocks", h.handleListBlocks)
	mux.HandleFunc("POST /v1/admin/blocks", h.handleCreateBlock)
	mux.HandleFunc("DELETE /v1/admin/blocks/{ip}", h.handleUnblock)
	mux.HandleFunc("GET /v1/admin/breakers", h.handleBreakers)

	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req guard.CheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	decision, err := h.guard.IsAllowed(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusForbidden
		}
	}
	h.writeJSON(w, status, decision)
}

type recordAttemptRequest struct {
	IP          string                `json:"ip" validate:"required,ip"`
	Email       string                `json:"email" validate:"required"`
	Action      string                `json:"action" validate:"required"`
	Outcome     string                `json:"outcome" validate:"oneof=success failure"`
	UserAgent   string                `json:"user_agent"`
	Fingerprint string                `json:"fingerprint"`
	Behavioral  abuse.BehavioralFlags `json:"behavioral"`
}

func (h *Handler) handleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	var req recordAttemptRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := abuse.NewAttemptRecord(req.IP, req.Email, req.Action, abuse.Outcome(req.Outcome))
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec.UserAgent = req.UserAgent
	rec.Fingerprint = req.Fingerprint
	rec.Behavioral = req.Behavioral

	if err := h.guard.RecordAttempt(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID.String()})
}

func (h *Handler) handleReputation(w http.ResponseWriter, r *http.Request) {
	score, err := h.reputation.GetReputation(r.Context(), r.PathValue("ip"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, score)
}

func (h *Handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, errors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := h.reputation.ListBlocks(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": entries})
}

type createBlockRequest struct {
	IP              string `json:"ip,omitempty"`
	CIDR            string `json:"cidr,omitempty"`
	Reason          string `json:"reason" validate:"required"`
	DurationSeconds int    `json:"duration_seconds" validate:"gte=0"`
}

func (h *Handler) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req createBlockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if (req.IP == "") == (req.CIDR == "") {
		h.writeError(w, errors.NewValidationError("INVALID_TARGET", "provide exactly one of ip or cidr"))
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	var err error
	if req.IP != "" {
		err = h.reputation.Block(r.Context(), req.IP, req.Reason, duration)
	} else {
		err = h.reputation.BlockSubnet(r.Context(), req.CIDR, req.Reason, duration)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked"})
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := h.reputation.Unblock(r.Context(), r.PathValue("ip")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (h *Handler) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.breakers.AllMetrics())
}

// decode reads and validates a JSON body, writing the error response itself
// on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_BODY", "malformed JSON body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_FIELDS", err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encoding failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var resp errorResponse

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Error.Type = string(appErr.Type)
		resp.Error.Code = appErr.Code
		resp.Error.Message = appErr.Message
	} else {
		// Unclassified errors stay out of responses; the detail goes to the
		// log only.
		h.logger.Error("unclassified error on request path", zap.Error(err))
		resp.Error.Type = string(errors.ErrorTypeInternal)
		resp.Error.Message = "internal error"
	}

	h.writeJSON(w, errors.GetStatusCode(err), resp)
}
