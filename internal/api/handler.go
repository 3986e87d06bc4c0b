package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store   domain.Store
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	monitor *monitor.Monitor
	version string
}

// NewHandler creates a new API handler.
func NewHandler(store domain.Store, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, mon *monitor.Monitor, version string) *Handler {
	return &Handler{
		store:   store,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		monitor: mon,
		version: version,
	}
}

// MonitorResponse is the response for POST /transactions.
type MonitorResponse struct {
	*domain.MonitorResult
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// MonitorTransaction handles POST /transactions: it runs the full
// monitoring pipeline synchronously and returns the decision.
func (h *Handler) MonitorTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	txID := req.ID
	if txID == "" {
		txID = uuid.New().String()
	}
	tx := req.ToTransaction(txID)

	result, err := h.monitor.Process(ctx, tx)
	if err != nil {
		writeError(w, err)
		return
	}

	h.publishDecision(ctx, result)

	resp := MonitorResponse{MonitorResult: result}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// publishDecision emits pipeline events. Publish failures are logged and
// never fail the request; the decision is already durable.
func (h *Handler) publishDecision(ctx context.Context, result *domain.MonitorResult) {
	if h.bus == nil {
		return
	}

	if data, err := json.Marshal(result); err == nil {
		if err := h.bus.Publish(ctx, domain.TopicMonitorDecision, data); err != nil {
			slog.Warn("failed to publish decision event", "error", err)
		}
	}

	if result.Alert == nil {
		return
	}
	topic := domain.TopicAlertRaised
	if len(result.Alert.Notes) > 0 {
		topic = domain.TopicAlertUpdated
	}
	if data, err := json.Marshal(result.Alert); err == nil {
		if err := h.bus.Publish(ctx, topic, data); err != nil {
			slog.Warn("failed to publish alert event", "error", err)
		}
	}
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	tx, err := h.store.GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// CreateCustomerRequest is the request body for POST /customers.
type CreateCustomerRequest struct {
	ID       string         `json:"id"`
	KYCTier  domain.KYCTier `json:"kycTier"`
	Country  string         `json:"country"`
	OpenedAt time.Time      `json:"openedAt,omitempty"`
}

// CreateCustomer handles POST /customers: onboarding profile upsert.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id is required",
		})
		return
	}
	switch req.KYCTier {
	case "", domain.KYCTierLow, domain.KYCTierMedium, domain.KYCTierHigh:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kycTier must be LOW, MEDIUM or HIGH",
		})
		return
	}

	tier := req.KYCTier
	if tier == "" {
		tier = domain.KYCTierLow
	}
	opened := req.OpenedAt
	if opened.IsZero() {
		opened = time.Now().UTC()
	}

	customer := &domain.Customer{
		ID:       req.ID,
		KYCTier:  tier,
		Country:  req.Country,
		OpenedAt: opened.UTC(),
	}

	if err := h.store.SaveCustomer(ctx, customer); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("customer saved", "id", customer.ID, "kyc_tier", customer.KYCTier)
	writeJSON(w, http.StatusCreated, customer)
}

// GetCustomerRisk retrieves a customer's current risk profile.
func (h *Handler) GetCustomerRisk(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")

	customer, err := h.store.GetCustomer(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customerId": customer.ID,
		"riskScore":  customer.RiskScore,
		"riskLevel":  customer.RiskLevel,
		"version":    customer.Version,
		"updatedAt":  customer.UpdatedAt,
	})
}

// ReviewRequest is the request body for POST /alerts/{id}/review.
type ReviewRequest struct {
	Status domain.AlertStatus `json:"status"`
	Author string             `json:"author"`
	Note   string             `json:"note"`
}

// ReviewAlert handles POST /alerts/{id}/review: a status transition with
// a mandatory review note.
func (h *Handler) ReviewAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	alert, err := h.monitor.ReviewAlert(ctx, alertID, req.Status, req.Author, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.bus != nil {
		if data, err := json.Marshal(alert); err == nil {
			if err := h.bus.Publish(ctx, domain.TopicAlertUpdated, data); err != nil {
				slog.Warn("failed to publish alert event", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, alert)
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.store.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ListAlerts returns alerts ordered by priority, optionally filtered by
// status via ?status= and bounded via ?limit=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	alerts, err := h.store.ListAlerts(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AlertStats returns open alert counts grouped by score band.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountOpenAlertsByBand(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"open":  counts,
		"total": total,
		"asOf":  time.Now().UTC(),
	})
}

// CreateRule validates a rule's configuration and persists it.
// Call POST /rules/reload afterwards to activate it in the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id is required",
		})
		return
	}
	if rule.Version == "" {
		rule.Version = "1"
	}

	// Reject malformed params and filters before anything is persisted.
	if err := h.engine.ValidateRule(&rule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.store.SaveRule(ctx, &rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "id", rule.ID, "version", rule.Version, "type", rule.Type)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ListRules returns the rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves the latest stored version of a rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// ReloadRules reloads active rules from the store into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.RefreshRules(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRuleConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
