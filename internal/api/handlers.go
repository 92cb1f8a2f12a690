package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/logging"
	"github.com/ledgerchat/entitlements/internal/websocket"
)

const (
	maxRequestBody     = 64 << 10
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", msg, nil)
		return false
	}
	return true
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports whether the entitlement store is reachable.
func HandleReadyz(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := eng.Ping(r.Context()); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleEntitlements resolves the caller's effective plan. Lapsed paid plans
// are downgraded as part of the read.
func HandleEntitlements(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, err := eng.Resolver.Resolve(r.Context(), userIDFromRequest(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// HandleUsageSummary returns the caller's monthly token consumption.
func HandleUsageSummary(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromRequest(r)
		plan, err := eng.Resolver.EffectivePlan(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		summary, err := eng.Quota.UsageSummary(r.Context(), userID, plan)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type quotaCheckRequest struct {
	Tokens int64  `json:"tokens"`
	Prompt string `json:"prompt,omitempty"`
}

type quotaCheckResponse struct {
	entitlements.QuotaDecision
	Plan      entitlements.PlanID `json:"plan_id"`
	Requested int64               `json:"requested"`
}

// HandleQuotaCheck gates an AI call. When tokens is omitted the prompt is
// estimated. Denied calls get 429 with the plan's limit in the message.
func HandleQuotaCheck(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req quotaCheckRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Tokens == 0 && req.Prompt != "" {
			req.Tokens = eng.Usage.EstimateTokens(req.Prompt)
		}

		userID := userIDFromRequest(r)
		plan, err := eng.Resolver.EffectivePlan(r.Context(), userID)
		if err != nil {
			// Resolution falls back to the free tier only when the policy allows it.
			if !entitlements.IsTransient(err) || eng.ReadFailurePolicy() != entitlements.FailOpen {
				writeEngineError(w, r, err)
				return
			}
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Str("user_id", userID).Msg("Plan lookup failed, checking quota against free tier")
			plan = entitlements.PlanFree
		}
		decision, err := eng.Quota.CanUseTokens(r.Context(), userID, plan, req.Tokens)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		if err := decision.Err(plan, req.Tokens); err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quotaCheckResponse{QuotaDecision: decision, Plan: plan, Requested: req.Tokens})
	}
}

type recordUsageRequest struct {
	UserID string `json:"user_id"`
	Tokens int64  `json:"tokens"`
	ChatID string `json:"chat_id,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// HandleRecordUsage adds tokens to a user's ledger after an AI call completes.
func HandleRecordUsage(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recordUsageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			userID = userIDFromRequest(r)
		}
		if userID == "" {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
			return
		}
		if req.Tokens == 0 && req.Prompt != "" {
			req.Tokens = eng.Usage.EstimateTokens(req.Prompt)
		}

		plan, err := eng.Resolver.EffectivePlan(r.Context(), userID)
		if err != nil {
			if !entitlements.IsTransient(err) {
				writeEngineError(w, r, err)
				return
			}
			// The plan only labels the usage event.
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Str("user_id", userID).Msg("Plan lookup failed while recording usage")
			plan = ""
		}
		err = eng.Usage.AddUsage(r.Context(), userID, req.Tokens, entitlements.UsageContext{
			ChatID: req.ChatID,
			Plan:   plan,
			Prompt: req.Prompt,
		})
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"tokens":  req.Tokens,
			"plan_id": plan,
		})
	}
}

type saveSubscriptionRequest struct {
	UserID   string                      `json:"user_id"`
	PlanID   string                      `json:"plan_id"`
	PlanName string                      `json:"plan_name,omitempty"`
	Payment  entitlements.PaymentDetails `json:"payment"`
}

type updateStatusRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// HandleSubscriptions serves the payment flow: GET reads the stored record,
// POST saves a purchase and PATCH changes the status.
func HandleSubscriptions(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			getSubscription(eng, w, r)
		case http.MethodPost:
			saveSubscription(eng, w, r)
		case http.MethodPatch:
			updateSubscriptionStatus(eng, w, r)
		default:
			w.Header().Set("Allow", "GET, POST, PATCH")
			writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		}
	}
}

func getSubscription(eng *entitlements.Engine, w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
		return
	}
	rec, err := eng.Subscriptions.Get(r.Context(), userID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if rec == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "subscription not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func saveSubscription(eng *entitlements.Engine, w http.ResponseWriter, r *http.Request) {
	var req saveSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
		return
	}
	plan, err := entitlements.ParsePlanID(req.PlanID)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", entitlements.ErrInvalidPlan.Error(), map[string]string{"plan_id": req.PlanID})
		return
	}

	rec, err := eng.Subscriptions.Save(r.Context(), req.UserID, plan, req.PlanName, req.Payment)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func updateSubscriptionStatus(eng *entitlements.Engine, w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
		return
	}
	status, err := entitlements.ParseStatus(req.Status)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", entitlements.ErrInvalidStatus.Error(), map[string]string{"status": req.Status})
		return
	}
	rec, err := eng.Subscriptions.UpdateStatus(r.Context(), req.UserID, status)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if rec == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "subscription not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type expireRequest struct {
	UserID string `json:"user_id"`
}

// HandleExpire forces the downgrade of a user's paid plan.
func HandleExpire(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req expireRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.UserID == "" {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
			return
		}
		changed, err := eng.Subscriptions.Expire(r.Context(), req.UserID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "expired": changed})
	}
}

type refreshResponse struct {
	Entitlement entitlements.Entitlement `json:"entitlement"`
	Sessions    int                      `json:"sessions_refreshed"`
}

// HandleRefresh re-checks the caller's entitlement and pushes the result to
// any open sessions. Limited per user.
func HandleRefresh(eng *entitlements.Engine, hub *websocket.Hub, limiter *KeyedLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromRequest(r)
		if !limiter.Allow(userID) {
			w.Header().Set("Retry-After", "60")
			writeErrorResponse(w, r, http.StatusTooManyRequests, "rate_limited", "refresh requested too often", nil)
			return
		}

		sessions := 0
		if hub != nil {
			sessions = hub.RefreshUser(r.Context(), userID)
		}
		ent, err := eng.Resolver.Resolve(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, refreshResponse{Entitlement: ent, Sessions: sessions})
	}
}

// HandleUsageEvents lists a user's latest usage diagnostics rows.
func HandleUsageEvents(eng *entitlements.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := strings.TrimSpace(q.Get("user_id"))
		if userID == "" {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
			return
		}
		limit := defaultEventsLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxEventsLimit)
		}

		events, err := eng.RecentUsageEvents(r.Context(), userID, limit)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		if events == nil {
			events = []entitlements.UsageEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
	}
}

type statusResponse struct {
	Version  string                      `json:"version"`
	ByPlan   map[entitlements.PlanID]int `json:"subscriptions_by_plan"`
	Sessions int                         `json:"active_sessions"`
}

// HandleStatus reports aggregate subscription counts.
func HandleStatus(eng *entitlements.Engine, hub *websocket.Hub, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := eng.Subscriptions.CountByPlan(r.Context())
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		resp := statusResponse{Version: version, ByPlan: counts}
		if hub != nil {
			resp.Sessions = hub.ClientCount()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
