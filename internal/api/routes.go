// Package api exposes the entitlement engine over HTTP.
package api

import (
	"net/http"

	"github.com/ledgerchat/entitlements/internal/config"
	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *config.Config
	Engine  *entitlements.Engine
	Hub     *websocket.Hub // nil disables session streaming
	Version string

	// Optional limiter overrides, mainly for tests.
	IPLimiter      *KeyedLimiter
	RefreshLimiter *KeyedLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	serviceAuth := func(next http.Handler) http.Handler {
		return ServiceKeyMiddleware(deps.Config.ServiceKey, next)
	}

	ipLimiter := deps.IPLimiter
	if ipLimiter == nil {
		ipLimiter = NewKeyedLimiter(RateLimitConfig{Name: "ip", RequestsPerMinute: 600, Burst: 60})
	}
	refreshLimiter := deps.RefreshLimiter
	if refreshLimiter == nil {
		refreshLimiter = NewKeyedLimiter(RateLimitConfig{Name: "refresh", RequestsPerMinute: 6, Burst: 3})
	}
	public := func(h http.HandlerFunc) http.Handler {
		return ipLimiter.Middleware(h)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Engine))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", serviceAuth(metricsHandler))
	}

	// Caller-scoped reads; the user comes from X-User-ID.
	mux.Handle("/v1/entitlements", public(methods(HandleEntitlements(deps.Engine), http.MethodGet)))
	mux.Handle("/v1/usage/summary", public(methods(HandleUsageSummary(deps.Engine), http.MethodGet)))
	mux.Handle("/v1/quota/check", public(methods(HandleQuotaCheck(deps.Engine), http.MethodPost)))
	mux.Handle("/v1/refresh", public(methods(HandleRefresh(deps.Engine, deps.Hub, refreshLimiter), http.MethodPost)))
	if deps.Hub != nil {
		// Socket refresh messages share the per-user budget with POST /v1/refresh.
		deps.Hub.SetRefreshGate(refreshLimiter)
		mux.Handle("/v1/sessions/ws", public(deps.Hub.HandleWebSocket))
	}

	// Service API (key-authenticated): payment flow and usage recording.
	mux.Handle("/v1/subscriptions", serviceAuth(HandleSubscriptions(deps.Engine)))
	mux.Handle("/v1/subscriptions/expire", serviceAuth(methods(HandleExpire(deps.Engine), http.MethodPost)))
	mux.Handle("/v1/usage", serviceAuth(methods(HandleRecordUsage(deps.Engine), http.MethodPost)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/status", serviceAuth(methods(HandleStatus(deps.Engine, deps.Hub, deps.Version), http.MethodGet)))
	mux.Handle("/admin/usage-events", serviceAuth(methods(HandleUsageEvents(deps.Engine), http.MethodGet)))
}

// NewHandler returns the full handler chain for deps.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return ErrorHandler(mux)
}
