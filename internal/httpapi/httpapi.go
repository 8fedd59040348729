package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/idempotency"
	"gudangku/backend/internal/service"
	"gudangku/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/inventory/adjustments", a.requireAuth(a.handleAdjustments, "operator", "admin"))
	mux.HandleFunc("/api/v1/inventory/adjustments/", a.requireAuth(a.handleAdjustmentDetail, "operator", "admin"))
	mux.HandleFunc("/api/v1/inventory/inbounds", a.requireAuth(a.handleInbounds, "operator", "admin"))
	mux.HandleFunc("/api/v1/inventory/stock-lines", a.requireAuth(a.handleStockLines, "operator", "admin"))
	mux.HandleFunc("/api/v1/inventory/idempotency/", a.requireAuth(a.handleIdempotencyLookup, "operator", "admin"))
	mux.HandleFunc("/api/v1/inventory/idempotency-purge", a.requireAuth(a.handleIdempotencyPurge, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		records, err := a.service.ListAdjustments(r.Context(), r.URL.Query().Get("product_id"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"adjustments": records})
	case http.MethodPost:
		var req domain.AdjustRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// The header wins over the body so proxies that inject keys stay
		// authoritative.
		if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
			req.IdempotencyKey = header
		}

		resp, err := a.service.Adjust(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusCreated
		if resp.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAdjustmentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	number := strings.TrimPrefix(r.URL.Path, "/api/v1/inventory/adjustments/")
	if number == "" || strings.Contains(number, "/") {
		writeError(w, http.StatusBadRequest, errors.New("adjustment number required"))
		return
	}

	record, err := a.service.GetAdjustment(r.Context(), number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustment": record})
}

func (a *API) handleInbounds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		records, err := a.service.ListInbounds(r.Context(), r.URL.Query().Get("product_id"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inbounds": records})
	case http.MethodPost:
		var req domain.InboundRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
			req.IdempotencyKey = header
		}

		resp, err := a.service.Inbound(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusCreated
		if resp.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleStockLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	productID := strings.TrimSpace(query.Get("product_id"))

	// An exact key returns the single line; product_id alone lists them.
	if query.Has("batch_number") || query.Has("variant_id") {
		if productID == "" {
			writeError(w, http.StatusBadRequest, errors.New("product_id required"))
			return
		}
		line, err := a.service.GetStockLine(r.Context(), domain.StockKey{
			ProductID:   productID,
			BatchNumber: strings.TrimSpace(query.Get("batch_number")),
			VariantID:   strings.TrimSpace(query.Get("variant_id")),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock_line": line})
		return
	}

	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	lines, err := a.service.ListStockLines(r.Context(), productID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock_lines": lines})
}

func (a *API) handleIdempotencyLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/inventory/idempotency/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusBadRequest, errors.New("idempotency key required"))
		return
	}
	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = service.ScopeAdjust
	}

	resp, err := a.service.LookupIdempotency(r.Context(), key, scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIdempotencyPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	purged, err := a.service.PurgeIdempotency(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// writeServiceError maps service and store errors onto HTTP statuses.
// Business-rule rejections are 400s: retrying them cannot succeed. Idempotency
// conflicts are 409s. Exhausted serialization retries and timeouts are 503s
// the caller may safely retry with the same idempotency key.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrActorRequired):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, store.ErrNegativeStock),
		errors.Is(err, store.ErrReservedConflict),
		errors.Is(err, store.ErrInvalidAdjustment):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, idempotency.ErrInFlight),
		errors.Is(err, idempotency.ErrMismatch):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("not found"))
	case errors.Is(err, store.ErrSerialization),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, errors.New("temporary conflict, retry with the same idempotency key"))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages are genericized so SQL errors and file paths never reach
	// clients; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
