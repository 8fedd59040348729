package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/idempotency"
	"gudangku/backend/internal/pubsub"
	"gudangku/backend/internal/service"
	"gudangku/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	repo := memory.NewSeeded()
	guard := idempotency.NewGuard(repo, time.Hour)
	svc := service.New(repo, guard, cache.NoopInvalidator{}, pubsub.NoopPublisher{}, 5*time.Second, 3)
	svc.SetSynchronousPropagation()
	api := New(svc, NewAuthManager("unit-test-secret-that-is-long-enough!"), "*")
	return api, api.Handler()
}

func bearerToken(t *testing.T, api *API, actorID, role string) string {
	t.Helper()
	token, err := api.auth.Sign(actorID, role, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["ok"] != true {
		t.Fatalf("expected ok=true, got %s", rec.Body.String())
	}
}

func TestRoutesRejectMissingOrBadToken(t *testing.T) {
	api, handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines", "Bearer not-a-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}

	// Purge is admin-only.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/idempotency-purge", bearerToken(t, api, "op-1", "operator"), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator on admin route, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/idempotency-purge", bearerToken(t, api, "adm-1", "admin"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostAdjustmentCreatedThenReplayed(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")
	body := `{"idempotency_key":"http-1","product_id":"SKU-TEH-02","adjust_quantity":-5,"reason":"damage"}`

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decodeBody(t, rec)
	record, ok := first["adjustment_record"].(map[string]any)
	if !ok {
		t.Fatalf("missing adjustment_record: %s", rec.Body.String())
	}
	if record["after_quantity"].(float64) != 30 {
		t.Fatalf("expected after 30, got %v", record["after_quantity"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", rec.Code, rec.Body.String())
	}
	second := decodeBody(t, rec)
	if second["replayed"] != true {
		t.Fatalf("expected replayed flag: %s", rec.Body.String())
	}
}

func TestIdempotencyKeyHeaderWinsOverBody(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/adjustments",
		strings.NewReader(`{"idempotency_key":"body-key","product_id":"SKU-TEH-02","adjust_quantity":1,"reason":"correction"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("Idempotency-Key", "header-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	lookup := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/idempotency/header-key", token, "")
	if lookup.Code != http.StatusOK {
		t.Fatalf("expected entry under header key, got %d: %s", lookup.Code, lookup.Body.String())
	}
	missed := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/idempotency/body-key", token, "")
	if missed.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for body key, got %d", missed.Code)
	}
}

func TestPostAdjustmentErrorMapping(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown field", `{"idempotency_key":"e1","product_id":"SKU-TEH-02","adjust_quantity":1,"reason":"damage","bogus":1}`, http.StatusBadRequest},
		{"zero delta", `{"idempotency_key":"e2","product_id":"SKU-TEH-02","adjust_quantity":0,"reason":"damage"}`, http.StatusBadRequest},
		{"negative stock", `{"idempotency_key":"e3","product_id":"SKU-TEH-02","adjust_quantity":-999,"reason":"loss"}`, http.StatusBadRequest},
		{"reserved conflict", `{"idempotency_key":"e4","product_id":"SKU-KOPI-01","adjust_quantity":-90,"reason":"recount"}`, http.StatusBadRequest},
		{"initial non-positive", `{"idempotency_key":"e5","product_id":"SKU-NEW-1","adjust_quantity":-1,"reason":"recount"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	// Key reuse with a different payload is a conflict, not a bad request.
	ok := `{"idempotency_key":"e6","product_id":"SKU-TEH-02","adjust_quantity":1,"reason":"correction"}`
	changed := `{"idempotency_key":"e6","product_id":"SKU-TEH-02","adjust_quantity":2,"reason":"correction"}`
	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token, ok); rec.Code != http.StatusCreated {
		t.Fatalf("setup adjust failed: %d", rec.Code)
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token, changed)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for key reuse, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostInboundAndStockLineLookup(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/inbounds", token,
		`{"idempotency_key":"inb-http-1","product_id":"SKU-BERAS-10","quantity":50,"reason":"purchase","unit_cost":"12500.50"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	record, ok := body["inbound_record"].(map[string]any)
	if !ok {
		t.Fatalf("missing inbound_record: %s", rec.Body.String())
	}
	batch, _ := record["batch_number"].(string)
	if batch == "" {
		t.Fatalf("expected generated batch number: %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines?product_id=SKU-BERAS-10&batch_number="+batch, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	line, ok := decodeBody(t, rec)["stock_line"].(map[string]any)
	if !ok {
		t.Fatalf("missing stock_line: %s", rec.Body.String())
	}
	if line["quantity"].(float64) != 50 {
		t.Fatalf("expected quantity 50, got %v", line["quantity"])
	}
}

func TestListStockLines(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	lines, ok := decodeBody(t, rec)["stock_lines"].([]any)
	if !ok || len(lines) == 0 {
		t.Fatalf("expected seeded stock lines, got %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines?product_id=SKU-KOPI-01", token, "")
	filtered, _ := decodeBody(t, rec)["stock_lines"].([]any)
	if len(filtered) != 1 {
		t.Fatalf("expected one line for SKU-KOPI-01, got %d", len(filtered))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/stock-lines?product_id=SKU-GONE&batch_number=x", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing exact key, got %d", rec.Code)
	}
}

func TestAdjustmentDetailAndList(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjustments", token,
		`{"idempotency_key":"det-1","product_id":"SKU-TEH-02","adjust_quantity":2,"reason":"correction"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup adjust: %d", rec.Code)
	}
	record := decodeBody(t, rec)["adjustment_record"].(map[string]any)
	number := record["adjustment_number"].(string)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/adjustments/"+number, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/adjustments/ADJ-19700101-0001", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown number, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/adjustments?product_id=SKU-TEH-02", token, "")
	records, _ := decodeBody(t, rec)["adjustments"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected one listed adjustment, got %d", len(records))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, handler := newTestAPI(t)
	token := bearerToken(t, api, "op-1", "operator")

	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/inventory/adjustments", token, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/inventory/adjustments", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(allow, "Idempotency-Key") {
		t.Fatalf("preflight must allow Idempotency-Key, got %q", allow)
	}
}
