package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger/simledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/operations"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
	"github.com/ShantanuVr/registry-adapter-api/pkg/retry"
	"github.com/ShantanuVr/registry-adapter-api/pkg/store"
)

const (
	testSecret = "api-test-secret-0123456789abcdef"
	classID    = "0123456789abcdef0123456789abcdef"
	holder     = "0x00000000000000000000000000000000000000bb"
)

type fixture struct {
	server *httptest.Server
	ledger *simledger.Ledger
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sim := simledger.New()
	exec := ledger.NewExecutor(sim, ledger.DefaultConfig(), ledger.WithClock(retry.NewFakeClock(time.Unix(0, 0))))
	svc := operations.NewService(operations.Deps{
		Guard:    idempotency.NewGuard(st),
		Receipts: receipts.NewManager(st),
		Resolver: derive.NewResolver(st),
		Executor: exec,
	}, operations.WithReplayWait(2*time.Second, 2*time.Millisecond))

	v, err := auth.NewValidator(auth.ValidatorConfig{HMACSecret: testSecret})
	require.NoError(t, err)
	cfg := Config{Operations: svc, Validator: v}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{server: ts, ledger: sim}
}

func token(t *testing.T, org, role string) string {
	t.Helper()
	tok, err := auth.SignHMAC(testSecret, "user-1", org, role, time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func retireBody(qty string) string {
	return `{"class_id":"` + classID + `","quantity":"` + qty + `","holder":"` + holder + `","beneficiary":"Oslo","reason":"offset"}`
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Health = map[string]HealthFunc{"store": func(context.Context) error { return nil }}
	})
	resp, body := f.do(t, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(auth.RequestIDHeader))
}

func TestHealthDegraded(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Health = map[string]HealthFunc{"ledger": func(context.Context) error { return errors.New("down") }}
	})
	resp, body := f.do(t, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, map[string]any{"ledger": "unavailable"}, body["checks"])
}

func TestAuthFailsClosed(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/v1/receipts/x", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "UNAUTHENTICATED", body["code"])
	assert.Equal(t, resp.Header.Get(auth.RequestIDHeader), body["trace_id"])

	resp, _ = f.do(t, http.MethodGet, "/v1/receipts/x", "garbage", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	unconfigured := newFixture(t, func(c *Config) { c.Validator = nil })
	resp, _ = unconfigured.do(t, http.MethodGet, "/v1/receipts/x", token(t, "acme", "admin"), "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRetire_PermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/retirements", token(t, "acme", "auditor"), "k", retireBody("1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "PERMISSION_DENIED", body["code"])
}

func TestRetire_ReplayOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.Credit(classID, holder, big.NewInt(100))
	tok := token(t, "acme", "retirer")

	resp, first := f.do(t, http.MethodPost, "/v1/retirements", tok, "r-1", retireBody("40"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, first)
	assert.Equal(t, "MINED", first["status"])
	assert.Equal(t, "RETIRE", first["kind"])
	assert.Equal(t, "/v1/receipts/"+first["id"].(string), resp.Header.Get("Location"))

	// Same body with different formatting is the same request.
	reformatted := `{ "reason":"offset", "beneficiary":"Oslo", "holder":"` + holder + `", "quantity":"40", "class_id":"` + classID + `" }`
	resp, again := f.do(t, http.MethodPost, "/v1/retirements", tok, "r-1", reformatted)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, first["id"], again["id"])

	resp, conflict := f.do(t, http.MethodPost, "/v1/retirements", tok, "r-1", retireBody("41"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", conflict["code"])
	assert.Equal(t, 1, f.ledger.TxCount())

	resp, got := f.do(t, http.MethodGet, "/v1/receipts/"+first["id"].(string), tok, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["tx_hash"], got["tx_hash"])

	resp, _ = f.do(t, http.MethodGet, "/v1/receipts/"+first["id"].(string), token(t, "other-org", "retirer"), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetire_InsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/retirements", token(t, "acme", "retirer"), "r-2", retireBody("1"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])
	assert.Nil(t, body["receipt_id"])
}

func TestSchemaValidation(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "acme", "admin")
	cases := map[string]struct{ path, body string }{
		"not json":         {"/v1/retirements", `{`},
		"unknown field":    {"/v1/retirements", `{"class_id":"` + classID + `","quantity":"1","holder":"` + holder + `","extra":1}`},
		"numeric quantity": {"/v1/retirements", `{"class_id":"` + classID + `","quantity":1,"holder":"` + holder + `"}`},
		"bad window":       {"/v1/issuances", `{"project_id":"P","window_start":"yesterday","window_end":"2024-01-01T00:00:00Z","quantity":"1","recipient":"` + holder + `","issuance_ref":"x"}`},
		"empty evidence":   {"/v1/anchors", `{"topic":"t","evidence_hashes":[]}`},
		"short hash":       {"/v1/anchors", `{"topic":"t","evidence_hashes":["0xabc"]}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path, tok, "", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_INPUT", body["code"])
		})
	}
}

func TestIssueAndResolve(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "acme", "issuer")
	body := `{"project_id":"PRJ001","window_start":"2024-01-01T00:00:00Z","window_end":"2024-07-01T00:00:00Z",` +
		`"quantity":"1000","recipient":"` + holder + `","issuance_ref":"ISS-1"}`

	resp, issued := f.do(t, http.MethodPost, "/v1/issuances", tok, "i-1", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, issued)

	resp, resolved := f.do(t, http.MethodGet,
		"/v1/classes/resolve?project_id=PRJ001&window_start=2024-01-01T00:00:00Z&window_end=2024-07-01T00:00:00Z", tok, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, issued["class_id"], resolved["class_id"])

	resp, _ = f.do(t, http.MethodGet, "/v1/classes/resolve?project_id=PRJ001&window_start=bad&window_end=x", tok, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnchor_RevertSurfacesReceipt(t *testing.T) {
	f := newFixture(t, nil)
	tok := token(t, "acme", "auditor")
	body := `{"topic":"mrv","evidence_hashes":["` + strings.Repeat("ab", 32) + `"]}`

	resp, _ := f.do(t, http.MethodPost, "/v1/anchors", tok, "a-1", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, problem := f.do(t, http.MethodPost, "/v1/anchors", tok, "a-2", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "TX_REVERTED", problem["code"])
	assert.NotEmpty(t, problem["receipt_id"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Limiter = NewRateLimiter(0.001, 2) })
	tok := token(t, "acme", "admin")
	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodGet, "/v1/receipts/missing", tok, "", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/v1/receipts/missing", tok, "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Another caller has its own bucket.
	resp, _ = f.do(t, http.MethodGet, "/v1/receipts/missing", token(t, "other", "admin"), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	assert.True(t, rl.allow("a"))
	now = now.Add(time.Hour)
	assert.True(t, rl.allow("b"))
	assert.Equal(t, 1, rl.Sweep())
}

func TestUnknownRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nope", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	srv, err := NewServer(Config{})
	require.NoError(t, err)
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
