package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "gateway-test-secret"
	testIssuer   = "optionvault-tests"
	testAudience = "options-gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNode struct {
	mu            sync.Mutex
	depositCalls  []DepositParams
	purchaseCalls []PurchaseParams
	exerciseCalls []ExerciseParams
	closeCalls    []CloseParams
	record        *OptionRecord
	err           error
	events        []NodeEvent
	eventsErr     error
}

func (f *fakeNode) Deposit(_ context.Context, params DepositParams) (*OptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositCalls = append(f.depositCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeNode) Purchase(_ context.Context, params PurchaseParams) (*OptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseCalls = append(f.purchaseCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeNode) Exercise(_ context.Context, params ExerciseParams) (*OptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exerciseCalls = append(f.exerciseCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeNode) Close(_ context.Context, params CloseParams) (*OptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeNode) Option(_ context.Context, _ uint64) (*OptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func (f *fakeNode) Events(_ context.Context, cursor uint64, limit int) ([]NodeEvent, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventsErr != nil {
		return nil, 0, f.eventsErr
	}
	var out []NodeEvent
	var latest uint64
	for _, evt := range f.events {
		if evt.Sequence > latest {
			latest = evt.Sequence
		}
		if evt.Sequence <= cursor {
			continue
		}
		if limit > 0 && len(out) >= limit {
			continue
		}
		out = append(out, evt)
	}
	return out, latest, nil
}

func (f *fakeNode) depositCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.depositCalls)
}

func sampleRecord(id uint64) *OptionRecord {
	return &OptionRecord{
		ID:         id,
		Seller:     "ovt1seller",
		Collection: "ARTIFACT",
		ItemID:     7,
		QuoteToken: "USDQ",
		Strike:     "300",
		Premium:    "100",
		Expiry:     1_700_003_600,
		CreatedAt:  1_700_000_000,
		Escrowed:   true,
		Settlement: "none",
	}
}

func newTestServer(t *testing.T, rateCfg RateSettings) (*Server, *fakeNode, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	auth, err := NewAuthenticator(AuthConfig{
		HMACSecret: testSecret,
		Issuer:     testIssuer,
		Audience:   testAudience,
	}, testLogger())
	require.NoError(t, err)
	node := &fakeNode{record: sampleRecord(1)}
	cfg := Config{
		RateLimit:      rateCfg,
		IdempotencyTTL: Duration{Duration: time.Hour},
	}
	return NewServer(node, store, auth, cfg, testLogger()), node, store
}

func issueToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(server *Server, method, path, token, idempotencyKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func depositBody() []byte {
	return []byte(`{"seller":"ovt1seller","collection":"ARTIFACT","itemId":7,"quoteToken":"USDQ","strike":"300","premium":"100","expiry":1700003600}`)
}

func defaultRate() RateSettings {
	return RateSettings{RequestsPerMinute: 6000, Burst: 100}
}

func TestDepositProxiesToNode(t *testing.T) {
	server, node, store := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var record OptionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, uint64(1), record.ID)
	require.Equal(t, "none", record.Settlement)

	require.Len(t, node.depositCalls, 1)
	require.Equal(t, DepositParams{
		Seller:     "ovt1seller",
		Collection: "ARTIFACT",
		ItemID:     7,
		QuoteToken: "USDQ",
		Strike:     "300",
		Premium:    "100",
		Expiry:     1_700_003_600,
	}, node.depositCalls[0])

	count, err := store.AuditCount(context.Background(), "wallet-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWriteRequiresIdempotencyKey(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "", depositBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Idempotency-Key")
	require.Zero(t, node.depositCount())
}

func TestIdempotentReplayServesCachedResponse(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	first := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, node.depositCount())
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	first := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusOK, first.Code)

	altered := bytes.Replace(depositBody(), []byte(`"strike":"300"`), []byte(`"strike":"999"`), 1)
	second := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", altered)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Contains(t, second.Body.String(), "different request")
	require.Equal(t, 1, node.depositCount())
}

func TestIdempotencyKeysAreScopedToPrincipal(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	walletA := issueToken(t, "wallet-a", scopeOptionsWrite)
	walletB := issueToken(t, "wallet-b", scopeOptionsWrite)

	first := doRequest(server, http.MethodPost, "/v1/options/deposit", walletA, "shared-key", depositBody())
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(server, http.MethodPost, "/v1/options/deposit", walletB, "shared-key", depositBody())
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, 2, node.depositCount())
}

func TestValidationFailuresAreNotCached(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	bad := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", []byte(`{"collection":"ARTIFACT"}`))
	require.Equal(t, http.StatusBadRequest, bad.Code)
	require.Zero(t, node.depositCount())

	good := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusOK, good.Code)
	require.Equal(t, 1, node.depositCount())
}

func TestInvalidJSONBodyRejected(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", []byte(`{not-json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
	require.Zero(t, node.depositCount())
}

func TestRequestsRequireBearerToken(t *testing.T) {
	server, _, _ := newTestServer(t, defaultRate())

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", "", "dep-1", depositBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing bearer token")
}

func TestWritesRequireWriteScope(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	readOnly := issueToken(t, "wallet-1", scopeOptionsRead)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", readOnly, "dep-1", depositBody())
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "insufficient scope")
	require.Zero(t, node.depositCount())
}

func TestTokensFromWrongIssuerRejected(t *testing.T) {
	server, _, _ := newTestServer(t, defaultRate())
	claims := jwt.MapClaims{
		"sub":   "wallet-1",
		"iss":   "someone-else",
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scopeOptionsWrite,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", signed, "dep-1", depositBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPurchaseForwardsPermitVerbatim(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)
	permit := `{"token":"USDQ","owner":"ovt1buyer","spender":"ovt1vault","amount":"100","nonce":0,"deadline":1700000600}`
	body := []byte(`{"id":1,"buyer":"ovt1buyer","permit":` + permit + `,"signature":"0xabcdef"}`)

	rec := doRequest(server, http.MethodPost, "/v1/options/purchase", token, "pur-1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, node.purchaseCalls, 1)
	require.JSONEq(t, permit, string(node.purchaseCalls[0].Permit))
	require.Equal(t, "0xabcdef", node.purchaseCalls[0].Signature)
}

func TestPurchaseRequiresPermitSignaturePair(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	body := []byte(`{"id":1,"buyer":"ovt1buyer","signature":"0xabcdef"}`)
	rec := doRequest(server, http.MethodPost, "/v1/options/purchase", token, "pur-1", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "provided together")
	require.Empty(t, node.purchaseCalls)
}

func TestCloseProxiesToNode(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	rec := doRequest(server, http.MethodPost, "/v1/options/close", token, "cls-1", []byte(`{"id":1,"caller":"ovt1seller"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, node.closeCalls, 1)
	require.Equal(t, CloseParams{ID: 1, Caller: "ovt1seller"}, node.closeCalls[0])
}

func TestGetOptionProxiesToNode(t *testing.T) {
	server, _, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsRead)

	rec := doRequest(server, http.MethodGet, "/v1/options/1", token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var record OptionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, uint64(1), record.ID)
	require.Equal(t, "ARTIFACT", record.Collection)
}

func TestGetOptionRejectsMalformedID(t *testing.T) {
	server, _, _ := newTestServer(t, defaultRate())
	token := issueToken(t, "wallet-1", scopeOptionsRead)

	rec := doRequest(server, http.MethodGet, "/v1/options/not-a-number", token, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid option id")
}

func TestNodeErrorsMapToHTTPStatuses(t *testing.T) {
	cases := []struct {
		name       string
		code       int
		wantStatus int
	}{
		{"invalid params", nodeCodeInvalidParams, http.StatusBadRequest},
		{"not found", nodeCodeNotFound, http.StatusNotFound},
		{"forbidden", nodeCodeForbidden, http.StatusForbidden},
		{"conflict", nodeCodeConflict, http.StatusConflict},
		{"bad permit", nodeCodeBadPermit, http.StatusBadRequest},
		{"settlement failed", nodeCodeSettlement, http.StatusConflict},
		{"server error", -32000, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, node, _ := newTestServer(t, defaultRate())
			node.err = &NodeError{Code: tc.code, Message: "node_message", Data: "node detail"}
			token := issueToken(t, "wallet-1", scopeOptionsWrite)

			rec := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
			require.Equal(t, tc.wantStatus, rec.Code)
			require.Contains(t, rec.Body.String(), "node detail")
		})
	}
}

func TestNodeTransportErrorsReturnBadGateway(t *testing.T) {
	server, node, _ := newTestServer(t, defaultRate())
	node.err = errors.New("connection refused")
	token := issueToken(t, "wallet-1", scopeOptionsWrite)

	rec := doRequest(server, http.MethodPost, "/v1/options/deposit", token, "dep-1", depositBody())
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "node error")
}

func TestRateLimitEnforcedPerClient(t *testing.T) {
	server, _, _ := newTestServer(t, RateSettings{RequestsPerMinute: 1, Burst: 1})
	token := issueToken(t, "wallet-1", scopeOptionsRead)

	first := doRequest(server, http.MethodGet, "/v1/options/1", token, "", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(server, http.MethodGet, "/v1/options/1", token, "", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "rate limit")
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	server, _, _ := newTestServer(t, defaultRate())

	rec := doRequest(server, http.MethodGet, "/healthz", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
