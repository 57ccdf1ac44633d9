package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes    = 1 << 20
	nodeCallTimeout = 15 * time.Second
)

// Server exposes the REST facade over the node's JSON-RPC interface.
type Server struct {
	node           NodeClient
	store          *SQLiteStore
	auth           *Authenticator
	limiter        *rateLimiter
	logger         *slog.Logger
	idempotencyTTL time.Duration
	nowFn          func() time.Time
}

func NewServer(node NodeClient, store *SQLiteStore, auth *Authenticator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.IdempotencyTTL.Duration
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &Server{
		node:           node,
		store:          store,
		auth:           auth,
		limiter:        newRateLimiter(cfg.RateLimit),
		logger:         logger,
		idempotencyTTL: ttl,
		nowFn:          time.Now,
	}
}

// Router wires the REST routes. Writes require the options:write scope and an
// Idempotency-Key header; reads require options:read.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/options", func(sr chi.Router) {
		sr.Use(s.limiter.Middleware)
		sr.Group(func(g chi.Router) {
			g.Use(s.auth.Middleware(scopeOptionsWrite))
			g.Post("/deposit", s.handleDeposit)
			g.Post("/purchase", s.handlePurchase)
			g.Post("/exercise", s.handleExercise)
			g.Post("/close", s.handleClose)
		})
		sr.Group(func(g chi.Router) {
			g.Use(s.auth.Middleware(scopeOptionsRead))
			g.Get("/{id}", s.handleGet)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type depositRequest struct {
	Seller     string  `json:"seller"`
	Collection string  `json:"collection"`
	ItemID     *uint64 `json:"itemId"`
	QuoteToken string  `json:"quoteToken"`
	Strike     string  `json:"strike"`
	Premium    string  `json:"premium"`
	Expiry     int64   `json:"expiry"`
}

func (r depositRequest) validate() error {
	if strings.TrimSpace(r.Seller) == "" {
		return errors.New("seller required")
	}
	if strings.TrimSpace(r.Collection) == "" {
		return errors.New("collection required")
	}
	if r.ItemID == nil {
		return errors.New("itemId required")
	}
	if strings.TrimSpace(r.QuoteToken) == "" {
		return errors.New("quoteToken required")
	}
	if strings.TrimSpace(r.Strike) == "" {
		return errors.New("strike required")
	}
	if strings.TrimSpace(r.Premium) == "" {
		return errors.New("premium required")
	}
	if r.Expiry <= 0 {
		return errors.New("expiry required")
	}
	return nil
}

type purchaseRequest struct {
	ID        *uint64         `json:"id"`
	Buyer     string          `json:"buyer"`
	Permit    json.RawMessage `json:"permit,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func (r purchaseRequest) validate() error {
	if r.ID == nil {
		return errors.New("id required")
	}
	if strings.TrimSpace(r.Buyer) == "" {
		return errors.New("buyer required")
	}
	return validatePermitPairing(r.Permit, r.Signature)
}

type exerciseRequest struct {
	ID        *uint64         `json:"id"`
	Caller    string          `json:"caller"`
	Permit    json.RawMessage `json:"permit,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func (r exerciseRequest) validate() error {
	if r.ID == nil {
		return errors.New("id required")
	}
	if strings.TrimSpace(r.Caller) == "" {
		return errors.New("caller required")
	}
	return validatePermitPairing(r.Permit, r.Signature)
}

type closeRequest struct {
	ID     *uint64 `json:"id"`
	Caller string  `json:"caller"`
}

func (r closeRequest) validate() error {
	if r.ID == nil {
		return errors.New("id required")
	}
	if strings.TrimSpace(r.Caller) == "" {
		return errors.New("caller required")
	}
	return nil
}

func validatePermitPairing(permit json.RawMessage, signature string) error {
	hasPermit := len(permit) > 0 && string(permit) != "null"
	hasSignature := strings.TrimSpace(signature) != ""
	if hasPermit != hasSignature {
		return errors.New("permit and signature must be provided together")
	}
	return nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(ctx context.Context, body []byte) (*OptionRecord, *apiError) {
		var req depositRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload")
		}
		if err := req.validate(); err != nil {
			return nil, badRequest(err.Error())
		}
		record, err := s.node.Deposit(ctx, DepositParams{
			Seller:     req.Seller,
			Collection: req.Collection,
			ItemID:     *req.ItemID,
			QuoteToken: req.QuoteToken,
			Strike:     req.Strike,
			Premium:    req.Premium,
			Expiry:     req.Expiry,
		})
		if err != nil {
			return nil, nodeAPIError(err)
		}
		return record, nil
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(ctx context.Context, body []byte) (*OptionRecord, *apiError) {
		var req purchaseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload")
		}
		if err := req.validate(); err != nil {
			return nil, badRequest(err.Error())
		}
		record, err := s.node.Purchase(ctx, PurchaseParams{
			ID:        *req.ID,
			Buyer:     req.Buyer,
			Permit:    req.Permit,
			Signature: req.Signature,
		})
		if err != nil {
			return nil, nodeAPIError(err)
		}
		return record, nil
	})
}

func (s *Server) handleExercise(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(ctx context.Context, body []byte) (*OptionRecord, *apiError) {
		var req exerciseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload")
		}
		if err := req.validate(); err != nil {
			return nil, badRequest(err.Error())
		}
		record, err := s.node.Exercise(ctx, ExerciseParams{
			ID:        *req.ID,
			Caller:    req.Caller,
			Permit:    req.Permit,
			Signature: req.Signature,
		})
		if err != nil {
			return nil, nodeAPIError(err)
		}
		return record, nil
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(ctx context.Context, body []byte) (*OptionRecord, *apiError) {
		var req closeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload")
		}
		if err := req.validate(); err != nil {
			return nil, badRequest(err.Error())
		}
		record, err := s.node.Close(ctx, CloseParams{ID: *req.ID, Caller: req.Caller})
		if err != nil {
			return nil, nodeAPIError(err)
		}
		return record, nil
	})
}

// handleWrite runs the shared write pipeline: authn principal, body limits,
// idempotency replay, node call, response caching, audit.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, exec func(ctx context.Context, body []byte) (*OptionRecord, *apiError)) {
	principal, ok := subjectFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	body, err := readRequestBody(r)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		s.audit(r, principal, http.StatusRequestEntityTooLarge, "", "")
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header required")
		s.audit(r, principal, http.StatusBadRequest, "", "")
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()

	cached, err := s.store.LookupIdempotency(ctx, principal, key, requestHash)
	if errors.Is(err, ErrIdempotencyMismatch) {
		writeJSONError(w, http.StatusConflict, "idempotency key already used with a different request")
		s.audit(r, principal, http.StatusConflict, key, requestHash)
		return
	}
	if err != nil {
		s.logger.Error("idempotency lookup", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "idempotency lookup failed")
		s.audit(r, principal, http.StatusInternalServerError, key, requestHash)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		s.audit(r, principal, cached.StatusCode, key, requestHash)
		return
	}

	record, apiErr := exec(ctx, body)
	if apiErr != nil {
		writeJSONError(w, apiErr.Status, apiErr.Message)
		s.audit(r, principal, apiErr.Status, key, requestHash)
		return
	}
	respBody, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("encode option record", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "encode response failed")
		s.audit(r, principal, http.StatusInternalServerError, key, requestHash)
		return
	}
	now := s.nowFn().UTC()
	saved := IdempotencyRecord{
		Principal:   principal,
		Key:         key,
		RequestHash: requestHash,
		StatusCode:  http.StatusOK,
		Body:        respBody,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.idempotencyTTL),
	}
	if err := s.store.SaveIdempotency(ctx, saved); err != nil {
		s.logger.Warn("persist idempotency record", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
	s.audit(r, principal, http.StatusOK, key, requestHash)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := subjectFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	rawID := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid option id")
		s.audit(r, principal, http.StatusBadRequest, "", "")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	record, nodeErr := s.node.Option(ctx, id)
	if nodeErr != nil {
		apiErr := nodeAPIError(nodeErr)
		writeJSONError(w, apiErr.Status, apiErr.Message)
		s.audit(r, principal, apiErr.Status, "", "")
		return
	}
	writeJSON(w, http.StatusOK, record)
	s.audit(r, principal, http.StatusOK, "", "")
}

func (s *Server) audit(r *http.Request, principal string, status int, key, requestHash string) {
	entry := AuditEntry{
		CreatedAt:      s.nowFn().UTC(),
		Principal:      principal,
		Method:         r.Method,
		Path:           r.URL.Path,
		StatusCode:     status,
		IdempotencyKey: key,
		RequestHash:    requestHash,
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Warn("append audit entry", "error", err)
	}
}

type apiError struct {
	Status  int
	Message string
}

func badRequest(message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: message}
}

func nodeAPIError(err error) *apiError {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return &apiError{Status: httpStatusForNodeCode(nodeErr.Code), Message: nodeErr.Detail()}
	}
	return &apiError{Status: http.StatusBadGateway, Message: fmt.Sprintf("node error: %s", err)}
}

func httpStatusForNodeCode(code int) int {
	switch code {
	case nodeCodeInvalidParams, nodeCodeBadPermit:
		return http.StatusBadRequest
	case nodeCodeNotFound:
		return http.StatusNotFound
	case nodeCodeForbidden:
		return http.StatusForbidden
	case nodeCodeConflict, nodeCodeSettlement:
		return http.StatusConflict
	case nodeCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sanitized := strings.ReplaceAll(message, `"`, "'")
	_, _ = w.Write([]byte(`{"error":"` + sanitized + `"}`))
}
