package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adledger/crypto"
	"adledger/gateway/auth"
	"adledger/native/escrow"
	"adledger/native/roles"
	"adledger/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxRequestBody       = 1 << 20 // 1 MiB
)

type requestIDKey struct{}

// Server is the HTTP front-end for the escrow ledger. Engine calls are
// serialized behind a single mutex so every state transition observes the
// previous one, matching the ledger's single-writer model.
type Server struct {
	authenticator *auth.Authenticator
	engine        *escrow.Engine
	registry      *roles.Registry
	store         *SQLiteStore
	admin         *AdminVerifier
	logger        *slog.Logger
	metrics       *observability.EscrowMetrics
	nowFn         func() time.Time

	mu     sync.Mutex
	router chi.Router
}

func NewServer(authenticator *auth.Authenticator, engine *escrow.Engine, registry *roles.Registry, store *SQLiteStore, admin *AdminVerifier, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if engine == nil {
		panic("escrow engine required")
	}
	if registry == nil {
		panic("roles registry required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if admin == nil {
		panic("admin verifier required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: authenticator,
		engine:        engine,
		registry:      registry,
		store:         store,
		admin:         admin,
		logger:        logger,
		metrics:       observability.Escrow(),
		nowFn:         time.Now,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/escrows", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{escrowID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/approvals", s.handleGetApprovals)
			r.Get("/performance", s.handleGetPerformance)
			r.Get("/can-release", s.handleCanRelease)
			r.Post("/approve", s.handleApprove)
			r.Post("/performance", s.handleReportPerformance)
			r.Post("/hold", s.handleHold)
			r.Post("/release", s.handleRelease)
			r.Post("/release-partial", s.handleReleasePartial)
			r.Post("/refund", s.handleRefund)
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Post("/performance-oracle", s.handleSetOracle)
		r.Post("/fraud-authority", s.handleSetFraudAuthority)
	})

	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"requestId", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"durationMs", s.nowFn().Sub(start).Milliseconds(),
		)
	})
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// --- request/response shapes ---

type createEscrowRequest struct {
	Beneficiary             string   `json:"beneficiary"`
	CampaignID              uint64   `json:"campaignId"`
	Amount                  string   `json:"amount"`
	TimeLockSeconds         uint64   `json:"timeLockSeconds"`
	ExpiresInSeconds        uint64   `json:"expiresInSeconds"`
	PerformanceThresholdPct uint32   `json:"performanceThresholdPct"`
	RequiredApprovers       []string `json:"requiredApprovers"`
}

type performanceReportRequest struct {
	CurrentPerformancePct uint32 `json:"currentPerformancePct"`
	ViewsDelivered        uint64 `json:"viewsDelivered"`
	ClicksDelivered       uint64 `json:"clicksDelivered"`
}

type partialReleaseRequest struct {
	Amount string `json:"amount"`
}

type adminRoleRequest struct {
	Address string `json:"address"`
}

type escrowView struct {
	ID                      uint64   `json:"id"`
	Depositor               string   `json:"depositor"`
	Beneficiary             string   `json:"beneficiary"`
	CampaignID              uint64   `json:"campaignId"`
	Amount                  string   `json:"amount"`
	LockedAmount            string   `json:"lockedAmount"`
	ReleasedAmount          string   `json:"releasedAmount"`
	RefundedAmount          string   `json:"refundedAmount"`
	TimeLockDeadline        int64    `json:"timeLockDeadline"`
	ExpiryDeadline          int64    `json:"expiryDeadline"`
	PerformanceThresholdPct uint32   `json:"performanceThresholdPct"`
	RequiredApprovers       []string `json:"requiredApprovers"`
	State                   string   `json:"state"`
	CreatedAt               int64    `json:"createdAt"`
}

func escrowToView(esc *escrow.Escrow) escrowView {
	approvers := make([]string, 0, len(esc.RequiredApprovers))
	for _, approver := range esc.RequiredApprovers {
		approvers = append(approvers, bech32Address(approver))
	}
	return escrowView{
		ID:                      esc.ID,
		Depositor:               bech32Address(esc.Depositor),
		Beneficiary:             bech32Address(esc.Beneficiary),
		CampaignID:              esc.CampaignID,
		Amount:                  bigString(esc.Amount),
		LockedAmount:            bigString(esc.LockedAmount),
		ReleasedAmount:          bigString(esc.ReleasedAmount),
		RefundedAmount:          bigString(esc.RefundedAmount),
		TimeLockDeadline:        esc.TimeLockDeadline,
		ExpiryDeadline:          esc.ExpiryDeadline,
		PerformanceThresholdPct: esc.PerformanceThresholdPct,
		RequiredApprovers:       approvers,
		State:                   esc.State.String(),
		CreatedAt:               esc.CreatedAt,
	}
}

func bech32Address(raw [20]byte) string {
	return crypto.NewAddress(crypto.ADXPrefix, raw[:]).String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- mutation plumbing ---

type mutationContext struct {
	principal   *auth.Principal
	body        []byte
	idemKey     string
	requestHash string
}

// beginMutation authenticates the caller and consults the idempotency cache.
// It returns nil when the response has already been written.
func (s *Server) beginMutation(w http.ResponseWriter, r *http.Request) *mutationContext {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r, nil, body, http.StatusUnauthorized, errorBody(err))
		return nil
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r, principal, body, http.StatusBadRequest, errorBody(err))
		return nil
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r, principal, body, status, errorBody(cacheErr))
		return nil
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r, principal, body, cached.Status, cached.Body)
		return nil
	}
	return &mutationContext{principal: principal, body: body, idemKey: key, requestHash: requestHash}
}

func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, m *mutationContext, status int, payload []byte) {
	if err := s.store.SaveIdempotency(r.Context(), m.principal.APIKey, m.idemKey, m.requestHash, status, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r, m.principal, m.body, http.StatusInternalServerError, errorBody(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r, m.principal, m.body, status, payload)
}

func (s *Server) failMutation(w http.ResponseWriter, r *http.Request, m *mutationContext, err error) {
	status := httpStatusFor(err)
	s.writeError(w, status, err)
	s.audit(r, m.principal, m.body, status, errorBody(err))
}

// engineCall serializes one engine state transition and records its metrics.
func (s *Server) engineCall(operation string, fn func() error) error {
	start := s.nowFn()
	s.mu.Lock()
	err := fn()
	s.mu.Unlock()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveOperation(operation, outcome, s.nowFn().Sub(start))
	if condition := rejectionCondition(err); condition != "" {
		s.metrics.RecordRejection(condition)
	}
	return err
}

func rejectionCondition(err error) string {
	switch {
	case errors.Is(err, escrow.ErrDisputed):
		return "disputed"
	case errors.Is(err, escrow.ErrTimeLockActive):
		return "time_lock"
	case errors.Is(err, escrow.ErrApprovalRequired):
		return "approval"
	case errors.Is(err, escrow.ErrPerformanceNotMet):
		return "performance"
	}
	return ""
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotRequiredApprover),
		errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, roles.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrDisputed),
		errors.Is(err, escrow.ErrTimeLockActive),
		errors.Is(err, escrow.ErrApprovalRequired),
		errors.Is(err, escrow.ErrPerformanceNotMet),
		errors.Is(err, escrow.ErrNotExpired),
		errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// --- mutation handlers ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	var req createEscrowRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	beneficiary, err := crypto.DecodeAddress(strings.TrimSpace(req.Beneficiary))
	if err != nil {
		s.failMutation(w, r, m, fmt.Errorf("decode beneficiary: %w", err))
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		s.failMutation(w, r, m, errors.New("amount must be a base-10 integer"))
		return
	}
	approvers := make([][20]byte, 0, len(req.RequiredApprovers))
	for _, raw := range req.RequiredApprovers {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			s.failMutation(w, r, m, fmt.Errorf("decode approver %q: %w", raw, err))
			return
		}
		approvers = append(approvers, addr.Raw())
	}

	var created *escrow.Escrow
	err = s.engineCall("create", func() error {
		var engineErr error
		created, engineErr = s.engine.Create(m.principal.Identity, req.CampaignID, beneficiary.Raw(), amount, req.TimeLockSeconds, req.PerformanceThresholdPct, req.ExpiresInSeconds, approvers)
		return engineErr
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	payload, err := json.Marshal(escrowToView(created))
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusCreated, payload)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	err = s.engineCall("approve", func() error {
		return s.engine.ApproveRelease(m.principal.Identity, id)
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusOK, s.approvalPayload(id))
}

func (s *Server) handleReportPerformance(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	var req performanceReportRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	err = s.engineCall("update_performance", func() error {
		return s.engine.UpdatePerformance(m.principal.Identity, id, req.CurrentPerformancePct, req.ViewsDelivered, req.ClicksDelivered)
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusOK, []byte(`{"status":"recorded"}`))
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	err = s.engineCall("hold", func() error {
		return s.engine.HoldForFraud(m.principal.Identity, id)
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.writeEscrowResult(w, r, m, id)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	var settled *big.Int
	err = s.engineCall("release", func() error {
		before := s.currentLocked(id)
		if err := s.engine.Release(m.principal.Identity, id); err != nil {
			return err
		}
		settled = new(big.Int).Sub(before, s.currentLocked(id))
		return nil
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.recordSettled("release", settled)
	s.writeEscrowResult(w, r, m, id)
}

func (s *Server) handleReleasePartial(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	var req partialReleaseRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		s.failMutation(w, r, m, errors.New("amount must be a base-10 integer"))
		return
	}
	err = s.engineCall("release_partial", func() error {
		return s.engine.ReleasePartial(m.principal.Identity, id, amount)
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.recordSettled("release", amount)
	s.writeEscrowResult(w, r, m, id)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	m := s.beginMutation(w, r)
	if m == nil {
		return
	}
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	var settled *big.Int
	err = s.engineCall("refund", func() error {
		before := s.currentLocked(id)
		if err := s.engine.Refund(m.principal.Identity, id); err != nil {
			return err
		}
		settled = new(big.Int).Sub(before, s.currentLocked(id))
		return nil
	})
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.recordSettled("refund", settled)
	s.writeEscrowResult(w, r, m, id)
}

func (s *Server) writeEscrowResult(w http.ResponseWriter, r *http.Request, m *mutationContext, id uint64) {
	s.mu.Lock()
	esc, ok := s.engine.GetEscrow(id)
	s.mu.Unlock()
	if !ok {
		s.failMutation(w, r, m, escrow.ErrNotFound)
		return
	}
	payload, err := json.Marshal(escrowToView(esc))
	if err != nil {
		s.failMutation(w, r, m, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusOK, payload)
}

func (s *Server) approvalPayload(id uint64) []byte {
	s.mu.Lock()
	count := s.engine.ApprovalCount(id)
	s.mu.Unlock()
	return []byte(fmt.Sprintf(`{"escrowId":%d,"approvals":%d}`, id, count))
}

// currentLocked reads the locked amount for the settled-amount metric. The
// caller must hold the engine mutex, so before/after reads and the mutation
// between them observe one consistent state.
func (s *Server) currentLocked(id uint64) *big.Int {
	esc, ok := s.engine.GetEscrow(id)
	if !ok || esc.LockedAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(esc.LockedAmount)
}

func (s *Server) recordSettled(direction string, amount *big.Int) {
	if amount == nil {
		return
	}
	approx, _ := new(big.Float).SetInt(amount).Float64()
	s.metrics.RecordSettled(direction, approx)
}

// --- admin handlers ---

func (s *Server) handleSetOracle(w http.ResponseWriter, r *http.Request) {
	s.handleAdminRole(w, r, "set_performance_oracle", s.registry.SetPerformanceOracle)
}

func (s *Server) handleSetFraudAuthority(w http.ResponseWriter, r *http.Request) {
	s.handleAdminRole(w, r, "set_fraud_authority", s.registry.SetFraudAuthority)
}

func (s *Server) handleAdminRole(w http.ResponseWriter, r *http.Request, operation string, assign func(admin, addr [20]byte) error) {
	adminAddr, err := s.admin.VerifyRequest(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req adminRoleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	target, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode address: %w", err))
		return
	}
	err = s.engineCall(operation, func() error {
		return assign(adminAddr, target.Raw())
	})
	if err != nil {
		s.writeError(w, httpStatusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// --- read handlers ---

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	esc, ok := s.engine.GetEscrow(id)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, escrow.ErrNotFound)
		return
	}
	s.writeJSON(w, escrowToView(esc))
}

func (s *Server) handleGetApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	_, ok := s.engine.GetEscrow(id)
	count := s.engine.ApprovalCount(id)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, escrow.ErrNotFound)
		return
	}
	s.writeJSON(w, map[string]uint64{"escrowId": id, "approvals": count})
}

func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	_, ok := s.engine.GetEscrow(id)
	snapshot, found := s.engine.GetPerformance(id)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, escrow.ErrNotFound)
		return
	}
	resp := map[string]interface{}{
		"escrowId":              id,
		"currentPerformancePct": uint32(0),
		"viewsDelivered":        uint64(0),
		"clicksDelivered":       uint64(0),
	}
	if found {
		resp["currentPerformancePct"] = snapshot.CurrentPerformancePct
		resp["viewsDelivered"] = snapshot.ViewsDelivered
		resp["clicksDelivered"] = snapshot.ClicksDelivered
		resp["updatedAt"] = snapshot.UpdatedAt
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleCanRelease(w http.ResponseWriter, r *http.Request) {
	id, err := escrowIDFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	_, ok := s.engine.GetEscrow(id)
	releasable := s.engine.CanRelease(id)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, escrow.ErrNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{"escrowId": id, "canRelease": releasable})
}

// --- shared helpers ---

func escrowIDFromRequest(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "escrowID"))
	if raw == "" {
		return 0, errors.New("escrow id required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return id, nil
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func (s *Server) audit(r *http.Request, principal *auth.Principal, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		RequestID:      requestIDFromContext(r.Context()),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("audit insert failed", "error", err)
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
