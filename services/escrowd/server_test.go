package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"adledger/core/state"
	"adledger/core/types"
	"adledger/crypto"
	"adledger/gateway/auth"
	"adledger/native/escrow"
	"adledger/native/roles"
	"adledger/storage"
)

const (
	depositorKey    = "depositor-key"
	approverKey     = "approver-key"
	oracleKey       = "oracle-key"
	authorityKey    = "authority-key"
	sharedSecret    = "test-secret"
	adminJWTSecret  = "admin-jwt-secret"
	depositorAmount = 10_000
)

type serverFixture struct {
	server    *Server
	manager   *state.Manager
	registry  *roles.Registry
	now       int64
	depositor [20]byte
	approver  [20]byte
	oracle    [20]byte
	authority [20]byte
	admin     [20]byte
}

func fixtureAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func bech32Of(addr [20]byte) string {
	return crypto.NewAddress(crypto.ADXPrefix, addr[:]).String()
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		now:       1_700_000_000,
		depositor: fixtureAddr(0x01),
		approver:  fixtureAddr(0x02),
		oracle:    fixtureAddr(0x03),
		authority: fixtureAddr(0x04),
		admin:     fixtureAddr(0x05),
	}

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	f.manager = state.NewManager(db)
	require.NoError(t, f.manager.PutAccount(f.depositor[:], &types.Account{Balance: big.NewInt(depositorAmount)}))

	f.registry = roles.NewRegistry(f.manager)
	require.NoError(t, f.registry.Bootstrap(f.admin))
	require.NoError(t, f.registry.SetPerformanceOracle(f.admin, f.oracle))
	require.NoError(t, f.registry.SetFraudAuthority(f.admin, f.authority))

	engine := escrow.NewEngine()
	engine.SetState(f.manager)
	engine.SetRoles(f.registry)
	engine.SetNowFunc(func() int64 { return f.now })

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	credentials := map[string]auth.Credential{
		depositorKey: {Secret: sharedSecret, Identity: f.depositor},
		approverKey:  {Secret: sharedSecret, Identity: f.approver},
		oracleKey:    {Secret: sharedSecret, Identity: f.oracle},
		authorityKey: {Secret: sharedSecret, Identity: f.authority},
	}
	authenticator := auth.NewAuthenticator(credentials, time.Minute, 5*time.Minute, 64,
		func() time.Time { return time.Unix(f.now, 0) }, nil)

	adminVerifier, err := NewAdminVerifier(adminJWTSecret, nil)
	require.NoError(t, err)

	f.server = NewServer(authenticator, engine, f.registry, store, adminVerifier, nil)
	return f
}

func (f *serverFixture) do(t *testing.T, apiKey, method, path string, body []byte, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := strconv.FormatInt(f.now, 10)
	nonce := uuid.NewString()
	req.Header.Set(auth.HeaderAPIKey, apiKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	sig := auth.ComputeSignature(sharedSecret, timestamp, nonce, method, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createEscrow(t *testing.T) escrowView {
	t.Helper()
	body, err := json.Marshal(createEscrowRequest{
		Beneficiary:             bech32Of(fixtureAddr(0x0A)),
		CampaignID:              7,
		Amount:                  "1000",
		TimeLockSeconds:         3600,
		ExpiresInSeconds:        86400,
		PerformanceThresholdPct: 75,
		RequiredApprovers:       []string{bech32Of(f.approver)},
	})
	require.NoError(t, err)
	rec := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", body, uuid.NewString())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCreateEscrowEndToEnd(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	require.Equal(t, uint64(1), view.ID)
	require.Equal(t, bech32Of(f.depositor), view.Depositor)
	require.Equal(t, "1000", view.Amount)
	require.Equal(t, "1000", view.LockedAmount)
	require.Equal(t, "0", view.ReleasedAmount)
	require.Equal(t, "active", view.State)
	require.Equal(t, f.now+3600, view.TimeLockDeadline)

	acc, err := f.manager.GetAccount(f.depositor[:])
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Cmp(big.NewInt(depositorAmount-1000)))
}

func TestCreateRequiresIdempotencyKey(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", []byte(`{}`), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentCreateDoesNotDoubleCharge(t *testing.T) {
	f := newServerFixture(t)
	body, err := json.Marshal(createEscrowRequest{
		Beneficiary:      bech32Of(fixtureAddr(0x0A)),
		Amount:           "1000",
		ExpiresInSeconds: 86400,
	})
	require.NoError(t, err)

	idem := uuid.NewString()
	first := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", body, idem)
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", body, idem)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	acc, err := f.manager.GetAccount(f.depositor[:])
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Cmp(big.NewInt(depositorAmount-1000)))
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	f := newServerFixture(t)
	idem := uuid.NewString()
	makeBody := func(amount string) []byte {
		body, err := json.Marshal(createEscrowRequest{
			Beneficiary:      bech32Of(fixtureAddr(0x0A)),
			Amount:           amount,
			ExpiresInSeconds: 86400,
		})
		require.NoError(t, err)
		return body
	}

	first := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", makeBody("1000"), idem)
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, depositorKey, http.MethodPost, "/v1/escrows", makeBody("2000"), idem)
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestIdentityBindingGatesApprovals(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)
	path := fmt.Sprintf("/v1/escrows/%d/approve", view.ID)

	// The depositor's key is not bound to an approver identity.
	rec := f.do(t, depositorKey, http.MethodPost, path, nil, uuid.NewString())
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, approverKey, http.MethodPost, path, nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(1), resp["approvals"])
}

func TestFullLifecycleRelease(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	rec := f.do(t, approverKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/approve", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code)

	perf, _ := json.Marshal(performanceReportRequest{CurrentPerformancePct: 80, ViewsDelivered: 12000, ClicksDelivered: 400})
	rec = f.do(t, oracleKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/performance", view.ID), perf, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Still time-locked.
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "time lock active")

	f.now += 3601
	rec = f.get(t, fmt.Sprintf("/v1/escrows/%d/can-release", view.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"canRelease":true`)

	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var released escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &released))
	require.Equal(t, "0", released.LockedAmount)
	require.Equal(t, "1000", released.ReleasedAmount)

	beneficiary := fixtureAddr(0x0A)
	acc, err := f.manager.GetAccount(beneficiary[:])
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Cmp(big.NewInt(1000)))
}

func TestPartialReleaseEndpoint(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	f.do(t, approverKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/approve", view.ID), nil, uuid.NewString())
	perf, _ := json.Marshal(performanceReportRequest{CurrentPerformancePct: 80})
	f.do(t, oracleKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/performance", view.ID), perf, uuid.NewString())
	f.now += 3601

	body, _ := json.Marshal(partialReleaseRequest{Amount: "250"})
	rec := f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release-partial", view.ID), body, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var after escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	require.Equal(t, "750", after.LockedAmount)
	require.Equal(t, "250", after.ReleasedAmount)

	body, _ = json.Marshal(partialReleaseRequest{Amount: "751"})
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release-partial", view.ID), body, uuid.NewString())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid amount")
}

func TestFraudHoldBlocksRelease(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	rec := f.do(t, authorityKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/hold", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var held escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &held))
	require.Equal(t, "disputed", held.State)

	// Only the designated authority may place holds.
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/hold", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.now += 3601
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "disputed due to fraud")
}

func TestRefundAfterExpiry(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	rec := f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/refund", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "not yet expired")

	f.now = view.ExpiryDeadline + 1
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/refund", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refunded escrowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refunded))
	require.Equal(t, "0", refunded.LockedAmount)
	require.Equal(t, "1000", refunded.RefundedAmount)

	acc, err := f.manager.GetAccount(f.depositor[:])
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Cmp(big.NewInt(depositorAmount)))
}

func TestReadEndpoints(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)

	rec := f.get(t, fmt.Sprintf("/v1/escrows/%d", view.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, fmt.Sprintf("/v1/escrows/%d/approvals", view.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"approvals":0`)

	rec = f.get(t, fmt.Sprintf("/v1/escrows/%d/performance", view.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"currentPerformancePct":0`)

	rec = f.get(t, "/v1/escrows/404")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/v1/escrows/not-a-number")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRejectsUnsignedRequests(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func adminToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": adminScope,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminJWTSecret))
	require.NoError(t, err)
	return token
}

func TestAdminEndpointsRequireJWT(t *testing.T) {
	f := newServerFixture(t)
	newOracle := fixtureAddr(0x0B)
	body, _ := json.Marshal(adminRoleRequest{Address: bech32Of(newOracle)})

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/performance-oracle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/performance-oracle", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, bech32Of(f.admin)))
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, ok, err := f.registry.PerformanceOracle()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newOracle, got)
}

// settledMetric scrapes the daemon's own /metrics endpoint for the settled
// counter. Tests assert deltas because the registry is process-wide.
func settledMetric(t *testing.T, f *serverFixture, direction string) float64 {
	t.Helper()
	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	prefix := fmt.Sprintf("adledger_escrow_settled_total{direction=%q} ", direction)
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, prefix) {
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, prefix)), 64)
			require.NoError(t, err)
			return value
		}
	}
	return 0
}

func TestSettledMetricTracksReleasedAmount(t *testing.T) {
	f := newServerFixture(t)
	view := f.createEscrow(t)
	f.do(t, approverKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/approve", view.ID), nil, uuid.NewString())
	perf, _ := json.Marshal(performanceReportRequest{CurrentPerformancePct: 80})
	f.do(t, oracleKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/performance", view.ID), perf, uuid.NewString())
	f.now += 3601

	before := settledMetric(t, f, "release")
	rec := f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.InDelta(t, 1000, settledMetric(t, f, "release")-before, 0.0001)

	// A second release finds nothing locked and settles nothing further.
	rec = f.do(t, depositorKey, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", view.ID), nil, uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1000, settledMetric(t, f, "release")-before, 0.0001)
}

func TestServerFundedFromConfigGenesis(t *testing.T) {
	depositor := fixtureAddr(0x01)
	admin := fixtureAddr(0x05)
	configBody := fmt.Sprintf(`
listen = ":0"
admin_jwt_secret = %q
genesis_admin = %q

[[api_keys]]
key = %q
secret = %q
identity = %q

[[genesis_accounts]]
address = %q
balance = "2500"
`, adminJWTSecret, bech32Of(admin), depositorKey, sharedSecret, bech32Of(depositor), bech32Of(depositor))

	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(configBody), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.GenesisAccounts, 1)

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)
	require.NoError(t, applyGenesisAllocations(manager, cfg.GenesisAccounts))
	// Reapplying simulates a restart; balances must not be minted twice.
	require.NoError(t, applyGenesisAllocations(manager, cfg.GenesisAccounts))
	acc, err := manager.GetAccount(depositor[:])
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Cmp(big.NewInt(2500)))

	registry := roles.NewRegistry(manager)
	require.NoError(t, registry.Bootstrap(cfg.GenesisAdmin))

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetRoles(registry)
	now := int64(1_700_000_000)
	engine.SetNowFunc(func() int64 { return now })

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	authenticator := auth.NewAuthenticator(cfg.Credentials, cfg.TimestampSkew, cfg.NonceTTL, cfg.NonceCapacity,
		func() time.Time { return time.Unix(now, 0) }, nil)
	adminVerifier, err := NewAdminVerifier(cfg.AdminJWTSecret, nil)
	require.NoError(t, err)
	server := NewServer(authenticator, engine, registry, store, adminVerifier, nil)

	body, err := json.Marshal(createEscrowRequest{
		Beneficiary:      bech32Of(fixtureAddr(0x0A)),
		Amount:           "2000",
		ExpiresInSeconds: 86400,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(body))
	timestamp := strconv.FormatInt(now, 10)
	nonce := uuid.NewString()
	req.Header.Set(auth.HeaderAPIKey, depositorKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	sig := auth.ComputeSignature(sharedSecret, timestamp, nonce, http.MethodPost, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	req.Header.Set(headerIdempotencyKey, uuid.NewString())
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAdminEndpointRejectsNonAdminSubject(t *testing.T) {
	f := newServerFixture(t)
	body, _ := json.Marshal(adminRoleRequest{Address: bech32Of(fixtureAddr(0x0B))})

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/fraud-authority", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, bech32Of(fixtureAddr(0x66))))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
