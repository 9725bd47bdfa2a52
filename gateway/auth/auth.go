package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
	defaultNonceCapacity = 4096
	pruneInterval        = time.Minute
)

// Credential pairs an API key's shared secret with the ledger identity the
// key is allowed to act as. The identity gate requires any asserted
// depositor or approver to match this binding.
type Credential struct {
	Secret   string
	Identity [20]byte
}

// Principal represents an authenticated API client and its bound identity.
type Principal struct {
	APIKey   string
	Identity [20]byte
}

// NoncePersistence provides durable storage for nonce usage so replay
// protection survives restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, apiKey, timestamp, nonce string, observed time.Time) (bool, error)
	Prune(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	credentials map[string]Credential
	skew        time.Duration
	nonceTTL    time.Duration
	capacity    int
	nowFn       func() time.Time

	mu         sync.Mutex
	nonces     map[string]time.Time
	lastPruned time.Time

	persistence NoncePersistence
}

// NewAuthenticator builds an Authenticator keyed by the provided
// credentials. A nil persistence keeps replay protection in memory only.
func NewAuthenticator(credentials map[string]Credential, skew, nonceTTL time.Duration, capacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	cloned := make(map[string]Credential, len(credentials))
	for key, cred := range credentials {
		cred.Secret = strings.TrimSpace(cred.Secret)
		cloned[strings.TrimSpace(key)] = cred
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &Authenticator{
		credentials: cloned,
		skew:        skew,
		nonceTTL:    nonceTTL,
		capacity:    capacity,
		nowFn:       nowFn,
		nonces:      make(map[string]time.Time),
		persistence: persistence,
	}
}

// Authenticate validates headers and signature, returning the caller
// principal with its bound ledger identity.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	cred, ok := a.credentials[apiKey]
	if !ok || cred.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(cred.Secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	duplicate, err := a.registerNonce(r.Context(), apiKey, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Identity: cred.Identity}, nil
}

func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	composite := strings.Join([]string{apiKey, timestamp, nonce}, "|")

	a.mu.Lock()
	a.evictLocked(now)
	if _, seen := a.nonces[composite]; seen {
		a.mu.Unlock()
		return true, nil
	}
	a.nonces[composite] = now
	a.mu.Unlock()

	if a.persistence == nil {
		return false, nil
	}
	if err := a.pruneDurable(ctx, now); err != nil {
		return false, err
	}
	existed, err := a.persistence.EnsureNonce(ctx, apiKey, timestamp, nonce, now)
	if err != nil {
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	return existed, nil
}

func (a *Authenticator) pruneDurable(ctx context.Context, now time.Time) error {
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= pruneInterval {
		if err := a.persistence.Prune(ctx, now.Add(-a.nonceTTL)); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

// evictLocked drops expired nonces and, when the cache is still above
// capacity, the oldest entries. Callers must hold the mutex.
func (a *Authenticator) evictLocked(now time.Time) {
	cutoff := now.Add(-a.nonceTTL)
	for key, observed := range a.nonces {
		if observed.Before(cutoff) {
			delete(a.nonces, key)
		}
	}
	for len(a.nonces) >= a.capacity {
		oldestKey := ""
		var oldest time.Time
		for key, observed := range a.nonces {
			if oldestKey == "" || observed.Before(oldest) {
				oldestKey = key
				oldest = observed
			}
		}
		delete(a.nonces, oldestKey)
	}
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
