package roles

import "errors"

// storage abstracts the subset of state manager functionality required by
// the role registry.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	adminKey             = []byte("roles/admin")
	performanceOracleKey = []byte("roles/performance-oracle")
	fraudAuthorityKey    = []byte("roles/fraud-authority")
)

var (
	// ErrNotInitialized marks reads before the admin has been bootstrapped.
	ErrNotInitialized = errors.New("roles: registry not initialized")
	// ErrAlreadyInitialized is returned when bootstrapping twice.
	ErrAlreadyInitialized = errors.New("roles: already initialized")
	// ErrUnauthorized marks role mutations from non-admin callers.
	ErrUnauthorized = errors.New("roles: admin authorization required")
)

// Registry persists the platform admin plus the designated performance
// oracle and fraud authority. The escrow engine authenticates oracle and
// fraud-hold callers against these entries per call.
type Registry struct {
	store storage
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store storage) *Registry {
	return &Registry{store: store}
}

// Bootstrap records the platform admin exactly once.
func (r *Registry) Bootstrap(admin [20]byte) error {
	if r == nil || r.store == nil {
		return ErrNotInitialized
	}
	var existing [20]byte
	ok, err := r.store.KVGet(adminKey, &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	return r.store.KVPut(adminKey, &admin)
}

// IsAdmin reports whether addr is the bootstrapped platform admin.
func (r *Registry) IsAdmin(addr [20]byte) (bool, error) {
	if r == nil || r.store == nil {
		return false, ErrNotInitialized
	}
	var admin [20]byte
	ok, err := r.store.KVGet(adminKey, &admin)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return admin == addr, nil
}

// SetPerformanceOracle designates the single identity allowed to report
// delivery metrics. Admin only.
func (r *Registry) SetPerformanceOracle(admin, oracle [20]byte) error {
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	return r.store.KVPut(performanceOracleKey, &oracle)
}

// SetFraudAuthority designates the single identity allowed to place fraud
// holds. Admin only.
func (r *Registry) SetFraudAuthority(admin, authority [20]byte) error {
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	return r.store.KVPut(fraudAuthorityKey, &authority)
}

// PerformanceOracle returns the configured oracle identity, if any.
func (r *Registry) PerformanceOracle() ([20]byte, bool, error) {
	return r.roleGet(performanceOracleKey)
}

// FraudAuthority returns the configured fraud authority identity, if any.
func (r *Registry) FraudAuthority() ([20]byte, bool, error) {
	return r.roleGet(fraudAuthorityKey)
}

func (r *Registry) roleGet(key []byte) ([20]byte, bool, error) {
	if r == nil || r.store == nil {
		return [20]byte{}, false, ErrNotInitialized
	}
	var addr [20]byte
	ok, err := r.store.KVGet(key, &addr)
	if err != nil {
		return [20]byte{}, false, err
	}
	return addr, ok, nil
}

func (r *Registry) requireAdmin(caller [20]byte) error {
	ok, err := r.IsAdmin(caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}
