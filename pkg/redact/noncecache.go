// Package redact implements the oracle's nonce-versioned HMAC redaction layer.
//
// Quoted evidence never leaves the engine in the clear: it is replaced by
// pattern-driven redactions and wrapped in a RedactedText whose MAC binds the
// displayed value to a versioned nonce. Nonces live in a fail-closed cache
// with a grace period so rotation never invalidates in-flight reports.
package redact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/secrets"
)

// NonceState is the lifecycle state of one nonce version in the cache.
type NonceState string

const (
	NonceActive  NonceState = "ACTIVE"
	NonceGrace   NonceState = "GRACE"
	NonceEvicted NonceState = "EVICTED"
)

const minNonceBytes = 32

// cachedNonce is one entry in the cache. Entries are owned by the cache and
// referenced from RedactedText values only by version string.
type cachedNonce struct {
	version    string
	macKey     []byte // HKDF-derived, never the raw secret
	state      NonceState
	loadedAt   time.Time
	graceUntil time.Time // set on transition to GRACE
}

// NonceCacheConfig configures TTL and grace behaviour.
type NonceCacheConfig struct {
	TTL         time.Duration `json:"ttl"`          // design default 1 hour
	GraceWindow time.Duration `json:"grace_window"` // default 1 hour; must be >= TTL
	NoncePrefix string        `json:"nonce_prefix"` // secret name prefix, e.g. "oracle/nonce/"
}

// DefaultNonceCacheConfig returns the designed defaults.
func DefaultNonceCacheConfig() NonceCacheConfig {
	return NonceCacheConfig{
		TTL:         time.Hour,
		GraceWindow: time.Hour,
		NoncePrefix: "oracle/nonce/",
	}
}

// Validate enforces the grace/TTL coupling: a grace window shorter than the
// TTL could evict a version mid-validation.
func (c NonceCacheConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("redact: nonce TTL must be positive, got %v", c.TTL)
	}
	if c.GraceWindow < c.TTL {
		return fmt.Errorf("redact: grace window %v must be >= nonce TTL %v", c.GraceWindow, c.TTL)
	}
	return nil
}

// NonceCache caches versioned nonce secrets fetched lazily from the secret
// store. Many verifications proceed in parallel under the read lock; loads
// and rotations take the write lock and complete before readers observe the
// new version.
type NonceCache struct {
	mu      sync.RWMutex
	cfg     NonceCacheConfig
	store   secrets.Store
	entries map[string]*cachedNonce
	current string // version used to produce new redactions

	degradedLoads atomic.Int64
	clock         func() time.Time
	logger        *slog.Logger
}

// NewNonceCache creates a cache backed by the given secret store.
func NewNonceCache(store secrets.Store, cfg NonceCacheConfig) (*NonceCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NonceCache{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*cachedNonce),
		clock:   time.Now,
		logger:  slog.Default().With("component", "noncecache"),
	}, nil
}

// WithClock overrides the clock for testing.
func (c *NonceCache) WithClock(clock func() time.Time) *NonceCache {
	c.clock = clock
	return c
}

// DegradedLoads reports how many times the cache served a stale entry after a
// load failure. Exposed for the observability layer.
func (c *NonceCache) DegradedLoads() int64 {
	return c.degradedLoads.Load()
}

// Activate loads the given version from the secret store and makes it the
// producer version. The previous producer, if different, enters its grace
// window. Failure to load fails closed unless a cached entry within its TTL
// exists, in which case the cache enters degraded mode for this version.
func (c *NonceCache) Activate(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	secret, err := c.store.GetSecret(ctx, c.cfg.NoncePrefix+version)
	if err != nil {
		// Fail closed unless a fresh cached copy exists.
		if entry, ok := c.entries[version]; ok && entry.state == NonceActive && now.Sub(entry.loadedAt) < c.cfg.TTL {
			c.degradedLoads.Add(1)
			c.logger.WarnContext(ctx, "nonce load failed, serving cached entry",
				"version", version, "error", err)
			c.promoteLocked(version, now)
			return nil
		}
		return fmt.Errorf("redact: load nonce %q: %w", version, err)
	}
	if len(secret) < minNonceBytes {
		return fmt.Errorf("redact: nonce %q too short: %d bytes (need >= %d)", version, len(secret), minNonceBytes)
	}

	key, err := deriveMACKey(secret, version)
	if err != nil {
		return fmt.Errorf("redact: derive MAC key for %q: %w", version, err)
	}

	c.entries[version] = &cachedNonce{
		version:  version,
		macKey:   key,
		state:    NonceActive,
		loadedAt: now,
	}
	c.promoteLocked(version, now)
	return nil
}

// promoteLocked makes version the producer and moves the predecessor into its
// grace window. Caller holds the write lock.
func (c *NonceCache) promoteLocked(version string, now time.Time) {
	if c.current != "" && c.current != version {
		if prev, ok := c.entries[c.current]; ok && prev.state == NonceActive {
			prev.state = NonceGrace
			prev.graceUntil = now.Add(c.cfg.GraceWindow)
		}
	}
	c.current = version
}

// CurrentVersion returns the version new redactions are produced under.
func (c *NonceCache) CurrentVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// State reports the lifecycle state of a version, applying lazy expiry.
func (c *NonceCache) State(version string) NonceState {
	c.mu.RLock()
	entry, ok := c.entries[version]
	if !ok {
		c.mu.RUnlock()
		return NonceEvicted
	}
	expired := entry.state == NonceGrace && !c.clock().Before(entry.graceUntil)
	c.mu.RUnlock()

	if expired {
		c.mu.Lock()
		if entry, ok := c.entries[version]; ok && entry.state == NonceGrace && !c.clock().Before(entry.graceUntil) {
			entry.state = NonceEvicted
			entry.macKey = nil
		}
		c.mu.Unlock()
		return NonceEvicted
	}
	return entry.state
}

// keyFor returns the MAC key for a version that is Active or in Grace. A
// version this process has never seen is fetched lazily from the secret
// store; a version that was seen and aged out stays evicted.
func (c *NonceCache) keyFor(version string) ([]byte, NonceState, error) {
	state := c.State(version)
	if state == NonceEvicted {
		c.mu.RLock()
		_, known := c.entries[version]
		c.mu.RUnlock()
		if known {
			return nil, state, &NonceValidationError{Version: version, Reason: "nonce version evicted"}
		}
		if err := c.loadForVerify(version); err != nil {
			return nil, NonceEvicted, &NonceValidationError{Version: version, Reason: "nonce version unknown and not in secret store"}
		}
		state = c.State(version)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[version]
	if !ok || entry.macKey == nil {
		return nil, NonceEvicted, &NonceValidationError{Version: version, Reason: "nonce version evicted or unknown"}
	}
	return entry.macKey, state, nil
}

// loadForVerify admits an unknown version into the cache so values produced
// by another process under a rotated nonce still verify. The producer version
// is left untouched.
func (c *NonceCache) loadForVerify(version string) error {
	ctx := context.Background()
	secret, err := c.store.GetSecret(ctx, c.cfg.NoncePrefix+version)
	if err != nil {
		return fmt.Errorf("redact: load nonce %q: %w", version, err)
	}
	if len(secret) < minNonceBytes {
		return fmt.Errorf("redact: nonce %q too short: %d bytes (need >= %d)", version, len(secret), minNonceBytes)
	}
	key, err := deriveMACKey(secret, version)
	if err != nil {
		return fmt.Errorf("redact: derive MAC key for %q: %w", version, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[version]; !ok {
		c.entries[version] = &cachedNonce{
			version:  version,
			macKey:   key,
			state:    NonceActive,
			loadedAt: c.clock(),
		}
	}
	return nil
}

// deriveMACKey expands the raw nonce secret into a 32-byte HMAC key bound to
// the version string, so rotating the version always rotates the key.
func deriveMACKey(secret []byte, version string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("phase-mirror/redact"), []byte(version))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NonceValidationError reports a MAC mismatch or an unusable nonce version.
type NonceValidationError struct {
	Version string
	Reason  string
}

func (e *NonceValidationError) Error() string {
	return fmt.Sprintf("redact: nonce validation failed (version %q): %s", e.Version, e.Reason)
}

// computeMAC produces the hex HMAC-SHA256 over canonical(value) || version.
func computeMAC(key []byte, canonicalValue []byte, version string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalValue)
	mac.Write([]byte(version))
	return mac.Sum(nil)
}

// macEqual is a constant-time MAC comparison.
func macEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
