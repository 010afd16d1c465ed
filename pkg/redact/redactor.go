package redact

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/canonicalize"
)

// RedactedText is an opaque value carrying a redacted string, a MAC over its
// canonical payload, and the nonce version the MAC was produced under.
// Constructed only by a Redactor; never mutated.
type RedactedText struct {
	Value        string `json:"value"`
	MAC          string `json:"mac"` // hex
	NonceVersion string `json:"nonceVersion"`
}

// Pattern is one redaction rule. Patterns apply in order of registration.
type Pattern struct {
	Name        string
	Expr        *regexp.Regexp
	Replacement string
}

// ValidationPolicy controls how whole-report validation treats MAC failures.
type ValidationPolicy int

const (
	// FailClosed blocks on any MAC mismatch. Report-boundary operations use
	// this by default.
	FailClosed ValidationPolicy = iota
	// FailOpen records the mismatch but does not block.
	FailOpen
)

// Redactor produces and verifies RedactedText values under the nonce cache.
type Redactor struct {
	cache    *NonceCache
	patterns []Pattern
}

// NewRedactor creates a redactor over the given cache with no patterns.
func NewRedactor(cache *NonceCache) *Redactor {
	return &Redactor{cache: cache}
}

// Register appends a pattern. Registration order is the application order.
func (r *Redactor) Register(name, expr, replacement string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("redact: compile pattern %q: %w", name, err)
	}
	r.patterns = append(r.patterns, Pattern{Name: name, Expr: re, Replacement: replacement})
	return nil
}

// MustRegister is Register that panics on a bad expression. For compiled-in
// pattern sets.
func (r *Redactor) MustRegister(name, expr, replacement string) {
	if err := r.Register(name, expr, replacement); err != nil {
		panic(err)
	}
}

// Redact applies the pattern set to input in registration order and wraps the
// result under the cache's current nonce version.
func (r *Redactor) Redact(input string) (RedactedText, error) {
	value := input
	for _, p := range r.patterns {
		value = p.Expr.ReplaceAllString(value, p.Replacement)
	}
	return r.Wrap(value)
}

// Wrap MACs an already-redacted value under the current nonce version.
func (r *Redactor) Wrap(value string) (RedactedText, error) {
	version := r.cache.CurrentVersion()
	if version == "" {
		return RedactedText{}, &NonceValidationError{Reason: "no active nonce version"}
	}

	key, _, err := r.cache.keyFor(version)
	if err != nil {
		return RedactedText{}, err
	}

	canonical, err := canonicalize.JCS(value)
	if err != nil {
		return RedactedText{}, fmt.Errorf("redact: canonicalise value: %w", err)
	}

	return RedactedText{
		Value:        value,
		MAC:          hex.EncodeToString(computeMAC(key, canonical, version)),
		NonceVersion: version,
	}, nil
}

// Verify checks that t's MAC verifies under its nonce version. The version
// must be Active or in its grace window; comparison is constant-time.
func (r *Redactor) Verify(t RedactedText) error {
	key, _, err := r.cache.keyFor(t.NonceVersion)
	if err != nil {
		return err
	}

	canonical, err := canonicalize.JCS(t.Value)
	if err != nil {
		return fmt.Errorf("redact: canonicalise value: %w", err)
	}

	want := computeMAC(key, canonical, t.NonceVersion)
	got, err := hex.DecodeString(t.MAC)
	if err != nil {
		return &NonceValidationError{Version: t.NonceVersion, Reason: "malformed MAC encoding"}
	}
	if !macEqual(want, got) {
		return &NonceValidationError{Version: t.NonceVersion, Reason: "MAC mismatch"}
	}
	return nil
}

// VerifyAll validates a batch under the given policy. Under FailClosed the
// first failure is returned; under FailOpen all failures are collected and
// returned as warnings with a nil blocking error.
func (r *Redactor) VerifyAll(batch []RedactedText, policy ValidationPolicy) (warnings []error, err error) {
	for i := range batch {
		if verr := r.Verify(batch[i]); verr != nil {
			if policy == FailClosed {
				return nil, verr
			}
			warnings = append(warnings, verr)
		}
	}
	return warnings, nil
}
