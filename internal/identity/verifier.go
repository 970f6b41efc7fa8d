// Package identity admits announced identities.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var (
	ErrEmptyIdentity     = fmt.Errorf("%w: identity is required", types.ErrAuthentication)
	ErrMalformedIdentity = fmt.Errorf("%w: identity is not a valid UUID", types.ErrAuthentication)
	ErrUnknownIdentity   = fmt.Errorf("%w: identity is not a known account", types.ErrAuthentication)
	ErrVerifyUnavailable = fmt.Errorf("%w: identity could not be verified", types.ErrAuthentication)
)

// Verifier confirms that an identity names a real account before a
// session is created for it.
type Verifier struct {
	store   interfaces.IdentityStore
	timeout time.Duration
	log     *slog.Logger
}

func NewVerifier(store interfaces.IdentityStore, timeout time.Duration, log *slog.Logger) *Verifier {
	return &Verifier{store: store, timeout: timeout, log: log}
}

// Verify returns nil when identity may be admitted. Every failure wraps
// types.ErrAuthentication; a slow or failing store rejects the identity.
func (v *Verifier) Verify(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if !types.IsValidIdentity(identity) {
		return ErrMalformedIdentity
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type lookup struct {
		exists bool
		err    error
	}
	// The store may ignore the deadline; the lookup result is abandoned
	// rather than waited for.
	done := make(chan lookup, 1)
	go func() {
		exists, err := v.store.IdentityExists(ctx, identity)
		done <- lookup{exists: exists, err: err}
	}()

	var exists bool
	var err error
	select {
	case r := <-done:
		exists, err = r.exists, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		v.log.Warn("Identity lookup failed",
			"identity", types.ShortID(identity),
			"error", err)
		return fmt.Errorf("%w: %w", ErrVerifyUnavailable, err)
	}
	if !exists {
		return ErrUnknownIdentity
	}
	return nil
}
