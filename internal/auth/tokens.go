package auth

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/events"
)

// Store persists the credential. LoadCredential returns nil, nil when nothing is linked.
type Store interface {
	LoadCredential(ctx context.Context) (*Credential, error)
	SaveCredential(ctx context.Context, cred *Credential) error
	Invalidate(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new access token and its expiry (epoch ms).
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiryMillis int64, err error)
}

// TokenManager owns the in-memory credential and its refresh lifecycle.
type TokenManager struct {
	store     Store
	refresher Refresher
	events    events.Emitter
	log       zerolog.Logger
	now       func() time.Time

	mu   gosync.Mutex
	cred *Credential
}

// NewTokenManager creates a manager; the credential is loaded lazily on first use.
func NewTokenManager(store Store, refresher Refresher, emitter events.Emitter, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		store:     store,
		refresher: refresher,
		events:    emitter,
		log:       log,
		now:       time.Now,
	}
}

// EnsureUsable returns a credential whose access token is fresh, refreshing it through
// the backend when needed. A failed refresh invalidates the link and emits onGmailLinkExpired.
func (m *TokenManager) EnsureUsable(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil {
		cred, err := m.store.LoadCredential(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("load credential: %w", err)
		}
		m.cred = cred
	}

	if !m.cred.Usable() {
		m.cred = nil
		return Credential{}, &AuthError{Reason: NoCredential, Message: "no linked Gmail account"}
	}

	if m.cred.Fresh(m.now()) {
		return *m.cred, nil
	}

	m.log.Debug().Time("expiry", m.cred.Expiry()).Msg("access token stale, refreshing")

	// A refresh already on the wire runs to completion or to the client timeout.
	access, expiry, err := m.refresher.Refresh(context.WithoutCancel(ctx), m.cred.RefreshToken)
	if errors.Is(err, context.Canceled) {
		return Credential{}, err
	}
	if err == nil && (access == "" || expiry <= 0) {
		err = fmt.Errorf("refresh response missing access_token or expiry_timestamp_ms")
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to refresh Gmail access: %v. Please re-link Gmail.", err)
		m.invalidateLocked(ctx, msg)
		return Credential{}, &AuthError{Reason: LinkExpired, Message: "token refresh failed", Err: err}
	}

	updated := &Credential{
		AccessToken:  access,
		RefreshToken: m.cred.RefreshToken,
		ExpiryMillis: expiry,
	}
	if err := m.store.SaveCredential(ctx, updated); err != nil {
		// The new token is still valid for this cycle; persisting is retried on the next refresh.
		m.log.Error().Err(err).Msg("persist refreshed credential")
	}
	m.cred = updated

	m.log.Info().Time("expiry", updated.Expiry()).Msg("access token refreshed")
	return *updated, nil
}

// Invalidate clears the stored and in-memory credential and tells the host the link expired.
func (m *TokenManager) Invalidate(ctx context.Context, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(ctx, message)
}

func (m *TokenManager) invalidateLocked(ctx context.Context, message string) {
	m.log.Warn().Str("reason", message).Msg("invalidating Gmail credential")
	if err := m.store.Invalidate(ctx); err != nil {
		m.log.Error().Err(err).Msg("clear stored credential")
	}
	m.cred = nil
	m.events.Emit(events.GmailLinkExpired, events.LinkExpired{Message: message})
}

// Forget drops the in-memory copy so the next EnsureUsable reloads from the store.
func (m *TokenManager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
}
