package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
)

// Persisted keys.
const (
	KeyAccessToken   = "gmail_access_token"
	KeyRefreshToken  = "gmail_refresh_token"
	KeyAccessExpiry  = "gmail_access_token_expiry"
	KeyLastHistoryID = "gmail_last_history_id"
)

// CredentialStore owns the persisted credential and sync cursor.
type CredentialStore struct {
	kv KV
}

func NewCredentialStore(kv KV) *CredentialStore {
	return &CredentialStore{kv: kv}
}

// LoadCredential returns nil, nil when no refresh token is stored.
func (s *CredentialStore) LoadCredential(ctx context.Context) (*auth.Credential, error) {
	refresh, ok, err := s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if !ok || refresh == "" {
		return nil, nil
	}

	access, _, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, err
	}

	var expiry int64
	raw, ok, err := s.kv.Get(ctx, KeyAccessExpiry)
	if err != nil {
		return nil, err
	}
	if ok && raw != "" {
		// unparseable expiry reads as already expired
		expiry, _ = strconv.ParseInt(raw, 10, 64)
	}

	return &auth.Credential{AccessToken: access, RefreshToken: refresh, ExpiryMillis: expiry}, nil
}

// SaveCredential writes all three credential fields. An empty access token is stored as absent.
func (s *CredentialStore) SaveCredential(ctx context.Context, cred *auth.Credential) error {
	if cred == nil {
		return errors.New("nil credential")
	}
	if cred.AccessToken == "" {
		if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
			return err
		}
	} else if err := s.kv.Set(ctx, KeyAccessToken, cred.AccessToken); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyRefreshToken, cred.RefreshToken); err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyAccessExpiry, strconv.FormatInt(cred.ExpiryMillis, 10))
}

// Invalidate removes the credential and the cursor. The next link starts from a fresh baseline.
func (s *CredentialStore) Invalidate(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyAccessExpiry, KeyLastHistoryID)
}

// Link stores a newly linked credential and drops any cursor left by a previous account.
func (s *CredentialStore) Link(ctx context.Context, cred *auth.Credential) error {
	if !cred.Usable() {
		return errors.New("refresh token is required to link")
	}
	if err := s.kv.Delete(ctx, KeyLastHistoryID); err != nil {
		return err
	}
	return s.SaveCredential(ctx, cred)
}

// LoadCursor returns the stored cursor, or zero (baseline) when absent or unparseable.
func (s *CredentialStore) LoadCursor(ctx context.Context) (*big.Int, error) {
	raw, ok, err := s.kv.Get(ctx, KeyLastHistoryID)
	if err != nil {
		return nil, err
	}
	cursor := new(big.Int)
	if !ok || raw == "" {
		return cursor, nil
	}
	if _, ok := cursor.SetString(raw, 10); !ok || cursor.Sign() < 0 {
		return new(big.Int), nil
	}
	return cursor, nil
}

// SaveCursor persists cursor only if it is strictly greater than the stored value.
// It reports whether the cursor was written.
func (s *CredentialStore) SaveCursor(ctx context.Context, cursor *big.Int) (bool, error) {
	if cursor == nil || cursor.Sign() <= 0 {
		return false, nil
	}
	current, err := s.LoadCursor(ctx)
	if err != nil {
		return false, err
	}
	if cursor.Cmp(current) <= 0 {
		return false, nil
	}
	if err := s.kv.Set(ctx, KeyLastHistoryID, cursor.String()); err != nil {
		return false, fmt.Errorf("save cursor: %w", err)
	}
	return true, nil
}

// ResetCursor returns the cursor to the baseline.
func (s *CredentialStore) ResetCursor(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyLastHistoryID)
}
