package auth

import (
	"errors"
	"fmt"
	"time"
)

// FreshnessMargin is how far ahead of expiry an access token stops being used.
const FreshnessMargin = 5 * time.Minute

// Credential is the OAuth token set for the linked mailbox.
// Empty strings stand for absent tokens.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiryMillis int64 // epoch milliseconds
}

// Usable reports whether the credential can ever produce an access token.
func (c *Credential) Usable() bool {
	return c != nil && c.RefreshToken != ""
}

// Fresh reports whether the access token can be used as-is at now.
func (c *Credential) Fresh(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiryMillis > now.Add(FreshnessMargin).UnixMilli()
}

// Expiry returns the access-token expiry as a time.
func (c *Credential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiryMillis)
}

// Reason classifies an AuthError.
type Reason string

const (
	// NoCredential: nothing is linked, or the stored credential has no refresh token.
	NoCredential Reason = "no_credential"
	// LinkExpired: the refresh endpoint rejected the refresh token.
	LinkExpired Reason = "link_expired"
	// Unauthorized: a mailbox API call answered 401/403.
	Unauthorized Reason = "unauthorized"
)

// AuthError means the mailbox grant cannot be used until the host re-links.
type AuthError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Reason, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ReasonOf returns the reason of the first AuthError in err's chain, or "".
func ReasonOf(err error) Reason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ""
}
