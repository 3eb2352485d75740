package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller identified by a bearer token.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Verifier authenticates a control request.
type Verifier interface {
	Verify(r *http.Request) (*Principal, error)
}

// JWKSVerifier checks RS/ES-signed tokens against a cached remote key set.
type JWKSVerifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewJWKSVerifier registers jwksURL with an auto-refreshing cache and warms it.
// The cache refreshes in the background until ctx is done.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWKSVerifier{jwksURL: jwksURL, cache: cache}, nil
}

func (v *JWKSVerifier) Verify(r *http.Request) (*Principal, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("load key set: %w", err)
	}

	token, err := jwt.ParseRequest(r, jwt.WithKeySet(keySet), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing user ID (subject)")
	}

	p := &Principal{ID: token.Subject()}
	if v, ok := token.Get("email"); ok {
		p.Email, _ = v.(string)
	}
	if v, ok := token.Get("name"); ok {
		p.Name, _ = v.(string)
	}
	return p, nil
}

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(r *http.Request) (*Principal, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return nil, errors.New("missing authorization header")
	}
	raw = strings.TrimPrefix(raw, "Bearer ")

	claims := gojwt.MapClaims{}
	token, err := gojwt.ParseWithClaims(raw, claims, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, gojwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.New("token missing user ID (subject)")
	}
	p := &Principal{ID: sub}
	p.Email, _ = claims["email"].(string)
	p.Name, _ = claims["name"].(string)
	return p, nil
}
