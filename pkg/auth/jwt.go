package auth

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the API expects.
type Claims struct {
	jwt.RegisteredClaims
	Org  string `json:"org"`
	Role string `json:"role"`
}

// Validator verifies bearer tokens. Exactly one of an HMAC secret or a
// public key is configured.
type Validator struct {
	hmacSecret []byte
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	leeway     time.Duration
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	HMACSecret string
	// PublicKeyPEM is an RSA or ECDSA public key for RS256/ES256 tokens.
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// NewValidator returns nil with no error when no key is configured; the
// middleware then fails closed.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	v := &Validator{issuer: cfg.Issuer, audience: cfg.Audience, leeway: 30 * time.Second}
	switch {
	case cfg.PublicKeyPEM != "":
		if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM)); err == nil {
			v.publicKey = key
		} else if key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.PublicKeyPEM)); err == nil {
			v.publicKey = key
		} else {
			return nil, errors.New("public key is neither RSA nor ECDSA PEM")
		}
	case cfg.HMACSecret != "":
		v.hmacSecret = []byte(cfg.HMACSecret)
	default:
		return nil, nil
	}
	return v, nil
}

func (v *Validator) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.hmacSecret == nil {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.hmacSecret, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		if v.publicKey == nil {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.publicKey, nil
	}
	return nil, fmt.Errorf("unsupported signing method %s", t.Method.Alg())
}

// Validate parses tokenStr and returns its principal. Subject and org are
// required.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(v.leeway),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "ES256"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	if claims.Org == "" {
		return nil, errors.New("token org binding is required")
	}
	return &Principal{Subject: claims.Subject, Org: claims.Org, Role: claims.Role}, nil
}

// SignHMAC issues an HS256 token. Used by the CLI and tests.
func SignHMAC(secret string, subject, org, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Org:  org,
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
