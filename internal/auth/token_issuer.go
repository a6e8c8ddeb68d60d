// Package auth validates the bearer tokens the upstream login service
// issues. The sync core trusts the resulting identity unconditionally.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * 24 * time.Hour

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingSubject       = errors.New("auth: subject must be provided")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
)

// Claims is the JWT payload shared with the login service. Premium mirrors
// the subscription state at issue time and gates sync when premium-only mode
// is on.
type Claims struct {
	Premium          bool  `json:"premium,omitempty"`
	PremiumExpiresAt int64 `json:"premium_exp,omitempty"`
	jwt.RegisteredClaims
}

// PremiumActive reports whether the premium entitlement is still valid at the
// given instant. A premium claim with no expiry never lapses.
func (c Claims) PremiumActive(at time.Time) bool {
	if !c.Premium {
		return false
	}
	if c.PremiumExpiresAt == 0 {
		return true
	}
	return at.UnixMilli() < c.PremiumExpiresAt
}

// TokenIssuerConfig configures HS256 token issue and validation.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the bearer tokens used on sync routes.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// Issue produces a signed token for the subject together with its expiry in
// seconds. premiumUntil is zero for non-premium users.
func (i *TokenIssuer) Issue(subject string, premium bool, premiumUntil time.Time) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, ErrMissingSigningSecret
	}
	if subject == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)

	claims := Claims{
		Premium: premium,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if premium && !premiumUntil.IsZero() {
		claims.PremiumExpiresAt = premiumUntil.UnixMilli()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks the token signature, issuer, audience, and expiry, and
// returns the claims.
func (i *TokenIssuer) Validate(tokenString string) (Claims, error) {
	if len(i.config.SigningSecret) == 0 {
		return Claims{}, ErrMissingSigningSecret
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}
