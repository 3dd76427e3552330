package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"matcharena/broker/internal/player"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims captures the arena-specific JWT payload carried alongside the
// registered claims. The subject doubles as the player identifier.
type Claims struct {
	Name   string `json:"name,omitempty"`
	Skill  int    `json:"skill,omitempty"`
	Region string `json:"region,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 tokens and extracts the embedded player identity.
type TokenVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Verify parses the token, validates signature and expiry, and returns the player identity.
func (v *TokenVerifier) Verify(token string) (player.Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return player.Identity{}, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return player.Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return player.Identity{}, ErrExpiredToken
		}
		return player.Identity{}, ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return player.Identity{}, ErrInvalidToken
	}

	identity := player.Identity{
		ID:     player.ID(claims.Subject),
		Name:   claims.Name,
		Skill:  claims.Skill,
		Region: claims.Region,
	}
	return identity, nil
}

// Issue mints a signed token for the supplied identity, primarily for tooling and tests.
func Issue(secret string, identity player.Identity, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret must not be empty")
	}
	if !identity.Valid() {
		return "", errors.New("identity must carry an id")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := Claims{
		Name:   identity.Name,
		Skill:  identity.Skill,
		Region: identity.Region,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
