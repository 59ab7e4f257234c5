package auth

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ziadkadry99/contentintel/internal/apperr"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 access tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token service. secret must be at least 32 bytes.
func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a. A zero ttl uses the configured default.
func (t *Tokens) Issue(a Actor, ttl time.Duration) (string, error) {
	if a.ID == "" {
		return "", apperr.InvalidArgument("actor id is required")
	}
	if !a.Role.Valid() {
		return "", apperr.InvalidArgument("unknown role %q", a.Role)
	}
	if ttl <= 0 {
		ttl = t.ttl
	}

	now := t.now()
	claims := Claims{
		Role: string(a.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   a.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "auth: sign token")
	}
	return signed, nil
}

// Verify parses token and returns the actor and claims it carries. Any
// failure is reported as Unauthenticated.
func (t *Tokens) Verify(token string) (Actor, *Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, nil, apperr.Unauthenticated("invalid token: %v", err)
	}

	actor := Actor{ID: claims.Subject, Role: permission.Role(claims.Role)}
	if actor.ID == "" || !actor.Role.Valid() {
		return Actor{}, nil, apperr.Unauthenticated("token does not name a valid actor")
	}
	return actor, &claims, nil
}
