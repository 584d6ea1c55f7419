package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Claims struct {
	Sub      int64  `json:"sub"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	CenterID *int64 `json:"center_id,omitempty"`
	jwt.RegisteredClaims
}

var signingMethods = map[string]jwt.SigningMethod{
	jwt.SigningMethodHS256.Alg(): jwt.SigningMethodHS256,
	jwt.SigningMethodHS384.Alg(): jwt.SigningMethodHS384,
	jwt.SigningMethodHS512.Alg(): jwt.SigningMethodHS512,
}

// Signer issues and verifies access tokens for one issuer and audience.
type Signer struct {
	secret   []byte
	method   jwt.SigningMethod
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

type SignerOption func(*Signer)

func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

func NewSigner(secret, alg, issuer, audience string, ttl time.Duration, opts ...SignerOption) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	method, ok := signingMethods[alg]
	if !ok {
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q", alg)
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	s := &Signer{
		secret:   []byte(secret),
		method:   method,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue signs a token for subj.
func (s *Signer) Issue(subj *Subject) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		Sub:      subj.ID,
		Email:    subj.Email,
		Role:     subj.Role,
		CenterID: subj.CenterID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies signature, algorithm, expiry, issuer and audience.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	tok, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Sub <= 0 || claims.Role == RoleUnknown {
		return nil, errors.New("token missing subject or role")
	}
	return claims, nil
}
