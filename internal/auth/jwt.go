package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims represents JWT payload.
type Claims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
	jwt.RegisteredClaims
}

// Issue issues signed access and refresh tokens. Production credentials come from the
// identity provider; this is used by attendctl and tests.
func Issue(subject string, role Role, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	accessToken, err := sign(subject, role, issuer, key, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(subject, role, issuer, key, now, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func sign(subject string, role Role, issuer, key string, issuedAt, exp time.Time) (string, error) {
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// JWTVerifier resolves HS256 bearer tokens into principals.
type JWTVerifier struct {
	SigningKey string
	Issuer     string
}

// NewJWTVerifier creates a verifier for tokens signed with key by issuer.
func NewJWTVerifier(key, issuer string) *JWTVerifier {
	return &JWTVerifier{SigningKey: key, Issuer: issuer}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	claims, err := Parse(token, v.SigningKey, v.Issuer)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{ID: claims.Subject, Role: claims.Role}
	if p.ID == "" {
		return Principal{}, errors.New("token has no subject")
	}
	if !p.Role.Valid() {
		return Principal{}, errors.New("token has unknown role")
	}
	return p, nil
}
