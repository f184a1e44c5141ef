package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"peerconnect-server/internal/model"
)

// Verifier turns a bearer credential into an identity. Implementations must
// return an error wrapping model.ErrAuth for any rejected credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 24 * time.Hour,
		Issuer: "peerconnect",
	}
}

// CreateToken signs an HS256 token for identity. Used by tests and local tooling;
// production tokens come from the identity provider.
func CreateToken(identity model.Identity, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if identity.ID == "" {
		return "", errors.New("missing identity id")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	claims := Claims{
		UserID: identity.ID,
		Email:  identity.Email,
		Name:   identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.Expiry)),
			ID:        jti,
			Subject:   identity.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// JWTVerifier verifies HS256 tokens carrying sub, email and name claims.
type JWTVerifier struct {
	Config TokenConfig
}

var _ Verifier = JWTVerifier{}

func (v JWTVerifier) Verify(_ context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, fmt.Errorf("%w: missing token", model.ErrAuth)
	}
	claims, err := VerifyToken(token, v.Config)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrAuth, err)
	}
	if claims.UserID == "" {
		return model.Identity{}, fmt.Errorf("%w: missing subject", model.ErrAuth)
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}
	if name == "" {
		name = claims.UserID
	}
	return model.Identity{ID: claims.UserID, Email: claims.Email, DisplayName: name}, nil
}
