package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/policy"
)

// DefaultTokenExpiration is used when auth.token_expiration is unset.
const DefaultTokenExpiration = 24 * time.Hour

var (
	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSecret is returned when tokens are requested without a signing secret.
	ErrNoSecret = errors.New("auth.jwt_secret is not configured")
)

// Claims carries the caller identity. The user ID travels in the standard
// sub claim.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and validates API tokens.
type Auth struct {
	secret     []byte
	expiration time.Duration
}

// NewAuth creates an Auth from configuration.
func NewAuth(cfg config.AuthConfig) (*Auth, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	expiration := cfg.TokenExpiration
	if expiration == 0 {
		expiration = DefaultTokenExpiration
	}
	return &Auth{secret: []byte(cfg.JWTSecret), expiration: expiration}, nil
}

// GenerateToken signs a token for userID acting as role.
func (a *Auth) GenerateToken(userID string, role policy.Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if _, err := policy.ParseRole(string(role)); err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks tokenString and returns the caller it names.
func (a *Auth) ValidateToken(tokenString string) (policy.Subject, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return policy.Subject{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return policy.Subject{}, ErrInvalidToken
	}
	role, err := policy.ParseRole(claims.Role)
	if err != nil {
		return policy.Subject{}, ErrInvalidToken
	}

	return policy.Subject{UserID: claims.Subject, Role: role}, nil
}
