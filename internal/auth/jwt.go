package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
)

const issuer = "loraedge-tracker"

// ErrInvalidToken is returned for tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// JWTManager manages operator tokens
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	// Refresh marks refresh tokens, which the API does not accept for access
	Refresh bool `json:"refresh,omitempty"`
}

// GenerateTokenPair generates access and refresh tokens for an operator
func (m *JWTManager) GenerateTokenPair(subject string) (string, string, error) {
	if subject == "" {
		return "", "", fmt.Errorf("token subject is required")
	}

	access, err := m.sign(subject, m.config.AccessTokenTTL, false)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := m.sign(subject, m.config.RefreshTokenTTL, true)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}

	return access, refresh, nil
}

func (m *JWTManager) sign(subject string, ttl time.Duration, refresh bool) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Refresh: refresh,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

func (m *JWTManager) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, fmt.Errorf("%w: refresh token used for access", ErrInvalidToken)
	}
	return claims, nil
}

// RefreshToken issues a new pair for the subject of a refresh token
func (m *JWTManager) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := m.parse(refreshTokenString)
	if err != nil {
		return "", "", err
	}
	if !claims.Refresh {
		return "", "", fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return m.GenerateTokenPair(claims.Subject)
}
