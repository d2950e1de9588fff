// Package auth issues and checks bearer tokens for bot clients of the HTTP API
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid client or secret")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const issuer = "squad-tracker"

// Claims identifies the bot client a token was issued to
type Claims struct {
	Client string `json:"client"`
	jwt.RegisteredClaims
}

// Service authenticates configured clients and signs their tokens
type Service struct {
	jwtSecret     []byte
	tokenDuration time.Duration
	clients       map[string]string // name -> bcrypt hash
	now           func() time.Time
}

// NewService creates an auth service. clients maps client names to bcrypt
// hashes of their secrets.
func NewService(jwtSecret string, tokenDuration time.Duration, clients map[string]string) *Service {
	if tokenDuration == 0 {
		tokenDuration = time.Hour
	}
	return &Service{
		jwtSecret:     []byte(jwtSecret),
		tokenDuration: tokenDuration,
		clients:       clients,
		now:           time.Now,
	}
}

// HashSecret creates a bcrypt hash of a client secret
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckSecret compares a secret against a hash
func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Authenticate checks a client's secret and returns a signed token
func (s *Service) Authenticate(client, secret string) (string, error) {
	hash, ok := s.clients[client]
	if !ok || !CheckSecret(secret, hash) {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken(client)
}

// GenerateToken creates a JWT for client
func (s *Service) GenerateToken(client string) (string, error) {
	now := s.now()
	claims := Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   client,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a JWT and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Client == "" {
		return nil, ErrInvalidToken
	}
	if _, known := s.clients[claims.Client]; !known {
		// client removed from config since the token was issued
		return nil, ErrInvalidToken
	}
	return claims, nil
}
