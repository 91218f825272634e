package admin

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenExpiration is the default lifetime for issued tokens.
	DefaultTokenExpiration = 24 * time.Hour

	// BcryptCost is the cost factor for bcrypt password hashing.
	BcryptCost = 12
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents the JWT claims for an operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService verifies the configured operator credential and issues JWTs.
// State is immutable after construction, so a token survives restarts as
// long as the secret does.
type AuthService struct {
	username        string
	passwordHash    string
	jwtSecret       []byte
	tokenExpiration time.Duration
}

// NewAuthService creates an auth service for the configured credential.
func NewAuthService(username, password, jwtSecret string, tokenExpiration time.Duration) (*AuthService, error) {
	if tokenExpiration == 0 {
		tokenExpiration = DefaultTokenExpiration
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	return &AuthService{
		username:        username,
		passwordHash:    hash,
		jwtSecret:       []byte(jwtSecret),
		tokenExpiration: tokenExpiration,
	}, nil
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Login verifies the credential and returns a signed token.
func (s *AuthService) Login(username, password string) (string, time.Time, error) {
	if username != s.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(password, s.passwordHash); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(s.tokenExpiration)
	token, err := s.GenerateToken(username)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken validates a JWT token and returns its claims.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken signs a new token for a username.
func (s *AuthService) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signedToken, nil
}
