// Package auth gates the admin surface behind a single operator
// password. Successful logins get a short-lived JWT session token;
// every admin request carries either that token or the password.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrRequired marks a request that carried no credentials at all.
	ErrRequired = errors.New("authentication required")
	// ErrInvalid marks credentials that were present but wrong.
	ErrInvalid = errors.New("invalid credentials")
)

const tokenIssuer = "warden"

// Claims is the session token payload. The gateway has exactly one
// principal, so the registered claims are all it needs.
type Claims struct {
	jwt.RegisteredClaims
}

// Service verifies the operator password and issues/validates session
// tokens.
type Service struct {
	passwordHash []byte
	jwtSecret    []byte
	tokenTTL     time.Duration
}

// Options configures the service. PasswordHash wins when both it and
// Password are set; a plain Password is bcrypt-hashed at construction.
// An empty JWTSecret gets a random one, which means sessions do not
// survive a gateway restart.
type Options struct {
	Password     string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
}

func New(opts Options) (*Service, error) {
	var hash []byte
	switch {
	case opts.PasswordHash != "":
		hash = []byte(opts.PasswordHash)
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("password_hash is not a bcrypt hash: %w", err)
		}
	case opts.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = h
	default:
		return nil, errors.New("an admin password is required")
	}

	secret := []byte(opts.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}

	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	return &Service{passwordHash: hash, jwtSecret: secret, tokenTTL: ttl}, nil
}

// VerifyPassword checks the operator password.
func (s *Service) VerifyPassword(password string) error {
	if password == "" {
		return ErrRequired
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return ErrInvalid
	}
	return nil
}

// IssueToken mints a session token valid from now for the configured TTL.
func (s *Service) IssueToken(now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   "admin",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidateToken checks a session token's signature and lifetime.
func (s *Service) ValidateToken(tokenString string) error {
	if tokenString == "" {
		return ErrRequired
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return ErrInvalid
	}
	return nil
}
