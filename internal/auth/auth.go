// Package auth verifies login credentials and issues the tokens a client
// presents to resume without its password.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

const defaultIssuer = "cellworld"

type Config struct {
	// Users maps usernames to bcrypt hashes.
	Users    map[string]string
	Secret   []byte
	TokenTTL time.Duration
	Issuer   string
	Now      func() time.Time
}

type Claims struct {
	Username  string
	SessionID string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]string
}

func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &Authenticator{
		secret: append([]byte(nil), cfg.Secret...),
		ttl:    cfg.TokenTTL,
		issuer: cfg.Issuer,
		now:    cfg.Now,
		users:  map[string]string{},
	}
	for u, h := range cfg.Users {
		a.users[strings.TrimSpace(u)] = h
	}
	return a, nil
}

// HashPassword returns a bcrypt hash suitable for Config.Users.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("auth: empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// SetUser adds or replaces a user.
func (a *Authenticator) SetUser(username, hash string) {
	a.mu.Lock()
	a.users[username] = hash
	a.mu.Unlock()
}

func (a *Authenticator) CheckPassword(username, password string) error {
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || password == "" {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Issue signs a resume token for username.
func (a *Authenticator) Issue(username, sessionID string) (string, error) {
	now := a.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks a token's signature, issuer and expiry, and that its user
// still exists.
func (a *Authenticator) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	a.mu.RLock()
	_, ok := a.users[parsed.Subject]
	a.mu.RUnlock()
	if !ok {
		return Claims{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	return Claims{
		Username:  parsed.Subject,
		SessionID: parsed.SessionID,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}
