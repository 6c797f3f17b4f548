package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	appErr "faasrt/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	tokenTypeAccess = "access"
)

// Credential is one admin API account. PasswordHash is a bcrypt hash.
type Credential struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"`
	Role         string `yaml:"role"`
}

// AuthConfig configures token issuing.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	JWTIssuer string        `yaml:"jwtIssuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
	Users     []Credential  `yaml:"users"`
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        string    `json:"role"`
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticator checks credentials and issues HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  map[string]Credential
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.JWTSecret == "" {
		return nil, appErr.ValidationError("jwtSecret", "required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	a := &Authenticator{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		ttl:    cfg.TokenTTL,
		users:  make(map[string]Credential, len(cfg.Users)),
	}
	for _, u := range cfg.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, appErr.ValidationError("users", "username and passwordHash required")
		}
		if u.Role == "" {
			u.Role = RoleViewer
		}
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			return nil, appErr.ValidationError("role", "must be admin or viewer")
		}
		a.users[u.Username] = u
	}
	return a, nil
}

// Login verifies username and password and issues an access token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (Token, error) {
	user, ok := a.users[strings.TrimSpace(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Token{}, appErr.New(appErr.InvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Token{}, appErr.New(appErr.InvalidCredentials)
	}
	return a.issue(user.Username, user.Role)
}

var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z2RuF9xAkyzTOWlPZ.aSW1ni")

func (a *Authenticator) issue(subject, role string) (Token, error) {
	now := time.Now()
	expiresAt := now.Add(a.ttl)
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return Token{}, appErr.Wrap(fmt.Errorf("generate token id failed: %w", err), appErr.TokenGenerationFailed)
	}
	claims := tokenClaims{
		Role:      role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        hex.EncodeToString(id),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Token{}, appErr.Wrap(fmt.Errorf("sign token failed: %w", err), appErr.TokenGenerationFailed)
	}
	return Token{AccessToken: raw, ExpiresAt: expiresAt, Role: role}, nil
}

// Authenticate validates a raw access token.
func (a *Authenticator) Authenticate(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, appErr.New(appErr.TokenExpired)
		}
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" {
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}
