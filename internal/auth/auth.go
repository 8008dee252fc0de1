// Package auth authenticates the two kinds of hub connection named in
// spec.md §6: a human client subscribing to a channel, and a runtime
// registering its control channel. Both connection paths delegate to an
// injected verifier so the hub core never depends on a specific identity
// provider.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tymbal-dev/tymbal/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Identity is the unified identity returned by any ClientVerifier.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin" or "user"
	SpaceID  string
}

// ClientVerifier authenticates a human client's bearer token.
type ClientVerifier interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// RuntimeVerifier authenticates a runtime's connection credential.
type RuntimeVerifier interface {
	ValidateRuntimeToken(runtimeID, token string) bool
	GenerateRuntimeToken(runtimeID string) string
}

// Claims are the builtin provider's JWT claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	SpaceID  string `json:"sid"`
	jwt.RegisteredClaims
}

// Service is the builtin ClientVerifier + RuntimeVerifier: JWT bearer
// tokens for clients, HMAC time-limited or static tokens for runtimes.
// Identity storage (who has which password hash) is the concern of
// whatever admin tooling issues accounts; the Service only ever signs
// and validates tokens.
type Service struct {
	jwtSecret            []byte
	jwtExpiry            time.Duration
	runtimeTokens        map[string]string // runtime_id -> static token
	runtimeTokenSecret   string
	runtimeTokenLifetime time.Duration
	initialAdmin         *config.InitialAdmin
}

// NewService builds the builtin auth Service from a loaded AuthConfig.
func NewService(cfg config.AuthConfig) *Service {
	tokens := make(map[string]string, len(cfg.RuntimeTokens))
	for _, rt := range cfg.RuntimeTokens {
		tokens[rt.RuntimeID] = rt.Token
	}
	return &Service{
		jwtSecret:            []byte(cfg.JWTSecret),
		jwtExpiry:            cfg.JWTExpiry.Duration,
		runtimeTokens:        tokens,
		runtimeTokenSecret:   cfg.RuntimeTokenSecret,
		runtimeTokenLifetime: cfg.RuntimeTokenLifetime.Duration,
		initialAdmin:         cfg.InitialAdmin,
	}
}

func (s *Service) Name() string { return "builtin" }

// InitialAdminCredentials returns the configured bootstrap admin, if any,
// along with its bcrypt hash so the caller can seed its own user record.
func (s *Service) InitialAdminCredentials() (username, passwordHash string, ok bool) {
	if s.initialAdmin == nil {
		return "", "", false
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(s.initialAdmin.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", false
	}
	return s.initialAdmin.Username, string(hash), true
}

// Login verifies a password against a stored bcrypt hash and, on
// success, issues a signed JWT identifying userID/username/role/spaceID.
func (s *Service) Login(ctx context.Context, userID, username, password, passwordHash, role, spaceID string) (string, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.generateToken(userID, username, role, spaceID)
}

// ValidateToken validates a client bearer token and returns its Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		SpaceID:  claims.SpaceID,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) generateToken(userID, username, role, spaceID string) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		SpaceID:  spaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateRuntimeToken checks a runtime token: a static configured token
// first, then a time-limited HMAC token.
func (s *Service) ValidateRuntimeToken(runtimeID, token string) bool {
	if expected, ok := s.runtimeTokens[runtimeID]; ok && hmac.Equal([]byte(expected), []byte(token)) {
		return true
	}
	id, err := s.validateTimeLimitedToken(token)
	return err == nil && id == runtimeID
}

// GenerateRuntimeToken creates a time-limited HMAC token for bootstrap
// token exchange: "{runtimeID}:{unixTimestamp}:{hmac-sha256 hex}".
func (s *Service) GenerateRuntimeToken(runtimeID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.runtimeTokenSecret))
	mac.Write([]byte(runtimeID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return runtimeID + ":" + ts + ":" + sig
}

func (s *Service) validateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}
	runtimeID, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.runtimeTokenSecret))
	mac.Write([]byte(runtimeID + ":" + tsStr))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}
	age := time.Since(time.Unix(ts, 0))
	if age > s.runtimeTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -time.Minute {
		return "", errors.New("token from the future")
	}
	return runtimeID, nil
}
