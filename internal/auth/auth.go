// Package auth owns MUD identity: API keys, the bearer tokens issued for
// them, and the registry binding each authenticated MUD to one live
// connection.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"

	"github.com/mudvault/mesh/internal/store"
)

// ErrUnknownMud is returned when no API key is registered for the MUD.
var ErrUnknownMud = errors.New("mud is not registered")

// ErrBadCredentials is returned when a credential does not match.
var ErrBadCredentials = errors.New("credentials do not match")

// ErrTokenRevoked is returned when a bearer token has been revoked.
var ErrTokenRevoked = errors.New("token has been revoked")

// ErrDuplicateSession is returned under the refuse policy when a MUD that
// already holds a live connection authenticates again.
var ErrDuplicateSession = errors.New("mud already has a live connection")

// apiKeyPrefix marks mesh API keys so they are recognizable in vaults and
// never mistaken for bearer tokens.
const apiKeyPrefix = "mvk_"

const defaultTokenTTL = 168 * time.Hour

const issuer = "mudvault-mesh"

// DuplicatePolicy decides what happens when a MUD authenticates while it
// already has a live connection.
type DuplicatePolicy string

const (
	// DisplaceOld closes the existing connection and binds the new one.
	DisplaceOld DuplicatePolicy = "displace"
	// RefuseNew rejects the new connection and keeps the existing one.
	RefuseNew DuplicatePolicy = "refuse"
)

// Options configures the auth service.
type Options struct {
	// TokenSecret signs bearer tokens. Required.
	TokenSecret string `json:"token_secret"`

	// TokenTTL bounds bearer token lifetime. Defaults to one week.
	TokenTTL time.Duration `json:"token_ttl"`

	// DuplicateConnections picks the duplicate-session policy. Defaults
	// to displacing the old connection.
	DuplicateConnections DuplicatePolicy `json:"duplicate_connections"`
}

// Claims is the bearer token body. Subject carries the MUD name.
type Claims struct {
	jwt.RegisteredClaims
}

// Service implements authentication against the shared store.
type Service struct {
	store *store.Store
	log   zerolog.Logger

	secret   []byte
	tokenTTL time.Duration

	sessions *SessionRegistry
}

// NewService builds the auth service. The token secret must be non-empty;
// every gateway instance in a mesh must share it.
func NewService(st *store.Store, opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.TokenSecret == "" {
		return nil, errors.New("auth: token secret is required")
	}

	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	policy := opts.DuplicateConnections
	if policy == "" {
		policy = DisplaceOld
	}

	return &Service{
		store:    st,
		log:      logger.With().Str("component", "auth").Logger(),
		secret:   []byte(opts.TokenSecret),
		tokenTTL: ttl,
		sessions: NewSessionRegistry(policy),
	}, nil
}

// Sessions exposes the live-session registry.
func (s *Service) Sessions() *SessionRegistry {
	return s.sessions
}

// RegisterMud mints an API key for a MUD and stores its hash. The plain
// key is returned exactly once; only the hash survives.
func (s *Service) RegisterMud(ctx context.Context, mud string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", xerrors.Errorf("generate api key: %w", err)
	}
	key := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Errorf("hash api key: %w", err)
	}

	if err := s.store.Set(ctx, s.store.KeyAPIKeyHash(mud), string(hash), 0); err != nil {
		return "", xerrors.Errorf("store api key: %w", err)
	}

	s.log.Info().Str("mud", mud).Msg("Registered MUD")

	return key, nil
}

// VerifyAPIKey checks a plain API key against the stored hash.
func (s *Service) VerifyAPIKey(ctx context.Context, mud, key string) error {
	hash, err := s.store.Get(ctx, s.store.KeyAPIKeyHash(mud))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownMud
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrBadCredentials
	}

	return nil
}

// IssueToken exchanges a valid API key for a bearer token.
func (s *Service) IssueToken(ctx context.Context, mud, apiKey string) (string, error) {
	if err := s.VerifyAPIKey(ctx, mud, apiKey); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   mud,
			ID:        uuid.New().String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", xerrors.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// VerifyToken validates a bearer token and returns the MUD it names.
func (s *Service) VerifyToken(ctx context.Context, tokenStr string) (string, error) {
	claims, err := s.parseToken(tokenStr)
	if err != nil {
		return "", err
	}

	_, err = s.store.Get(ctx, s.store.KeyRevokedToken(claims.ID))
	switch {
	case err == nil:
		return "", ErrTokenRevoked
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", err
	}

	return claims.Subject, nil
}

// RevokeToken invalidates a bearer token for the rest of its lifetime.
func (s *Service) RevokeToken(ctx context.Context, tokenStr string) error {
	claims, err := s.parseToken(tokenStr)
	if err != nil {
		return err
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}

	return s.store.Set(ctx, s.store.KeyRevokedToken(claims.ID), "1", remaining)
}

func (s *Service) parseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrBadCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrBadCredentials
	}

	return claims, nil
}

// Authenticate verifies an auth payload's credential. The token field
// carries either a bearer token previously issued for the MUD or the raw
// API key itself; original clients send the key directly.
func (s *Service) Authenticate(ctx context.Context, mud, credential string) error {
	if credential == "" {
		return ErrBadCredentials
	}

	if looksLikeToken(credential) {
		subject, err := s.VerifyToken(ctx, credential)
		if err == nil {
			if subject != mud {
				return ErrBadCredentials
			}
			return nil
		}
		if errors.Is(err, ErrTokenRevoked) {
			return err
		}
		// Fall through: an oddly shaped API key could still match.
	}

	return s.VerifyAPIKey(ctx, mud, credential)
}

// looksLikeToken reports whether the credential is shaped like a signed
// bearer token rather than an API key.
func looksLikeToken(credential string) bool {
	return !strings.HasPrefix(credential, apiKeyPrefix) && strings.Count(credential, ".") == 2
}
