package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "polichat-auth"
	defaultJWTAudience = "polichat-api"
)

var defaultJWTLeeway = 30 * time.Second

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTSessionStore issues and validates HS256 bearer tokens. The service both
// signs and verifies its own tokens, so a shared secret is sufficient.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	revoker TokenRevoker

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTSessionStore builds an HS256 session store.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if len(strings.TrimSpace(secret)) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewSession creates a signed JWT whose subject is the user's email.
func (s *JWTSessionStore) NewSession(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        randomHexID(12),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// SubjectFromToken validates a JWT and returns the subject. Every failure
// mode (bad signature, expiry, revocation, malformed claims) collapses into
// one error so callers surface a uniform unauthenticated outcome.
func (s *JWTSessionStore) SubjectFromToken(token string) (string, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return "", err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return "", err
		}
		if revoked {
			return "", errors.New("token revoked")
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token subject missing")
	}
	return claims.Subject, nil
}

// DeleteSession revokes the token until it expires.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *JWTSessionStore) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unsupported signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	return claims, nil
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}

var _ SessionStore = (*JWTSessionStore)(nil)
