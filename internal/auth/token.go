package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrClaimNotFound = errors.New("claim not found")
	ErrWeakSecret    = errors.New("signing secret must be at least 256 bits")
)

const (
	// MinSecretBytes is the minimum HMAC-SHA256 signing secret length.
	MinSecretBytes  = 32
	DefaultTokenTTL = time.Hour

	rolesClaim = "roles"
)

// TokenService issues and validates HS256 signed tokens. It holds only read-only key
// material and is safe for concurrent use.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type TokenOption func(*TokenService)

// WithClock overrides the time source used for iat/exp and expiry checks.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService returns a service signing with secret. ttl <= 0 uses DefaultTokenTTL.
func NewTokenService(secret []byte, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	key := make([]byte, len(secret))
	copy(key, secret)

	s := &TokenService{secret: key, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue returns a signed token for p. Extra claims are copied first so sub, iat and exp
// always reflect p and the issue time. ttl <= 0 uses the service default.
func (s *TokenService) Issue(p Principal, extraClaims map[string]any, ttl time.Duration) (string, error) {
	if p.Username == "" {
		return "", errors.New("principal username is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()

	claims := jwt.MapClaims{}
	for k, v := range extraClaims {
		claims[k] = v
	}
	if _, ok := claims[rolesClaim]; !ok && len(p.Roles) > 0 {
		claims[rolesClaim] = p.Roles
	}
	claims["sub"] = p.Username
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate reports whether token carries a valid signature, has not expired and was
// issued to expectedSubject.
func (s *TokenService) Validate(token, expectedSubject string) bool {
	claims, err := s.parse(token, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			metrics.TokenValidationsTotal.WithLabelValues("expired").Inc()
		} else {
			metrics.TokenValidationsTotal.WithLabelValues("invalid").Inc()
		}
		return false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub != expectedSubject {
		metrics.TokenValidationsTotal.WithLabelValues("subject_mismatch").Inc()
		return false
	}
	metrics.TokenValidationsTotal.WithLabelValues("valid").Inc()
	return true
}

// ExtractClaim verifies the signature and returns the named claim. Expiry is not
// enforced here; use Validate before trusting the token.
func (s *TokenService) ExtractClaim(token, name string) (any, error) {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	v, ok := claims[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
	}
	return v, nil
}

// ExtractSubject returns the sub claim.
func (s *TokenService) ExtractSubject(token string) (string, error) {
	v, err := s.ExtractClaim(token, "sub")
	if err != nil {
		return "", err
	}
	sub, ok := v.(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub is not a string", ErrInvalidToken)
	}
	return sub, nil
}

// ExtractExpiration returns the exp claim as a time.
func (s *TokenService) ExtractExpiration(token string) (time.Time, error) {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("%w: exp", ErrClaimNotFound)
	}
	return exp.Time, nil
}

// IsExpired reports whether the token's exp is not in the future. Unreadable tokens count
// as expired.
func (s *TokenService) IsExpired(token string) bool {
	exp, err := s.ExtractExpiration(token)
	if err != nil {
		return true
	}
	return !s.now().Before(exp)
}

// Authenticate resolves the principal carried by a valid token.
func (s *TokenService) Authenticate(token string) (Principal, error) {
	sub, err := s.ExtractSubject(token)
	if err != nil {
		return Principal{}, err
	}
	if !s.Validate(token, sub) {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{Username: sub}
	if raw, err := s.ExtractClaim(token, rolesClaim); err == nil {
		p.Roles = toStrings(raw)
	}
	return p, nil
}

func (s *TokenService) parse(token string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}, opts...)

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, s.keyFunc, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}

// GenerateSecret returns a random base64 encoded 256-bit signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, MinSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	}
	return nil
}
