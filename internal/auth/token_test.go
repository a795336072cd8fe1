package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret  = []byte("test-secret-key-minimum-32-characters-long-for-hmac")
	otherSecret = []byte("wrong-secret-key-minimum-32-characters-long-for-hmac")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func newService(t *testing.T, secret []byte, clock *fakeClock) *TokenService {
	t.Helper()
	svc, err := NewTokenService(secret, time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	return svc
}

func flipFirstPayloadChar(token string) string {
	parts := strings.Split(token, ".")
	b := []byte(parts[1])
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	parts[1] = string(b)
	return strings.Join(parts, ".")
}

func TestNewTokenService_WeakSecret(t *testing.T) {
	_, err := NewTokenService([]byte("too-short"), time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestIssueAndValidate(t *testing.T) {
	clock := newClock()
	svc := newService(t, testSecret, clock)

	token, err := svc.Issue(Principal{Username: "admin"}, nil, 3600*time.Second)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	assert.True(t, svc.Validate(token, "admin"))
	assert.False(t, svc.Validate(token, "someone-else"))

	tampered := flipFirstPayloadChar(token)
	assert.False(t, svc.Validate(tampered, "admin"))
}

func TestValidate_ExpiresAtTTL(t *testing.T) {
	clock := newClock()
	svc := newService(t, testSecret, clock)

	token, err := svc.Issue(Principal{Username: "alice"}, nil, 10*time.Minute)
	require.NoError(t, err)

	clock.Advance(10*time.Minute - time.Second)
	assert.True(t, svc.Validate(token, "alice"), "valid just before expiry")

	clock.Advance(time.Second)
	assert.False(t, svc.Validate(token, "alice"), "invalid at expiry")
	assert.True(t, svc.IsExpired(token))
}

func TestValidate_DifferentSecret(t *testing.T) {
	clock := newClock()
	issuer := newService(t, testSecret, clock)
	verifier := newService(t, otherSecret, clock)

	token, err := issuer.Issue(Principal{Username: "admin", Roles: []string{"ADMIN"}}, map[string]any{"scope": "all"}, 0)
	require.NoError(t, err)

	assert.False(t, verifier.Validate(token, "admin"))
	_, err = verifier.ExtractClaim(token, "scope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	svc := newService(t, testSecret, newClock())
	// header {"alg":"none","typ":"JWT"}, payload {"sub":"admin","exp":9999999999}
	none := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhZG1pbiIsImV4cCI6OTk5OTk5OTk5OX0."
	assert.False(t, svc.Validate(none, "admin"))
}

func TestExtractClaim(t *testing.T) {
	clock := newClock()
	svc := newService(t, testSecret, clock)

	extra := map[string]any{"tenant": "xp", "sub": "ignored"}
	token, err := svc.Issue(Principal{Username: "bob", Roles: []string{"USER"}}, extra, time.Minute)
	require.NoError(t, err)

	v, err := svc.ExtractClaim(token, "tenant")
	require.NoError(t, err)
	assert.Equal(t, "xp", v)

	sub, err := svc.ExtractSubject(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", sub, "sub must not be overridden by extra claims")

	exp, err := svc.ExtractExpiration(token)
	require.NoError(t, err)
	assert.True(t, exp.Equal(clock.Now().Add(time.Minute)))

	_, err = svc.ExtractClaim(token, "missing")
	assert.ErrorIs(t, err, ErrClaimNotFound)

	_, err = svc.ExtractClaim("not-a-token", "sub")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = svc.ExtractClaim(flipFirstPayloadChar(token), "tenant")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	clock := newClock()
	svc := newService(t, testSecret, clock)

	token, err := svc.Issue(Principal{Username: "carol", Roles: []string{"ADMIN", "USER"}}, nil, time.Minute)
	require.NoError(t, err)

	p, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Username)
	assert.True(t, p.HasRole("ADMIN"))

	clock.Advance(2 * time.Minute)
	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_RequiresUsername(t *testing.T) {
	svc := newService(t, testSecret, newClock())
	_, err := svc.Issue(Principal{}, nil, time.Minute)
	assert.Error(t, err)
}

func TestGenerateSecret(t *testing.T) {
	s, err := GenerateSecret()
	require.NoError(t, err)
	_, err = NewTokenService([]byte(s), 0)
	assert.NoError(t, err)
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	_, ok := PrincipalFromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, AnonymousUser, CurrentUser(ctx))

	ctx = WithPrincipal(ctx, Principal{Username: "dave", Roles: []string{"USER"}})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "dave", p.Username)
	assert.Equal(t, "dave", CurrentUser(ctx))
	assert.True(t, Anonymous().IsAnonymous())
}
