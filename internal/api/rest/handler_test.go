package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/api/middleware"
	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/auth/mfa"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/encryption"
	"github.com/GabrielFerla/xp/internal/ratelimit"
)

var mfaNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	handler http.Handler
	tokens  *auth.TokenService
	limiter *ratelimit.LockoutLimiter
	mem     *audit.MemorySink
}

func newTestEnv(t *testing.T, allowDevIssue bool) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, allowDevIssue, nil)
}

// newTestEnvWithStore also records into store and lists audit events from it when store
// is not nil.
func newTestEnvWithStore(t *testing.T, allowDevIssue bool, store *audit.SQLStore) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Token.AllowDevIssue = allowDevIssue
	cfg.MFA.Issuer = "XP"

	mem := audit.NewMemorySink(200)
	var sink audit.Sink = mem
	if store != nil {
		sink = audit.NewMultiSink(mem, store)
	}
	auditor := audit.NewAuditor(sink, nil)
	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	crypto, err := encryption.New(key, nil)
	require.NoError(t, err)
	limiter := ratelimit.NewLockoutLimiter(ratelimit.Config{})
	detector := anomaly.NewDetector(anomaly.Config{}, auditor, nil)

	deps := Deps{
		Config:     cfg,
		Tokens:     tokens,
		MFA:        mfa.NewService("XP", auditor, nil, mfa.WithClock(func() time.Time { return mfaNow })),
		Encryption: crypto,
		Limiter:    limiter,
		Detector:   detector,
		Auditor:    auditor,
		Recent:     mem,
	}
	if store != nil {
		deps.Store = store
	}
	h := NewHandler(deps)

	router := mux.NewRouter()
	router.Handle("/health", NewHealthHandler(detector, crypto)).Methods("GET")
	SetupRoutes(router.PathPrefix("/api/v1").Subrouter(), h)

	return &testEnv{
		handler: middleware.Authenticate(tokens, auditor)(router),
		tokens:  tokens,
		limiter: limiter,
		mem:     mem,
	}
}

func (e *testEnv) token(t *testing.T, username string, roles ...string) string {
	t.Helper()
	tok, err := e.tokens.Issue(auth.Principal{Username: username, Roles: roles}, nil, 0)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestIssueToken_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodPost, "/api/v1/auth/token", "", map[string]interface{}{"username": "alice"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIssueToken_ThenWhoAmI(t *testing.T) {
	env := newTestEnv(t, true)

	rr := env.do(http.MethodPost, "/api/v1/auth/token", "", map[string]interface{}{"username": "alice", "roles": []string{"ADMIN"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "Bearer", body["token_type"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Len(t, env.mem.Find(audit.EventAuthenticationSuccess), 1)

	rr = env.do(http.MethodGet, "/api/v1/auth/whoami", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	who := decode(t, rr)
	assert.Equal(t, "alice", who["username"])
	assert.Equal(t, []interface{}{"ADMIN"}, who["roles"])
	assert.Equal(t, false, who["mfa_enabled"])
}

func TestIssueToken_RejectsInvalidUsername(t *testing.T) {
	env := newTestEnv(t, true)
	rr := env.do(http.MethodPost, "/api/v1/auth/token", "", map[string]interface{}{"username": "a!"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrCodeValidationFailed, decode(t, rr)["code"])
}

func TestWhoAmI_RequiresToken(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/auth/whoami", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/auth/whoami", "garbage", nil).Code)
	assert.Len(t, env.mem.Find(audit.EventInvalidToken), 1)
}

func TestMFA_EnrollVerifyReplayDisable(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.token(t, "bob")

	rr := env.do(http.MethodPost, "/api/v1/mfa/enroll", token, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	enrolled := decode(t, rr)
	secret := enrolled["secret"].(string)
	assert.Equal(t, "otpauth://totp/XP:bob?secret="+secret+"&issuer=XP&digits=6&period=30", enrolled["otpauth_url"])

	code := codeAt(t, secret, uint64(mfaNow.Unix()/30))

	env.limiter.RecordFailedAttempt("192.0.2.1")
	rr = env.do(http.MethodPost, "/api/v1/mfa/verify", token, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Zero(t, env.limiter.AttemptCount("192.0.2.1"), "successful verification clears the caller's attempts")

	rr = env.do(http.MethodPost, "/api/v1/mfa/verify", token, map[string]string{"code": code})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "a code is accepted once")
	assert.Len(t, env.mem.Find("MFA_REPLAY_ATTEMPT"), 1)

	rr = env.do(http.MethodGet, "/api/v1/mfa/status", token, nil)
	status := decode(t, rr)
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, float64(1), status["used_codes"])

	rr = env.do(http.MethodDelete, "/api/v1/mfa", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "disabling an enrolled user needs a code")
	rr = env.do(http.MethodDelete, "/api/v1/mfa", token, map[string]string{"code": code})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "a used code cannot disable MFA")
	status = decode(t, env.do(http.MethodGet, "/api/v1/mfa/status", token, nil))
	assert.Equal(t, true, status["enabled"])

	next := codeAt(t, secret, uint64(mfaNow.Unix()/30)+1)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/mfa", token, map[string]string{"code": next}).Code)
	status = decode(t, env.do(http.MethodGet, "/api/v1/mfa/status", token, nil))
	assert.Equal(t, false, status["enabled"])
}

func TestMFA_DisableWithoutEnrollment(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/mfa", env.token(t, "dave"), nil).Code)
}

func codeAt(t *testing.T, secret string, step uint64) string {
	t.Helper()
	code, err := hotp.GenerateCodeCustom(secret, step, hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestMFA_VerifyRequiresCode(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodPost, "/api/v1/mfa/verify", env.token(t, "bob"), map[string]string{"code": " "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMFA_BackupCodes(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodPost, "/api/v1/mfa/backup-codes", env.token(t, "carol"), nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decode(t, rr)
	assert.Len(t, body["codes"], mfa.BackupCodeCount)
	assert.Len(t, body["hashes"], mfa.BackupCodeCount)
	assert.Equal(t, false, body["persisted"])
}

func TestMFA_BackupCodeVerification(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.token(t, "carol")

	var issued struct {
		Codes  []string `json:"codes"`
		Hashes []string `json:"hashes"`
	}
	rr := env.do(http.MethodPost, "/api/v1/mfa/backup-codes", token, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	require.Len(t, issued.Hashes, mfa.BackupCodeCount)
	assert.NotContains(t, issued.Hashes, issued.Codes[0])

	env.limiter.RecordFailedAttempt("192.0.2.1")
	rr = env.do(http.MethodPost, "/api/v1/mfa/backup-codes/verify", token, map[string]interface{}{
		"code":   issued.Codes[4],
		"hashes": issued.Hashes,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(4), decode(t, rr)["index"])
	assert.Zero(t, env.limiter.AttemptCount("192.0.2.1"))
	assert.Len(t, env.mem.Find(mfa.EventBackupCodeAccepted), 1)

	rr = env.do(http.MethodPost, "/api/v1/mfa/backup-codes/verify", token, map[string]interface{}{
		"code":   "00000000",
		"hashes": issued.Hashes[:2],
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(http.MethodPost, "/api/v1/mfa/backup-codes/verify", token, map[string]interface{}{"code": "12345678"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCrypto_AdminOnly(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodPost, "/api/v1/crypto/encrypt", env.token(t, "dave", "USER"), map[string]string{"value": "x"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = env.do(http.MethodPost, "/api/v1/crypto/encrypt", "", map[string]string{"value": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCrypto_RoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.token(t, "root", RoleAdmin)

	rr := env.do(http.MethodPost, "/api/v1/crypto/encrypt", admin, map[string]string{"value": "123.456.789-00", "label": "cpf"})
	require.Equal(t, http.StatusOK, rr.Code)
	blob := decode(t, rr)["value"].(string)
	assert.True(t, encryption.IsEncrypted(blob))

	rr = env.do(http.MethodPost, "/api/v1/crypto/decrypt", admin, map[string]string{"value": blob, "label": "cpf"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "123.456.789-00", decode(t, rr)["value"])

	events := env.mem.Find("PII_ENCRYPTED")
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.Equal(t, "root", events[0].Actor)
	assert.Equal(t, "cpf", events[0].DataSubject)
	assert.Len(t, env.mem.Find("PII_DECRYPTED"), 1)
}

func TestCrypto_DecryptTampered(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodPost, "/api/v1/crypto/decrypt", env.token(t, "root", RoleAdmin),
		map[string]string{"value": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, ErrCodeDecryptionFailed, decode(t, rr)["code"])
}

func TestAdmin_AuditListingAndStats(t *testing.T) {
	env := newTestEnv(t, false)
	admin := env.token(t, "root", RoleAdmin)

	env.do(http.MethodGet, "/api/v1/auth/whoami", "bad-token", nil)
	env.do(http.MethodGet, "/api/v1/auth/whoami", "bad-token", nil)

	rr := env.do(http.MethodGet, "/api/v1/admin/security/audit?type=INVALID_TOKEN&limit=1", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(1), body["count"])

	rr = env.do(http.MethodGet, "/api/v1/admin/security/audit?limit=-1", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodGet, "/api/v1/admin/security/stats", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode(t, rr)
	assert.Equal(t, true, stats["healthy"])
	assert.Contains(t, stats["summary"], "Active users")
}

func TestAdmin_ClearRateLimit(t *testing.T) {
	env := newTestEnv(t, false)
	env.limiter.RecordFailedAttempt("10.0.0.9")

	rr := env.do(http.MethodDelete, "/api/v1/admin/ratelimit/10.0.0.9", env.token(t, "root", RoleAdmin), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Zero(t, env.limiter.AttemptCount("10.0.0.9"))
	assert.Len(t, env.mem.Find("RATE_LIMIT_CLEARED"), 1)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])

	ephemeral, err := encryption.New("", nil)
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	NewHealthHandler(anomaly.NewDetector(anomaly.Config{}, nil, nil), ephemeral).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", decode(t, rr)["status"])
}

func TestAdmin_AuditListingFromSQLStore(t *testing.T) {
	ctx := context.Background()
	store, err := audit.OpenSQLStore(ctx, "sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// recorded before the process started: only the SQL table has it
	archived := audit.NewEvent(audit.CategorySecurity, "ARCHIVED_EVENT").WithDetails("from a previous run")
	archived.Timestamp = time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, store.Record(ctx, archived))

	env := newTestEnvWithStore(t, false, store)
	admin := env.token(t, "root", RoleAdmin)
	env.do(http.MethodGet, "/api/v1/auth/whoami", "bad-token", nil)
	env.do(http.MethodGet, "/api/v1/auth/whoami", "bad-token", nil)

	rr := env.do(http.MethodGet, "/api/v1/admin/security/audit?type=ARCHIVED_EVENT", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "sql", body["source"])
	require.Equal(t, float64(1), body["count"])
	first := body["events"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, archived.ID, first["id"])

	rr = env.do(http.MethodGet, "/api/v1/admin/security/audit?type=INVALID_TOKEN&limit=5", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["count"])

	rr = env.do(http.MethodGet, "/api/v1/admin/security/audit?limit=2", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["count"])
}
