package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XP_TOKEN_SECRET", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	t.Setenv("XP_AUDIT_FILE_PATH", filepath.Join(dir, "audit.log"))
	t.Setenv("XP_AUDIT_DB_DRIVER", "sqlite")
	t.Setenv("XP_AUDIT_DB_DSN", filepath.Join(dir, "audit.db"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestGenKeyCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"genkey"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "XP_ENCRYPTION_KEY="))
	require.True(t, strings.HasPrefix(lines[1], "XP_TOKEN_SECRET="))

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(lines[0], "XP_ENCRYPTION_KEY="))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "xp-security dev")
}

func TestServerWiring(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	c, err := buildComponents(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.auditor.Close() })
	require.NotNil(t, c.sqlStore)

	router := newRouter(cfg, c, log)

	t.Run("health outside the chain", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	})

	t.Run("metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("api requires a token and is audited", func(t *testing.T) {
		before := len(c.memory.Recent(0))

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Greater(t, len(c.memory.Recent(0)), before)
	})
}

func TestSchedulerRegistersSecurityJobs(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	c, err := buildComponents(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.auditor.Close() })

	scheduler, err := newScheduler(cfg, c, log)
	require.NoError(t, err)
	assert.Contains(t, scheduler.Jobs(), service.JobAuditRetention)
	assert.Contains(t, scheduler.Jobs(), service.JobAnomalyCleanup)
}

func TestUnroutedAPIRequestsPassThroughChain(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	c, err := buildComponents(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.auditor.Close() })
	router := newRouter(cfg, c, log)

	scan := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/does-not-exist?id=1%20UNION%20SELECT", nil)
		req.Header.Set("User-Agent", "sqlmap/1.7")
		req.Header.Set("X-Forwarded-For", "10.0.0.5")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 60; i++ {
		require.Equal(t, http.StatusNotFound, scan().Code, "request %d", i+1)
	}
	rr := scan()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "900", rr.Header().Get("Retry-After"))

	assert.Len(t, c.memory.Find(audit.EventSuspiciousUserAgent), 60)
	assert.Len(t, c.memory.Find(audit.EventSQLInjectionAttempt), 60)
	assert.Len(t, c.memory.Find(audit.EventRateLimitExceeded), 1)

	t.Run("wrong method on a known route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/mfa/verify", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.6")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		var seen bool
		for _, e := range c.memory.Find(audit.EventDataAccess) {
			if e.SourceIP == "10.0.0.6" && e.Resource == "/api/v1/mfa/verify" {
				seen = true
			}
		}
		assert.True(t, seen, "wrong-method request was not audited")
	})
}
