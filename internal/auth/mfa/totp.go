// Package mfa implements TOTP enrollment and verification with replay protection.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

const (
	// DefaultIssuer is the issuer name shown in authenticator apps
	DefaultIssuer = "XP"
	// SecretSize is the size of the TOTP secret in bytes (160 bits)
	SecretSize = 20
	// Period is the TOTP time-step in seconds
	Period = 30
	// ReplayWindowSteps is how many time-steps a used code is remembered
	ReplayWindowSteps = 4
	BackupCodeCount   = 10
)

// Audit event types emitted by the service.
const (
	EventSecretGenerated     = "MFA_SECRET_GENERATED"
	EventVerificationSuccess = "MFA_VERIFICATION_SUCCESS"
	EventVerificationFailed  = "MFA_VERIFICATION_FAILED"
	EventReplayAttempt       = "MFA_REPLAY_ATTEMPT"
	EventDisabled            = "MFA_DISABLED"
	EventBackupCodesIssued   = "MFA_BACKUP_CODES_GENERATED"
	EventBackupCodeAccepted  = "MFA_BACKUP_CODE_ACCEPTED"
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var codeOpts = hotp.ValidateOpts{
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// EventRecorder receives MFA audit events.
type EventRecorder interface {
	LogSecurityEvent(ctx context.Context, eventType, username, details string)
}

// Status summarizes a user's MFA enrollment.
type Status struct {
	Username  string `json:"username"`
	Enabled   bool   `json:"enabled"`
	Issuer    string `json:"issuer"`
	UsedCodes int    `json:"used_codes"`
}

type usedKey struct {
	username string
	code     string
}

// Service holds enrolled secrets and the used-code set. Both are safe for concurrent use.
type Service struct {
	secrets sync.Map // username -> []byte
	used    sync.Map // usedKey -> uint64 time-step at acceptance

	issuer   string
	recorder EventRecorder
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used to derive time-steps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(issuer string, recorder EventRecorder, log *zap.Logger, opts ...Option) *Service {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		issuer:   issuer,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateSecret creates and stores a new 160-bit secret for username, replacing any
// existing one. The secret is returned base32 encoded without padding.
func (s *Service) GenerateSecret(ctx context.Context, username string) (string, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	s.secrets.Store(username, secret)
	s.audit(ctx, EventSecretGenerated, username, "TOTP secret enrolled")
	return secretEncoding.EncodeToString(secret), nil
}

// GenerateQRCodeURL returns the otpauth enrollment URI, enrolling username first when no
// secret exists. An empty issuer falls back to the service issuer.
func (s *Service) GenerateQRCodeURL(ctx context.Context, username, issuer string) (string, error) {
	if issuer == "" {
		issuer = s.issuer
	}
	secret, ok := s.secret(username)
	if !ok {
		encoded, err := s.GenerateSecret(ctx, username)
		if err != nil {
			return "", err
		}
		return buildURI(issuer, username, encoded), nil
	}
	return buildURI(issuer, username, secretEncoding.EncodeToString(secret)), nil
}

func buildURI(issuer, username, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&digits=6&period=%d",
		url.PathEscape(issuer), url.PathEscape(username), secret, url.QueryEscape(issuer), Period)
}

// VerifyCode checks code against the previous, current and next time-step. An accepted
// code is recorded and cannot be used again by the same user within the replay window.
func (s *Service) VerifyCode(ctx context.Context, username, code string) bool {
	secret, ok := s.secret(username)
	if !ok {
		metrics.MFAVerificationsTotal.WithLabelValues("not_enrolled").Inc()
		s.audit(ctx, EventVerificationFailed, username, "no MFA secret enrolled")
		return false
	}

	key := usedKey{username: username, code: code}
	if _, replay := s.used.Load(key); replay {
		s.rejectReplay(ctx, username)
		return false
	}

	encoded := secretEncoding.EncodeToString(secret)
	step := uint64(s.now().Unix() / Period)
	for _, slot := range []uint64{step - 1, step, step + 1} {
		expected, err := hotp.GenerateCodeCustom(encoded, slot, codeOpts)
		if err != nil {
			s.log.Error("TOTP code generation failed", zap.String("username", username), zap.Error(err))
			metrics.MFAVerificationsTotal.WithLabelValues("error").Inc()
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}
		if _, loaded := s.used.LoadOrStore(key, slot); loaded {
			// a concurrent request consumed the same code first
			s.rejectReplay(ctx, username)
			return false
		}
		s.pruneUsedCodes(step)
		metrics.MFAVerificationsTotal.WithLabelValues("success").Inc()
		s.audit(ctx, EventVerificationSuccess, username, fmt.Sprintf("code accepted at time-step %d", slot))
		return true
	}

	metrics.MFAVerificationsTotal.WithLabelValues("invalid").Inc()
	s.audit(ctx, EventVerificationFailed, username, "invalid TOTP code")
	return false
}

func (s *Service) rejectReplay(ctx context.Context, username string) {
	metrics.MFAVerificationsTotal.WithLabelValues("replay").Inc()
	s.log.Warn("TOTP code replay rejected", zap.String("username", username))
	s.audit(ctx, EventReplayAttempt, username, "TOTP code already used")
}

// PruneUsedCodes drops used codes older than the replay window relative to now and
// returns how many were removed.
func (s *Service) PruneUsedCodes(now time.Time) int {
	return s.pruneUsedCodes(uint64(now.Unix() / Period))
}

func (s *Service) pruneUsedCodes(step uint64) int {
	if step < ReplayWindowSteps {
		return 0
	}
	cutoff := step - ReplayWindowSteps
	removed := 0
	s.used.Range(func(k, v any) bool {
		if v.(uint64) < cutoff && s.used.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// DisableMFA removes the user's secret and every used code recorded for them.
func (s *Service) DisableMFA(ctx context.Context, username string) {
	s.secrets.Delete(username)
	s.used.Range(func(k, _ any) bool {
		if k.(usedKey).username == username {
			s.used.Delete(k)
		}
		return true
	})
	s.audit(ctx, EventDisabled, username, "MFA disabled")
}

func (s *Service) IsMFAEnabled(username string) bool {
	_, ok := s.secrets.Load(username)
	return ok
}

func (s *Service) Status(username string) Status {
	st := Status{Username: username, Enabled: s.IsMFAEnabled(username), Issuer: s.issuer}
	s.used.Range(func(k, _ any) bool {
		if k.(usedKey).username == username {
			st.UsedCodes++
		}
		return true
	})
	return st
}

// GenerateBackupCodes returns BackupCodeCount random 8-digit recovery codes. The codes
// are not stored by this service: callers that offer recovery must persist
// HashBackupCode results themselves.
func (s *Service) GenerateBackupCodes(ctx context.Context, username string) ([]string, error) {
	span := big.NewInt(90000000)
	codes := make([]string, BackupCodeCount)
	for i := range codes {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		codes[i] = fmt.Sprintf("%08d", n.Int64()+10000000)
	}
	s.log.Warn("backup codes generated but not persisted", zap.String("username", username))
	s.audit(ctx, EventBackupCodesIssued, username, fmt.Sprintf("%d backup codes issued", len(codes)))
	return codes, nil
}

// HashBackupCode hashes a backup code using bcrypt
func HashBackupCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash backup code: %w", err)
	}
	return string(hash), nil
}

// VerifyBackupCode verifies a backup code against a hash
func VerifyBackupCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// CheckBackupCode reports which of the caller-held hashes matches code. Storage and
// one-time use are the caller's concern.
func (s *Service) CheckBackupCode(ctx context.Context, username, code string, hashes []string) (int, bool) {
	for i, hash := range hashes {
		if VerifyBackupCode(hash, code) {
			metrics.MFAVerificationsTotal.WithLabelValues("backup_success").Inc()
			s.audit(ctx, EventBackupCodeAccepted, username, fmt.Sprintf("backup code %d accepted", i))
			return i, true
		}
	}
	metrics.MFAVerificationsTotal.WithLabelValues("backup_invalid").Inc()
	s.audit(ctx, EventVerificationFailed, username, "invalid backup code")
	return -1, false
}

func (s *Service) secret(username string) ([]byte, bool) {
	v, ok := s.secrets.Load(username)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (s *Service) audit(ctx context.Context, eventType, username, details string) {
	if s.recorder != nil {
		s.recorder.LogSecurityEvent(ctx, eventType, username, details)
	}
}
