package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/auth/mfa"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/encryption"
	"github.com/GabrielFerla/xp/internal/pkg/metrics"
	"github.com/GabrielFerla/xp/internal/ratelimit"
)

const (
	JobAnomalyCleanup   = "anomaly-cleanup"
	JobRateLimitPrune   = "ratelimit-prune"
	JobMFAUsedCodePrune = "mfa-used-code-prune"
	JobConfigValidation = "security-config-validation"
	JobAuditRetention   = "audit-retention"
	JobSecurityReport   = "security-report"
)

// AuditPurger deletes audit rows older than a cutoff. *audit.SQLStore satisfies it.
type AuditPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SecurityComponents are the stateful pieces maintenance acts on. AuditStore may be nil.
type SecurityComponents struct {
	Config     *config.Config
	Detector   *anomaly.Detector
	Limiter    ratelimit.Limiter
	MFA        *mfa.Service
	Encryption *encryption.Service
	AuditStore AuditPurger
	Now        func() time.Time
}

// SecurityJobs returns the standard maintenance jobs for c.
func SecurityJobs(c SecurityComponents, log *zap.Logger) []Job {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("maintenance")
	now := c.Now
	if now == nil {
		now = time.Now
	}
	cfg := c.Config

	jobs := []Job{
		{
			Name:     JobAnomalyCleanup,
			Interval: cfg.Maintenance.CleanupInterval,
			Run: func(context.Context) error {
				cutoff := now().Add(-cfg.Anomaly.Retention)
				users, ips := c.Detector.CleanupOldRecords(cutoff)
				log.Info("Cleaned up anomaly records", zap.Time("cutoff", cutoff), zap.Int("users", users), zap.Int("ips", ips))
				return nil
			},
		},
		{
			Name:     JobRateLimitPrune,
			Interval: cfg.Maintenance.CleanupInterval,
			Run: func(context.Context) error {
				removed := c.Limiter.Prune(now())
				log.Info("Pruned idle rate limit records", zap.Int("removed", removed))
				return nil
			},
		},
		{
			Name:     JobMFAUsedCodePrune,
			Interval: time.Hour,
			Run: func(context.Context) error {
				removed := c.MFA.PruneUsedCodes(now())
				log.Debug("Pruned used MFA codes", zap.Int("removed", removed))
				return nil
			},
		},
		{
			Name:           JobConfigValidation,
			Interval:       cfg.Maintenance.HealthInterval,
			RunImmediately: true,
			Run: func(context.Context) error {
				CheckSecurityConfiguration(c, log)
				return nil
			},
		},
		{
			Name:     JobSecurityReport,
			Interval: cfg.Maintenance.ReportInterval,
			Run: func(context.Context) error {
				end := now()
				stats := c.Detector.Statistics()
				log.Info("Security report",
					zap.Time("period_start", end.Add(-cfg.Maintenance.ReportInterval)),
					zap.Time("period_end", end),
					zap.Int("tracked_users", stats.TrackedUsers),
					zap.Int("tracked_ips", stats.TrackedIPs),
					zap.Float64("heap_alloc_mb", stats.HeapAllocMB),
				)
				return nil
			},
		},
	}

	if c.AuditStore != nil && cfg.Audit.Retention > 0 {
		jobs = append(jobs, Job{
			Name:     JobAuditRetention,
			Interval: cfg.Maintenance.CleanupInterval,
			Run: func(ctx context.Context) error {
				deleted, err := c.AuditStore.DeleteBefore(ctx, now().Add(-cfg.Audit.Retention))
				if err != nil {
					return err
				}
				metrics.AuditEventsPurgedTotal.Add(float64(deleted))
				log.Info("Purged expired audit events", zap.Int64("deleted", deleted))
				return nil
			},
		})
	}
	return jobs
}

// CheckSecurityConfiguration re-validates configuration and component health, logging a
// warning per problem. It reports whether everything passed.
func CheckSecurityConfiguration(c SecurityComponents, log *zap.Logger) bool {
	healthy := true
	set := func(component string, ok bool) {
		v := 0.0
		if ok {
			v = 1
		} else {
			healthy = false
		}
		metrics.SecurityComponentHealthy.WithLabelValues(component).Set(v)
	}

	detectorOK := c.Detector.IsHealthy()
	if !detectorOK {
		log.Warn("Anomaly detection service is not healthy")
	}
	set("anomaly", detectorOK)

	keyOK := c.Encryption != nil && !c.Encryption.Ephemeral()
	if !keyOK {
		log.Warn("Encryption key is ephemeral; data encrypted by this process cannot be decrypted after restart",
			zap.String("setting", "encryption.key"))
	}
	set("encryption", keyOK)

	errs := c.Config.Validate()
	if len(errs) > 0 {
		log.Warn("Security configuration is invalid", zap.Error(errors.Join(errs...)))
	}
	set("config", len(errs) == 0)

	return healthy
}
