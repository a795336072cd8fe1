// Package anomaly tracks per-user and per-IP activity counters and reports behavioral
// anomalies (bursts, new source addresses, off-hours access) to the audit trail.
package anomaly

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

// ActivityType classifies what a monitored caller did.
type ActivityType string

const (
	ActivityLoginAttempt ActivityType = "LOGIN_ATTEMPT"
	ActivityDataAccess   ActivityType = "DATA_ACCESS"
	ActivityAPIRequest   ActivityType = "API_REQUEST"
)

// Type names a detected anomaly.
type Type string

const (
	ExcessiveFailedLogins Type = "EXCESSIVE_FAILED_LOGINS"
	ExcessiveDataAccess   Type = "EXCESSIVE_DATA_ACCESS"
	ExcessiveAPIRequests  Type = "EXCESSIVE_API_REQUESTS"
	NewLocationAccess     Type = "NEW_LOCATION_ACCESS"
	OffHoursAccess        Type = "OFF_HOURS_ACCESS"
)

var descriptions = map[Type]string{
	ExcessiveFailedLogins: "Excessive failed login attempts",
	ExcessiveDataAccess:   "Excessive data access requests",
	ExcessiveAPIRequests:  "Excessive API requests from IP",
	NewLocationAccess:     "Access from new location",
	OffHoursAccess:        "Off-hours system access",
}

// Description returns the human readable label recorded with the anomaly.
func (t Type) Description() string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return string(t)
}

// Reporter receives anomaly audit events. *audit.Auditor satisfies it.
type Reporter interface {
	Record(ctx context.Context, e *audit.Event)
}

// Config holds detection thresholds. Zero values fall back to DefaultConfig.
type Config struct {
	MaxFailedLoginsPerHour int
	MaxDataAccessPerMinute int
	MaxRequestsPerMinute   int

	// Access is off-hours when the local hour is < OffHoursStart or > OffHoursEnd.
	OffHoursStart int
	OffHoursEnd   int
	Location      *time.Location

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxFailedLoginsPerHour: 10,
		MaxDataAccessPerMinute: 50,
		MaxRequestsPerMinute:   100,
		OffHoursStart:          6,
		OffHoursEnd:            22,
		Location:               time.Local,
		Now:                    time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailedLoginsPerHour <= 0 {
		c.MaxFailedLoginsPerHour = d.MaxFailedLoginsPerHour
	}
	if c.MaxDataAccessPerMinute <= 0 {
		c.MaxDataAccessPerMinute = d.MaxDataAccessPerMinute
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = d.MaxRequestsPerMinute
	}
	if c.OffHoursStart == 0 && c.OffHoursEnd == 0 {
		c.OffHoursStart, c.OffHoursEnd = d.OffHoursStart, d.OffHoursEnd
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

type userRecord struct {
	mu            sync.Mutex
	loginAttempts int
	dataAccess    int
	hourStart     time.Time
	minuteStart   time.Time

	lastActivity atomic.Int64 // unix nanos
}

func newUserRecord(now time.Time) *userRecord {
	r := &userRecord{hourStart: now, minuteStart: now}
	r.lastActivity.Store(now.UnixNano())
	return r
}

// resetLocked restarts windows that are at least one full period old.
func (r *userRecord) resetLocked(now time.Time) {
	if now.Sub(r.hourStart) >= time.Hour {
		r.loginAttempts = 0
		r.hourStart = now
	}
	if now.Sub(r.minuteStart) >= time.Minute {
		r.dataAccess = 0
		r.minuteStart = now
	}
}

func (r *userRecord) incrementLogins(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(now)
	r.loginAttempts++
	return r.loginAttempts
}

func (r *userRecord) incrementDataAccess(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(now)
	r.dataAccess++
	return r.dataAccess
}

type ipRecord struct {
	mu          sync.Mutex
	requests    int
	minuteStart time.Time

	known        atomic.Bool
	lastActivity atomic.Int64
}

func newIPRecord(now time.Time) *ipRecord {
	r := &ipRecord{minuteStart: now}
	r.lastActivity.Store(now.UnixNano())
	return r
}

func (r *ipRecord) incrementRequests(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.minuteStart) >= time.Minute {
		r.requests = 0
		r.minuteStart = now
	}
	r.requests++
	return r.requests
}

// firstSeen reports true exactly once per record.
func (r *ipRecord) firstSeen() bool {
	return r.known.CompareAndSwap(false, true)
}

// Detector is safe for concurrent use; all state lives in lock-free maps of
// individually locked records.
type Detector struct {
	cfg      Config
	reporter Reporter
	log      *zap.Logger

	users sync.Map // username -> *userRecord
	ips   sync.Map // ip -> *ipRecord
}

func NewDetector(cfg Config, reporter Reporter, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		reporter: reporter,
		log:      log.Named("anomaly"),
	}
}

func (d *Detector) user(username string, now time.Time) *userRecord {
	if v, ok := d.users.Load(username); ok {
		return v.(*userRecord)
	}
	v, loaded := d.users.LoadOrStore(username, newUserRecord(now))
	if !loaded {
		metrics.ActivityRecordsTracked.WithLabelValues("user").Inc()
	}
	return v.(*userRecord)
}

func (d *Detector) ip(addr string, now time.Time) *ipRecord {
	if v, ok := d.ips.Load(addr); ok {
		return v.(*ipRecord)
	}
	v, loaded := d.ips.LoadOrStore(addr, newIPRecord(now))
	if !loaded {
		metrics.ActivityRecordsTracked.WithLabelValues("ip").Inc()
	}
	return v.(*ipRecord)
}

// MonitorUserActivity counts one activity and reports every threshold it breaches.
func (d *Detector) MonitorUserActivity(ctx context.Context, username string, activity ActivityType, ip string) {
	now := d.cfg.Now()
	u := d.user(username, now)
	r := d.ip(ip, now)
	u.lastActivity.Store(now.UnixNano())
	r.lastActivity.Store(now.UnixNano())

	switch activity {
	case ActivityLoginAttempt:
		if u.incrementLogins(now) > d.cfg.MaxFailedLoginsPerHour {
			d.ReportAnomaly(ctx, username, ExcessiveFailedLogins, ip)
		}
	case ActivityDataAccess:
		if u.incrementDataAccess(now) > d.cfg.MaxDataAccessPerMinute {
			d.ReportAnomaly(ctx, username, ExcessiveDataAccess, ip)
		}
	case ActivityAPIRequest:
		if r.incrementRequests(now) > d.cfg.MaxRequestsPerMinute {
			d.ReportAnomaly(ctx, username, ExcessiveAPIRequests, ip)
		}
	}

	// Location is approximated by source address until a GeoIP lookup exists.
	if r.firstSeen() {
		d.ReportAnomaly(ctx, username, NewLocationAccess, ip)
	}

	if d.isOffHours(now) {
		d.ReportAnomaly(ctx, username, OffHoursAccess, ip)
	}
}

func (d *Detector) isOffHours(t time.Time) bool {
	hour := t.In(d.cfg.Location).Hour()
	return hour < d.cfg.OffHoursStart || hour > d.cfg.OffHoursEnd
}

// ReportAnomaly writes one ANOMALY_DETECTED audit event, a warn log line and a metric.
func (d *Detector) ReportAnomaly(ctx context.Context, username string, kind Type, ip string) {
	now := d.cfg.Now()
	details := fmt.Sprintf("IP: %s | Time: %s", ip, now.Format(time.RFC3339))

	if d.reporter != nil {
		d.reporter.Record(ctx, audit.NewEvent(audit.CategorySecurity, audit.EventAnomalyDetected).
			WithActor(username).
			WithSource(ip, "").
			WithResult(audit.ResultFlagged).
			WithDetails(details).
			WithMetadata("anomaly_type", string(kind)).
			WithMetadata("description", kind.Description()))
	}
	metrics.AnomaliesDetectedTotal.WithLabelValues(string(kind)).Inc()

	d.log.Warn("anomaly detected",
		zap.String("user", username),
		zap.String("type", string(kind)),
		zap.String("ip", ip),
		zap.Time("time", now),
	)
}

// CleanupOldRecords removes records whose last activity precedes cutoff. A record touched
// concurrently with its removal may be recreated fresh on the next activity.
func (d *Detector) CleanupOldRecords(cutoff time.Time) (users, ips int) {
	d.log.Info("cleaning up activity records", zap.Time("cutoff", cutoff))
	limit := cutoff.UnixNano()

	d.users.Range(func(k, v any) bool {
		if v.(*userRecord).lastActivity.Load() < limit && d.users.CompareAndDelete(k, v) {
			users++
		}
		return true
	})
	d.ips.Range(func(k, v any) bool {
		if v.(*ipRecord).lastActivity.Load() < limit && d.ips.CompareAndDelete(k, v) {
			ips++
		}
		return true
	})

	metrics.ActivityRecordsTracked.WithLabelValues("user").Sub(float64(users))
	metrics.ActivityRecordsTracked.WithLabelValues("ip").Sub(float64(ips))
	d.log.Info("activity record cleanup completed", zap.Int("users_removed", users), zap.Int("ips_removed", ips))
	return users, ips
}

// IsHealthy reports whether the detector can accept activity.
func (d *Detector) IsHealthy() bool {
	if d == nil || d.cfg.Now == nil || d.cfg.Location == nil {
		return false
	}
	s := d.Statistics()
	d.log.Debug("anomaly detector health check", zap.Int("users", s.TrackedUsers), zap.Int("ips", s.TrackedIPs))
	return true
}

// Statistics is a point-in-time snapshot for monitoring.
type Statistics struct {
	TrackedUsers int     `json:"tracked_users"`
	TrackedIPs   int     `json:"tracked_ips"`
	HeapAllocMB  float64 `json:"heap_alloc_mb"`
}

func (d *Detector) Statistics() Statistics {
	var s Statistics
	d.users.Range(func(_, _ any) bool { s.TrackedUsers++; return true })
	d.ips.Range(func(_, _ any) bool { s.TrackedIPs++; return true })

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.HeapAllocMB = float64(mem.HeapAlloc) / (1024 * 1024)
	return s
}

func (s Statistics) String() string {
	return fmt.Sprintf("Active users: %d, Active IPs: %d, Memory usage: %.2f MB", s.TrackedUsers, s.TrackedIPs, s.HeapAllocMB)
}
