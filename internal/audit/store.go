package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS security_audit_log (
		id             VARCHAR(36) PRIMARY KEY,
		occurred_at_ms BIGINT      NOT NULL,
		category       VARCHAR(32) NOT NULL,
		event_type     VARCHAR(64) NOT NULL,
		result         VARCHAR(16) NOT NULL,
		actor          TEXT        NOT NULL DEFAULT '',
		source_ip      TEXT        NOT NULL DEFAULT '',
		user_agent     TEXT        NOT NULL DEFAULT '',
		request_id     TEXT        NOT NULL DEFAULT '',
		data_subject   TEXT        NOT NULL DEFAULT '',
		resource       TEXT        NOT NULL DEFAULT '',
		action         TEXT        NOT NULL DEFAULT '',
		details        TEXT        NOT NULL DEFAULT '',
		metadata       TEXT        NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_audit_log_occurred_at ON security_audit_log (occurred_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_security_audit_log_event_type ON security_audit_log (event_type)`,
}

type auditRow struct {
	ID           string `db:"id"`
	OccurredAtMs int64  `db:"occurred_at_ms"`
	Category     string `db:"category"`
	EventType    string `db:"event_type"`
	Result       string `db:"result"`
	Actor        string `db:"actor"`
	SourceIP     string `db:"source_ip"`
	UserAgent    string `db:"user_agent"`
	RequestID    string `db:"request_id"`
	DataSubject  string `db:"data_subject"`
	Resource     string `db:"resource"`
	Action       string `db:"action"`
	Details      string `db:"details"`
	Metadata     string `db:"metadata"`
}

// SQLStore appends audit events to a security_audit_log table on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// OpenSQLStore connects and runs migrations. driver is "sqlite" (modernc, pure Go) or
// "postgres" (lib/pq).
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported audit database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// single writer avoids SQLITE_BUSY under concurrent inserts
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations creates the audit table and indexes when missing.
func (s *SQLStore) RunMigrations(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Name() string { return "sql_" + s.driver }

func (s *SQLStore) Record(ctx context.Context, e *Event) error {
	row := auditRow{
		ID:           e.ID,
		OccurredAtMs: e.Timestamp.UnixMilli(),
		Category:     string(e.Category),
		EventType:    string(e.EventType),
		Result:       string(e.Result),
		Actor:        e.Actor,
		SourceIP:     e.SourceIP,
		UserAgent:    e.UserAgent,
		RequestID:    e.RequestID,
		DataSubject:  e.DataSubject,
		Resource:     e.Resource,
		Action:       e.Action,
		Details:      e.Details,
	}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		row.Metadata = string(b)
	}

	query := `
		INSERT INTO security_audit_log (id, occurred_at_ms, category, event_type, result, actor, source_ip,
			user_agent, request_id, data_subject, resource, action, details, metadata)
		VALUES (:id, :occurred_at_ms, :category, :event_type, :result, :actor, :source_ip,
			:user_agent, :request_id, :data_subject, :resource, :action, :details, :metadata)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	return s.list(ctx, `SELECT * FROM security_audit_log ORDER BY occurred_at_ms DESC LIMIT ?`, limit)
}

// RecentOfType returns up to limit events of eventType, newest first.
func (s *SQLStore) RecentOfType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	return s.list(ctx, `SELECT * FROM security_audit_log WHERE event_type = ? ORDER BY occurred_at_ms DESC LIMIT ?`,
		limit, string(eventType))
}

func (s *SQLStore) list(ctx context.Context, query string, limit int, filters ...interface{}) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	args := append(filters, limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, r := range rows {
		e := &Event{
			ID:          r.ID,
			Timestamp:   time.UnixMilli(r.OccurredAtMs).UTC(),
			Category:    Category(r.Category),
			EventType:   EventType(r.EventType),
			Result:      Result(r.Result),
			Actor:       r.Actor,
			SourceIP:    r.SourceIP,
			UserAgent:   r.UserAgent,
			RequestID:   r.RequestID,
			DataSubject: r.DataSubject,
			Resource:    r.Resource,
			Action:      r.Action,
			Details:     r.Details,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata for %s: %w", r.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// DeleteBefore removes events older than cutoff and returns how many were deleted.
func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM security_audit_log WHERE occurred_at_ms < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
