package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DBLogger writes audit events to PostgreSQL and serves search queries.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database audit sink, creating the audit_logs
// table when missing.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return logger, nil
}

// NewDBLoggerUnchecked wraps an existing connection without touching the
// schema. Used in tests where the table is mocked.
func NewDBLoggerUnchecked(db *sql.DB) *DBLogger {
	return &DBLogger{db: db}
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		action VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor_id BIGINT,
		actor_email VARCHAR(255),
		target_type VARCHAR(50),
		target_id VARCHAR(255),
		target_label VARCHAR(255),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		status_code INTEGER,
		message TEXT,
		details JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs(status);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_ip_address ON audit_logs(ip_address);
	`
	_, err := l.db.Exec(query)
	return err
}

// Log inserts the event and fills in its assigned id.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var detailsJSON []byte
	var err error
	if event.Details != nil {
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, action, status,
			actor_id, actor_email,
			target_type, target_id, target_label,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, details
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16
		) RETURNING id
	`
	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.Action, event.Status,
		event.ActorID, event.ActorEmail,
		event.TargetType, event.TargetID, event.TargetLabel,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, detailsJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// LogAuth records an authentication event.
func (l *DBLogger) LogAuth(ctx context.Context, action Action, userID *int64, email string, status Status, message string) error {
	event := newEvent(ctx, action, status)
	event.ActorID = userID
	event.ActorEmail = email
	event.TargetType = TargetUser
	event.Message = message
	if userID != nil {
		event.TargetID = fmt.Sprintf("%d", *userID)
	}
	return l.Log(ctx, event)
}

// LogAdmin records an administrative action against a target resource.
func (l *DBLogger) LogAdmin(ctx context.Context, action Action, actorID *int64, actorEmail string, targetType TargetType, targetID, targetLabel string, details map[string]any) error {
	event := newEvent(ctx, action, StatusSuccess)
	event.ActorID = actorID
	event.ActorEmail = actorEmail
	event.TargetType = targetType
	event.TargetID = targetID
	event.TargetLabel = targetLabel
	event.Details = details
	return l.Log(ctx, event)
}

// LogHTTPRequest records a completed HTTP request.
func (l *DBLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration) error {
	event := requestEvent(ctx, r, statusCode)
	event.Details = map[string]any{"duration_ms": duration.Milliseconds()}
	return l.Log(ctx, event)
}

// Close is a no-op; the connection is owned by the caller.
func (l *DBLogger) Close() error { return nil }

// Search queries audit logs with the given filter.
func (l *DBLogger) Search(ctx context.Context, filter *SearchFilter) ([]*Event, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	addCondition := func(clause string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(clause, argNum))
		args = append(args, value)
		argNum++
	}

	if filter.StartTime != nil {
		addCondition("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		addCondition("timestamp <= $%d", *filter.EndTime)
	}
	if filter.ActorID != nil {
		addCondition("actor_id = $%d", *filter.ActorID)
	}
	if filter.ActorEmail != "" {
		addCondition("actor_email = $%d", filter.ActorEmail)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		addCondition("action = ANY($%d)", pq.Array(actions))
	}
	if filter.Status != nil {
		addCondition("status = $%d", *filter.Status)
	}
	if filter.TargetType != "" {
		addCondition("target_type = $%d", filter.TargetType)
	}
	if filter.TargetID != "" {
		addCondition("target_id = $%d", filter.TargetID)
	}
	if filter.IPAddress != "" {
		addCondition("ip_address = $%d", filter.IPAddress)
	}
	if filter.RequestID != "" {
		addCondition("request_id = $%d", filter.RequestID)
	}

	query := `
		SELECT id, timestamp, action, status,
			actor_id, actor_email,
			target_type, target_id, target_label,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, details
		FROM audit_logs
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}
	query += " ORDER BY timestamp " + order

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)
	argNum++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var event Event
	var actorID sql.NullInt64
	var actorEmail, targetType, targetID, targetLabel sql.NullString
	var ipAddress, userAgent, requestID, method, path, message sql.NullString
	var statusCode sql.NullInt64
	var detailsJSON []byte

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.Action, &event.Status,
		&actorID, &actorEmail,
		&targetType, &targetID, &targetLabel,
		&ipAddress, &userAgent, &requestID,
		&method, &path, &statusCode,
		&message, &detailsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	if actorID.Valid {
		event.ActorID = &actorID.Int64
	}
	event.ActorEmail = actorEmail.String
	event.TargetType = TargetType(targetType.String)
	event.TargetID = targetID.String
	event.TargetLabel = targetLabel.String
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String
	event.RequestID = requestID.String
	event.Method = method.String
	event.Path = path.String
	event.StatusCode = int(statusCode.Int64)
	event.Message = message.String
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w", err)
		}
	}
	return &event, nil
}

// Stats summarizes audit activity in the given time range.
func (l *DBLogger) Stats(ctx context.Context, start, end *time.Time) (*Stats, error) {
	var conditions []string
	var args []interface{}
	argNum := 1
	if start != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *start)
		argNum++
	}
	if end != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argNum))
		args = append(args, *end)
		argNum++
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	stats := &Stats{
		EventsByAction: make(map[Action]int64),
		EventsByStatus: make(map[Status]int64),
	}

	summaryQuery := `
		SELECT COUNT(*),
			COUNT(DISTINCT actor_id),
			COUNT(DISTINCT ip_address),
			MIN(timestamp),
			MAX(timestamp)
		FROM audit_logs` + where
	var oldest, newest sql.NullTime
	err := l.db.QueryRowContext(ctx, summaryQuery, args...).Scan(
		&stats.TotalEvents, &stats.UniqueActors, &stats.UniqueIPs, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestTimestamp = &oldest.Time
	}
	if newest.Valid {
		stats.NewestTimestamp = &newest.Time
	}

	actionQuery := `SELECT action, status, COUNT(*) FROM audit_logs` + where + ` GROUP BY action, status`
	rows, err := l.db.QueryContext(ctx, actionQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action Action
		var status Status
		var count int64
		if err := rows.Scan(&action, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats breakdown: %w", err)
		}
		stats.EventsByAction[action] += count
		stats.EventsByStatus[status] += count
		if action == ActionAuthLoginFailed {
			stats.FailedLogins += count
		}
		if action == ActionAccessDenied || status == StatusDenied {
			stats.AccessDenials += count
		}
	}
	return stats, rows.Err()
}

// Purge deletes audit logs older than the cutoff and returns how many
// rows were removed. Called by the janitor on a retention schedule.
func (l *DBLogger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return res.RowsAffected()
}
