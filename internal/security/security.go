// Package security records the audit trail of allow/deny decisions made on
// content requests. Events are append-only.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/proofroom/proofroom/internal/database"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type EventType string

const (
	EventRateLimitHit     EventType = "RATE_LIMIT_HIT"
	EventTokenInvalid     EventType = "TOKEN_INVALID"
	EventSessionMismatch  EventType = "TOKEN_SESSION_MISMATCH"
	EventSessionMissing   EventType = "SESSION_MISSING"
	EventPasswordRequired EventType = "PASSWORD_REQUIRED"
	EventPasswordFailed   EventType = "PASSWORD_FAILED"
	EventHotlinkDetected  EventType = "HOTLINK_DETECTED"
	EventStreamFailure    EventType = "STREAM_IO_FAILURE"
	EventArchiveInvalid   EventType = "ARCHIVE_TOKEN_INVALID"
)

type Event struct {
	Type       EventType
	Severity   Severity
	IPAddress  string
	SessionID  string
	ProjectID  string
	VideoID    string
	Details    map[string]any
	WasBlocked bool
}

// Geo resolves an IP to an ISO country code; empty when unknown.
type Geo interface {
	Country(ip string) string
}

type Log struct {
	db  database.DBTX
	geo Geo
}

func NewLog(db database.DBTX, geo Geo) *Log {
	return &Log{db: db, geo: geo}
}

const writeTimeout = 5 * time.Second

// Record persists the event. It detaches from the caller's cancellation so
// events about aborted requests still land.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	logEvent(ctx, e)

	if l == nil || l.db == nil {
		return nil
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}

	var country *string
	if l.geo != nil {
		if c := l.geo.Country(e.IPAddress); c != "" {
			country = &c
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	_, err = l.db.Exec(writeCtx,
		`INSERT INTO security_events (id, type, severity, ip_address, country, session_id, project_id, video_id, details, was_blocked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(), string(e.Type), string(e.Severity), e.IPAddress, country,
		nullable(e.SessionID), nullable(e.ProjectID), nullable(e.VideoID), payload, e.WasBlocked,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func logEvent(ctx context.Context, e Event) {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "security: event",
		"type", e.Type,
		"severity", e.Severity,
		"ip", e.IPAddress,
		"project_id", e.ProjectID,
		"video_id", e.VideoID,
		"blocked", e.WasBlocked,
	)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
