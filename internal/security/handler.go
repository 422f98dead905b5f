package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proofroom/proofroom/internal/httputil"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type StoredEvent struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Severity   Severity        `json:"severity"`
	IPAddress  string          `json:"ipAddress"`
	Country    *string         `json:"country"`
	SessionID  *string         `json:"sessionId"`
	ProjectID  *string         `json:"projectId"`
	VideoID    *string         `json:"videoId"`
	Details    json.RawMessage `json:"details"`
	WasBlocked bool            `json:"wasBlocked"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Recent returns the newest events first, optionally filtered by severity.
func (l *Log) Recent(ctx context.Context, severity Severity, limit int) ([]StoredEvent, error) {
	var sev *string
	if severity != "" {
		s := string(severity)
		sev = &s
	}

	rows, err := l.db.Query(ctx,
		`SELECT id, type, severity, ip_address, country, session_id, project_id, video_id, details, was_blocked, created_at
		 FROM security_events
		 WHERE ($1::text IS NULL OR severity = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		sev, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		var e StoredEvent
		var eventType, sevStr string
		var details []byte
		if err := rows.Scan(&e.ID, &eventType, &sevStr, &e.IPAddress, &e.Country,
			&e.SessionID, &e.ProjectID, &e.VideoID, &details, &e.WasBlocked, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Severity = Severity(sevStr)
		e.Details = json.RawMessage(details)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// List serves GET /api/admin/security-events?severity=&limit=.
func (l *Log) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	var severity Severity
	switch s := Severity(strings.ToUpper(r.URL.Query().Get("severity"))); s {
	case "":
	case SeverityInfo, SeverityWarning, SeverityCritical:
		severity = s
	default:
		httputil.WriteError(w, http.StatusBadRequest, "invalid severity")
		return
	}

	events, err := l.Recent(r.Context(), severity, limit)
	if err != nil {
		slog.Error("security: failed to list events", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list security events")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}
