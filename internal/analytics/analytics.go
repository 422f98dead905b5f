// Package analytics records completed media transfers for bandwidth and usage
// reporting.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proofroom/proofroom/internal/database"
)

type EventType string

const (
	EventRangeServed      EventType = "RANGE_SERVED"
	EventStreamServed     EventType = "STREAM_SERVED"
	EventDownloadComplete EventType = "DOWNLOAD_COMPLETE"
	EventArchiveComplete  EventType = "ARCHIVE_DOWNLOAD_COMPLETE"
)

type Access struct {
	VideoID   string
	ProjectID string
	SessionID string
	TokenID   string
	Bandwidth int64
	EventType EventType
}

type Metrics struct {
	BytesServed *prometheus.CounterVec
	Transfers   *prometheus.CounterVec
	Denials     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofroom",
			Name:      "content_bytes_served_total",
			Help:      "Bytes written to clients by the content endpoints.",
		}, []string{"event"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofroom",
			Name:      "content_transfers_total",
			Help:      "Completed content transfers by event type.",
		}, []string{"event"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofroom",
			Name:      "content_denials_total",
			Help:      "Content requests rejected by a gate.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesServed, m.Transfers, m.Denials)
	}
	return m
}

type Tracker struct {
	db      database.DBTX
	metrics *Metrics
}

func NewTracker(db database.DBTX, metrics *Metrics) *Tracker {
	return &Tracker{db: db, metrics: metrics}
}

func (t *Tracker) TrackAccess(ctx context.Context, a Access) error {
	if t == nil {
		return nil
	}
	if t.metrics != nil {
		t.metrics.BytesServed.WithLabelValues(string(a.EventType)).Add(float64(a.Bandwidth))
		t.metrics.Transfers.WithLabelValues(string(a.EventType)).Inc()
	}
	if t.db == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var videoID *string
	if a.VideoID != "" {
		videoID = &a.VideoID
	}
	var sessionID *string
	if a.SessionID != "" {
		sessionID = &a.SessionID
	}
	if _, err := t.db.Exec(writeCtx,
		`INSERT INTO media_access_events (video_id, project_id, session_id, token_id, bytes_served, event_type)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		videoID, a.ProjectID, sessionID, a.TokenID, a.Bandwidth, string(a.EventType),
	); err != nil {
		return fmt.Errorf("insert access event: %w", err)
	}
	return nil
}

// Denied counts a gate rejection. It never touches the database.
func (t *Tracker) Denied(reason string) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.Denials.WithLabelValues(reason).Inc()
}
