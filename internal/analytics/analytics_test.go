package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackAccess_InsertsAndCounts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	videoID := "v1"
	sessionID := "s1"
	mock.ExpectExec(`INSERT INTO media_access_events`).
		WithArgs(&videoID, "p1", &sessionID, "fp123", int64(4096), "DOWNLOAD_COMPLETE").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	metrics := NewMetrics(prometheus.NewRegistry())
	tracker := NewTracker(mock, metrics)

	err = tracker.TrackAccess(context.Background(), Access{
		VideoID:   "v1",
		ProjectID: "p1",
		SessionID: "s1",
		TokenID:   "fp123",
		Bandwidth: 4096,
		EventType: EventDownloadComplete,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}

	if got := testutil.ToFloat64(metrics.BytesServed.WithLabelValues("DOWNLOAD_COMPLETE")); got != 4096 {
		t.Errorf("expected 4096 bytes counted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Transfers.WithLabelValues("DOWNLOAD_COMPLETE")); got != 1 {
		t.Errorf("expected 1 transfer counted, got %v", got)
	}
}

func TestTrackAccess_ArchiveWithoutVideo(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO media_access_events`).
		WithArgs((*string)(nil), "p1", (*string)(nil), "fp", int64(10), "ARCHIVE_DOWNLOAD_COMPLETE").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewTracker(mock, nil).TrackAccess(context.Background(), Access{
		ProjectID: "p1", TokenID: "fp", Bandwidth: 10, EventType: EventArchiveComplete,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestTrackAccess_WrapsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	dbErr := errors.New("disk full")
	mock.ExpectExec(`INSERT INTO media_access_events`).WillReturnError(dbErr)

	err = NewTracker(mock, nil).TrackAccess(context.Background(), Access{ProjectID: "p1", EventType: EventRangeServed})
	if !errors.Is(err, dbErr) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tracker *Tracker
	if err := tracker.TrackAccess(context.Background(), Access{}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	tracker.Denied("token")
}

func TestDenied_CountsByReason(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	tracker := NewTracker(nil, metrics)

	tracker.Denied("rate_limit")
	tracker.Denied("rate_limit")
	tracker.Denied("hotlink")

	if got := testutil.ToFloat64(metrics.Denials.WithLabelValues("rate_limit")); got != 2 {
		t.Errorf("expected 2 rate_limit denials, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Denials.WithLabelValues("hotlink")); got != 1 {
		t.Errorf("expected 1 hotlink denial, got %v", got)
	}
}
