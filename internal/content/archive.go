package content

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/analytics"
	"github.com/proofroom/proofroom/internal/archive"
	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/stream"
)

type archiveBuildingResponse struct {
	Status       string `json:"status"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// Archive serves GET /content/archive/{token}. A missing archive is built in
// the background and the client is told when to poll again.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	if d := h.limiter.Check(w, r, h.cfg.IPRule, "content_ip", ""); d != nil {
		h.rateLimited(r, d, "", "")
		return
	}

	a, err := h.tokens.LookupArchive(ctx, token)
	if errors.Is(err, accesstoken.ErrNotFound) {
		h.deny(w, r, http.StatusForbidden, security.Event{
			Type:    security.EventArchiveInvalid,
			Details: map[string]any{"token_id": accesstoken.Fingerprint(token)},
		})
		return
	}
	if err != nil {
		slog.Error("content: archive token lookup failed", "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	if h.archiver == nil {
		httputil.WriteError(w, http.StatusNotFound, "archive not found")
		return
	}
	ready, err := h.archiver.EnsureBuilt(ctx, a.ArchiveKey, a.ProjectID, a.AssetIDs)
	if errors.Is(err, archive.ErrUnavailable) {
		httputil.WriteError(w, http.StatusNotFound, "archive not available")
		return
	}
	if err != nil {
		slog.Error("content: archive check failed", "project_id", a.ProjectID, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "archive unavailable")
		return
	}
	if !ready {
		w.Header().Set("Retry-After", strconv.Itoa(int(archive.RetryAfter.Seconds())))
		httputil.WriteJSON(w, http.StatusAccepted, archiveBuildingResponse{
			Status:       "building",
			RetryAfterMs: archive.RetryAfter.Milliseconds(),
		})
		return
	}

	filename := "project-" + a.ProjectID + ".zip"
	if project, err := h.repo.Project(ctx, a.ProjectID); err == nil && project.Name != "" {
		filename = project.Name + ".zip"
	}

	res, err := stream.Serve(ctx, w, r, h.storage, stream.Options{
		Path:           a.ArchiveKey,
		Mode:           stream.ModeDownload,
		Filename:       filename,
		ContentType:    "application/zip",
		FrameAncestors: h.cfg.FrameAncestors,
	})
	if err != nil {
		if res.Status == 0 {
			slog.Error("content: archive unreadable", "archive_key", a.ArchiveKey, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to read archive")
			return
		}
		if errors.Is(err, stream.ErrClientGone) || ctx.Err() != nil {
			slog.Debug("content: archive client went away", "archive_key", a.ArchiveKey, "bytes", res.BytesWritten)
		} else {
			slog.Error("content: archive stream failed", "archive_key", a.ArchiveKey, "bytes", res.BytesWritten, "error", err)
			h.record(ctx, security.Event{
				Type:      security.EventStreamFailure,
				Severity:  security.SeverityCritical,
				IPAddress: httputil.ClientIP(r),
				ProjectID: a.ProjectID,
				Details:   map[string]any{"archive_key": a.ArchiveKey, "bytes_written": res.BytesWritten},
			})
		}
		return
	}
	if r.Method == http.MethodHead {
		return
	}

	h.track(ctx, analytics.Access{
		ProjectID: a.ProjectID,
		TokenID:   a.TokenID,
		Bandwidth: res.BytesWritten,
		EventType: analytics.EventArchiveComplete,
	})
}
