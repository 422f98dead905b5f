package content

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/analytics"
	"github.com/proofroom/proofroom/internal/auth"
	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/share"
	"github.com/proofroom/proofroom/internal/storage"
	"github.com/proofroom/proofroom/internal/stream"
)

// Content serves GET /content/{token}. Gates run in a fixed order: network
// rate limit, token lookup, caller classification (session and password),
// session rate limit, session binding, hotlink check, artifact selection.
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	ip := httputil.ClientIP(r)

	if d := h.limiter.Check(w, r, h.cfg.IPRule, "content_ip", ip); d != nil {
		h.rateLimited(r, d, "", "")
		return
	}

	claim, err := h.tokens.Lookup(ctx, token)
	if errors.Is(err, accesstoken.ErrNotFound) {
		h.deny(w, r, http.StatusForbidden, security.Event{
			Type:    security.EventTokenInvalid,
			Details: map[string]any{"token_id": accesstoken.Fingerprint(token)},
		})
		return
	}
	if err != nil {
		slog.Error("content: token lookup failed", "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	project, err := h.repo.Project(ctx, claim.ProjectID())
	if errors.Is(err, media.ErrNotFound) {
		h.deny(w, r, http.StatusForbidden, security.Event{
			Type:      security.EventTokenInvalid,
			ProjectID: claim.ProjectID(),
			Details:   map[string]any{"token_id": claim.TokenID(), "reason": "project_missing"},
		})
		return
	}
	if err != nil {
		slog.Error("content: failed to load project", "project_id", claim.ProjectID(), "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	access := h.binder.Classify(r, project, auth.UserIDFromContext(ctx))
	var isAdmin bool
	switch a := access.(type) {
	case share.Denied:
		eventType := security.EventSessionMissing
		if a.Reason == share.ReasonPasswordRequired {
			eventType = security.EventPasswordRequired
		}
		h.deny(w, r, http.StatusUnauthorized, security.Event{
			Type:      eventType,
			ProjectID: project.ID,
			VideoID:   claim.VideoID(),
			Details:   map[string]any{"token_id": claim.TokenID()},
		})
		return
	case share.Admin:
		isAdmin = true
	case share.AuthenticatedSession, share.Guest:
	}
	sessionID := share.SessionOf(access)

	if d := h.limiter.Check(w, r, h.cfg.SessionRule, "content_session", sessionID); d != nil {
		h.rateLimited(r, d, sessionID, project.ID)
		return
	}

	verified, err := h.tokens.Bind(ctx, claim, sessionID)
	switch {
	case errors.Is(err, accesstoken.ErrSessionMismatch):
		h.deny(w, r, http.StatusForbidden, security.Event{
			Type:      security.EventSessionMismatch,
			Severity:  security.SeverityCritical,
			SessionID: sessionID,
			ProjectID: project.ID,
			VideoID:   claim.VideoID(),
			Details:   map[string]any{"token_id": claim.TokenID()},
		})
		return
	case errors.Is(err, accesstoken.ErrNotFound):
		h.deny(w, r, http.StatusForbidden, security.Event{
			Type:      security.EventTokenInvalid,
			SessionID: sessionID,
			ProjectID: project.ID,
			Details:   map[string]any{"token_id": claim.TokenID(), "reason": "expired"},
		})
		return
	case err != nil:
		slog.Error("content: token binding failed", "token_id", claim.TokenID(), "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	if !isAdmin && h.hotlinkBlocked(ctx, r, verified) {
		httputil.WriteError(w, http.StatusForbidden, accessDenied)
		return
	}

	video, err := h.repo.Video(ctx, verified.VideoID)
	if errors.Is(err, media.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "media not found")
		return
	}
	if err != nil {
		slog.Error("content: failed to load video", "video_id", verified.VideoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load media")
		return
	}

	artifact, err := media.Resolve(video, verified, isAdmin)
	switch {
	case errors.Is(err, media.ErrNoPreview):
		httputil.WriteError(w, http.StatusNotFound, "preview not available yet")
		return
	case err != nil:
		httputil.WriteError(w, http.StatusNotFound, "media not found")
		return
	}

	mode := stream.ModeFor(r, r.URL.Query().Get("download") == "true")
	opts := stream.Options{
		Path:           artifact.Path,
		Mode:           mode,
		Filename:       downloadName(video, artifact),
		ContentType:    artifactContentType(video, artifact),
		ChunkCap:       h.cfg.ChunkCap,
		FrameAncestors: h.cfg.FrameAncestors,
	}

	res, err := stream.Serve(ctx, w, r, h.storage, opts)
	if err != nil {
		h.streamFailed(w, r, res, err, verified)
		return
	}
	if res.Status == http.StatusRequestedRangeNotSatisfiable || r.Method == http.MethodHead {
		return
	}

	eventType := analytics.EventStreamServed
	switch mode {
	case stream.ModeDownload:
		eventType = analytics.EventDownloadComplete
	case stream.ModeRange:
		eventType = analytics.EventRangeServed
	}
	h.track(ctx, analytics.Access{
		VideoID:   verified.VideoID,
		ProjectID: verified.ProjectID,
		SessionID: verified.SessionID,
		TokenID:   verified.TokenID,
		Bandwidth: res.BytesWritten,
		EventType: eventType,
	})
}

// hotlinkBlocked runs the detector and logs any finding. It reports true
// only when the configured mode enforces the finding.
func (h *Handler) hotlinkBlocked(ctx context.Context, r *http.Request, v *accesstoken.Verified) bool {
	if h.hotlink == nil {
		return false
	}
	res := h.hotlink.Detect(ctx, r, v.SessionID, v.VideoID, v.ProjectID)
	if !res.IsHotlinking {
		return false
	}

	blocked := h.hotlink.ShouldBlock(res)
	h.record(ctx, security.Event{
		Type:       security.EventHotlinkDetected,
		Severity:   res.Severity,
		IPAddress:  httputil.ClientIP(r),
		SessionID:  v.SessionID,
		ProjectID:  v.ProjectID,
		VideoID:    v.VideoID,
		WasBlocked: blocked,
		Details: map[string]any{
			"reason":   res.Reason,
			"mode":     string(h.hotlink.Mode()),
			"referer":  r.Referer(),
			"token_id": v.TokenID,
		},
	})
	if blocked {
		h.tracker.Denied(string(security.EventHotlinkDetected))
	}
	return blocked
}

// streamFailed handles a Serve error. Before headers go out the caller gets
// a status; afterwards the truncated body is all the client sees. Cut-short
// transfers are not tracked as served.
func (h *Handler) streamFailed(w http.ResponseWriter, r *http.Request, res stream.Result, err error, v *accesstoken.Verified) {
	ctx := r.Context()
	if res.Status == 0 && errors.Is(err, storage.ErrNotFound) {
		slog.Warn("content: artifact missing from storage", "video_id", v.VideoID, "error", err)
		httputil.WriteError(w, http.StatusNotFound, "media not found")
		return
	}
	if errors.Is(err, stream.ErrClientGone) || ctx.Err() != nil {
		slog.Debug("content: client went away", "video_id", v.VideoID, "bytes", res.BytesWritten)
		return
	}

	slog.Error("content: stream failed", "video_id", v.VideoID, "bytes", res.BytesWritten, "error", err)
	h.record(ctx, security.Event{
		Type:      security.EventStreamFailure,
		Severity:  security.SeverityCritical,
		IPAddress: httputil.ClientIP(r),
		SessionID: v.SessionID,
		ProjectID: v.ProjectID,
		VideoID:   v.VideoID,
		Details:   map[string]any{"bytes_written": res.BytesWritten, "error": err.Error()},
	})
	if res.Status == 0 {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to read media")
	}
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// downloadName uses the uploaded filename for originals and a generated one
// for watermarked previews.
func downloadName(v media.Video, a media.Artifact) string {
	if !a.Watermarked() && v.OriginalFilename != "" {
		return v.OriginalFilename
	}
	base := strings.Trim(unsafeFilename.ReplaceAllString(v.Title, "-"), "-")
	if base == "" {
		base = "video"
	}
	if a.Watermarked() {
		return base + "-" + string(a.Quality) + "-preview.mp4"
	}
	return base + ".mp4"
}

func artifactContentType(v media.Video, a media.Artifact) string {
	if a.Watermarked() {
		return "video/mp4"
	}
	return v.ContentType
}
