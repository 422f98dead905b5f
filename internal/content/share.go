package content

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/auth"
	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/share"
	"github.com/proofroom/proofroom/internal/validate"
)

type sessionResponse struct {
	PasswordRequired bool `json:"passwordRequired"`
}

type verifyPasswordRequest struct {
	Password string `json:"password"`
}

type accessRequest struct {
	Quality string `json:"quality"`
}

type archiveRequest struct {
	AssetIDs []string `json:"assetIds"`
}

type grantResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StartSession serves POST /api/share/{projectId}/session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	if _, err := h.binder.StartSession(w, r, project.ID); err != nil {
		slog.Error("share: failed to start session", "project_id", project.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		PasswordRequired: !h.binder.HasPasswordAccess(r, project),
	})
}

// VerifyPassword serves POST /api/share/{projectId}/password.
func (h *Handler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if d := h.limiter.Check(w, r, h.cfg.PasswordRule, "share_password:"+projectID, ""); d != nil {
		h.rateLimited(r, d, "", projectID)
		return
	}

	var req verifyPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validate.Password(req.Password); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	if !h.binder.VerifyPassword(w, project, req.Password) {
		h.record(r.Context(), security.Event{
			Type:       security.EventPasswordFailed,
			Severity:   security.SeverityWarning,
			IPAddress:  httputil.ClientIP(r),
			ProjectID:  project.ID,
			WasBlocked: true,
		})
		httputil.WriteError(w, http.StatusUnauthorized, "incorrect password")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GrantVideo serves POST /api/share/{projectId}/videos/{videoId}/access and
// issues a token bound to the caller's session.
func (h *Handler) GrantVideo(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	quality := media.DefaultQuality
	if req.Quality != "" {
		q, ok := media.ParseQuality(req.Quality)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "unsupported quality")
			return
		}
		quality = q
	}

	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	sessionID, ok := h.grantee(w, r, project)
	if !ok {
		return
	}

	videoID := chi.URLParam(r, "videoId")
	video, err := h.repo.Video(r.Context(), videoID)
	if err != nil || video.ProjectID != project.ID {
		if err != nil && !errors.Is(err, media.ErrNotFound) {
			slog.Error("share: failed to load video", "video_id", videoID, "error", err)
		}
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	token, expiresAt, err := h.tokens.Issue(r.Context(), accesstoken.Grant{
		VideoID:   video.ID,
		ProjectID: project.ID,
		Quality:   string(quality),
		SessionID: sessionID,
	})
	if err != nil {
		slog.Error("share: failed to issue token", "video_id", video.ID, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to issue access token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grantResponse{
		Token:     token,
		URL:       h.cfg.BaseURL + "/content/" + token,
		ExpiresAt: expiresAt,
	})
}

// GrantArchive serves POST /api/share/{projectId}/archive. An empty asset
// list means every photo in the project.
func (h *Handler) GrantArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if msg := validate.AssetIDs(req.AssetIDs); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	if _, ok := h.grantee(w, r, project); !ok {
		return
	}

	assetIDs := slices.Clone(req.AssetIDs)
	slices.Sort(assetIDs)
	assetIDs = slices.Compact(assetIDs)

	n, err := h.repo.CountArchiveAssets(r.Context(), project.ID, assetIDs)
	if err != nil {
		slog.Error("share: failed to count archive assets", "project_id", project.ID, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to issue archive token")
		return
	}
	if n == 0 {
		httputil.WriteError(w, http.StatusNotFound, "no photos to download")
		return
	}

	token, expiresAt, err := h.tokens.IssueArchive(r.Context(), accesstoken.ArchiveGrant{
		ProjectID:  project.ID,
		AssetIDs:   assetIDs,
		ArchiveKey: ArchiveKey(project.ID, assetIDs),
	})
	if err != nil {
		slog.Error("share: failed to issue archive token", "project_id", project.ID, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to issue archive token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grantResponse{
		Token:     token,
		URL:       h.cfg.BaseURL + "/content/archive/" + token,
		ExpiresAt: expiresAt,
	})
}

// ArchiveKey names the stored ZIP for a sorted asset selection so repeated
// requests for the same selection share one build.
func ArchiveKey(projectID string, sortedAssetIDs []string) string {
	if len(sortedAssetIDs) == 0 {
		return "archives/" + projectID + "/all.zip"
	}
	sum := sha256.Sum256([]byte(strings.Join(sortedAssetIDs, ",")))
	return fmt.Sprintf("archives/%s/%x.zip", projectID, sum[:12])
}

func (h *Handler) loadProject(w http.ResponseWriter, r *http.Request) (media.Project, bool) {
	projectID := chi.URLParam(r, "projectId")
	project, err := h.repo.Project(r.Context(), projectID)
	if errors.Is(err, media.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "project not found")
		return media.Project{}, false
	}
	if err != nil {
		slog.Error("share: failed to load project", "project_id", projectID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load project")
		return media.Project{}, false
	}
	return project, true
}

// grantee classifies the caller and returns the identity tokens are bound to.
func (h *Handler) grantee(w http.ResponseWriter, r *http.Request, project media.Project) (string, bool) {
	access := h.binder.Classify(r, project, auth.UserIDFromContext(r.Context()))
	switch a := access.(type) {
	case share.Denied:
		eventType := security.EventSessionMissing
		if a.Reason == share.ReasonPasswordRequired {
			eventType = security.EventPasswordRequired
		}
		h.deny(w, r, http.StatusUnauthorized, security.Event{Type: eventType, ProjectID: project.ID})
		return "", false
	case share.Admin, share.AuthenticatedSession, share.Guest:
		return share.SessionOf(a), true
	}
	return "", false
}
