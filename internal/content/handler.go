// Package content serves token-gated media bytes and the share endpoints
// that hand out those tokens.
package content

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/analytics"
	"github.com/proofroom/proofroom/internal/hotlink"
	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/ratelimit"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/share"
	"github.com/proofroom/proofroom/internal/stream"
)

// accessDenied is the only body authorization failures ever get; the reason
// goes to the security log.
const accessDenied = "access denied"

type Repository interface {
	Video(ctx context.Context, id string) (media.Video, error)
	Project(ctx context.Context, id string) (media.Project, error)
	CountArchiveAssets(ctx context.Context, projectID string, assetIDs []string) (int, error)
}

type Archiver interface {
	EnsureBuilt(ctx context.Context, archiveKey, projectID string, assetIDs []string) (bool, error)
}

type Config struct {
	BaseURL        string
	IPRule         ratelimit.Rule
	SessionRule    ratelimit.Rule
	PasswordRule   ratelimit.Rule
	ChunkCap       int64
	FrameAncestors []string
}

func DefaultConfig() Config {
	return Config{
		IPRule:       ratelimit.Rule{Window: time.Minute, MaxRequests: 600, Message: "too many requests from this network, slow down"},
		SessionRule:  ratelimit.Rule{Window: time.Minute, MaxRequests: 300, Message: "too many requests for this session, slow down"},
		PasswordRule: ratelimit.Rule{Window: 15 * time.Minute, MaxRequests: 10, Message: "too many password attempts, try again later"},
		ChunkCap:     stream.DefaultChunkCap,
	}
}

type Handler struct {
	tokens   *accesstoken.Store
	repo     Repository
	storage  stream.Source
	binder   *share.Binder
	limiter  *ratelimit.Limiter
	events   *security.Log
	hotlink  *hotlink.Detector
	tracker  *analytics.Tracker
	archiver Archiver
	cfg      Config
}

func NewHandler(tokens *accesstoken.Store, repo Repository, storage stream.Source, binder *share.Binder, limiter *ratelimit.Limiter, events *security.Log, cfg Config) *Handler {
	return &Handler{
		tokens:  tokens,
		repo:    repo,
		storage: storage,
		binder:  binder,
		limiter: limiter,
		events:  events,
		cfg:     cfg,
	}
}

func (h *Handler) SetHotlinkDetector(d *hotlink.Detector) {
	h.hotlink = d
}

func (h *Handler) SetTracker(t *analytics.Tracker) {
	h.tracker = t
}

func (h *Handler) SetArchiver(a Archiver) {
	h.archiver = a
}

func (h *Handler) record(ctx context.Context, e security.Event) {
	if err := h.events.Record(ctx, e); err != nil {
		slog.Error("content: failed to record security event", "type", e.Type, "error", err)
	}
}

// deny logs e as a blocked request and writes the generic denial.
func (h *Handler) deny(w http.ResponseWriter, r *http.Request, status int, e security.Event) {
	if e.IPAddress == "" {
		e.IPAddress = httputil.ClientIP(r)
	}
	if e.Severity == "" {
		e.Severity = security.SeverityWarning
	}
	e.WasBlocked = true
	h.record(r.Context(), e)
	h.tracker.Denied(string(e.Type))
	httputil.WriteError(w, status, accessDenied)
}

// rateLimited records a limiter denial. The 429 is already written.
func (h *Handler) rateLimited(r *http.Request, d *ratelimit.Denial, sessionID, projectID string) {
	h.record(r.Context(), security.Event{
		Type:       security.EventRateLimitHit,
		Severity:   security.SeverityWarning,
		IPAddress:  httputil.ClientIP(r),
		SessionID:  sessionID,
		ProjectID:  projectID,
		WasBlocked: true,
		Details: map[string]any{
			"purpose": d.Purpose,
			"count":   d.Count,
			"limit":   d.Limit,
		},
	})
	h.tracker.Denied(string(security.EventRateLimitHit))
}

func (h *Handler) track(ctx context.Context, a analytics.Access) {
	if err := h.tracker.TrackAccess(ctx, a); err != nil {
		slog.Error("content: failed to track access", "event", a.EventType, "error", err)
	}
}
