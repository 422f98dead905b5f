// Package hotlink flags content requests that look like reuse of a media URL
// outside its viewing context. The heuristics are signals, not proof; the
// configured Mode decides whether a positive result blocks or only logs.
package hotlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/redis/go-redis/v9"
)

type Mode string

const (
	ModeBlockStrict Mode = "BLOCK_STRICT"
	ModeLogOnly     Mode = "LOG_ONLY"
	ModeDisabled    Mode = "DISABLED"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeBlockStrict, ModeLogOnly, ModeDisabled:
		return m, nil
	case "":
		return ModeLogOnly, nil
	default:
		return "", fmt.Errorf("unknown hotlink mode %q", s)
	}
}

const (
	ReasonForeignReferer = "foreign_referer"
	ReasonIPDrift        = "session_ip_drift"
	ReasonFirstSeenBurst = "first_seen_velocity"
	ReasonNonBrowser     = "non_browser_agent"
)

type Config struct {
	Mode Mode
	// AllowedOrigins are scheme://host[:port] values permitted in Referer or
	// Origin. Requests without either header are not penalised.
	AllowedOrigins       []string
	MaxIPsPerSession     int64
	HistoryWindow        time.Duration
	VelocityWindow       time.Duration
	MaxFirstSeenRequests int64
}

func DefaultConfig() Config {
	return Config{
		Mode:                 ModeLogOnly,
		MaxIPsPerSession:     3,
		HistoryWindow:        10 * time.Minute,
		VelocityWindow:       10 * time.Second,
		MaxFirstSeenRequests: 60,
	}
}

type Result struct {
	IsHotlinking bool
	Reason       string
	Severity     security.Severity
}

// Geo resolves an IP to a country code; empty when unknown.
type Geo interface {
	Country(ip string) string
}

type Detector struct {
	client  redis.Cmdable
	geo     Geo
	cfg     Config
	allowed map[string]struct{}
	now     func() time.Time
}

func NewDetector(client redis.Cmdable, geo Geo, cfg Config) *Detector {
	defaults := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.MaxIPsPerSession <= 0 {
		cfg.MaxIPsPerSession = defaults.MaxIPsPerSession
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaults.HistoryWindow
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = defaults.VelocityWindow
	}
	if cfg.MaxFirstSeenRequests <= 0 {
		cfg.MaxFirstSeenRequests = defaults.MaxFirstSeenRequests
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &Detector{client: client, geo: geo, cfg: cfg, allowed: allowed, now: time.Now}
}

func (d *Detector) Mode() Mode {
	if d == nil {
		return ModeDisabled
	}
	return d.cfg.Mode
}

// ShouldBlock reports whether a positive result must deny the request.
func (d *Detector) ShouldBlock(res Result) bool {
	return res.IsHotlinking && d.Mode() == ModeBlockStrict
}

// Detect runs the heuristics in order of cost and returns the most severe
// finding. Cache failures skip the history-based checks.
func (d *Detector) Detect(ctx context.Context, r *http.Request, sessionID, videoID, projectID string) Result {
	if d.Mode() == ModeDisabled {
		return Result{}
	}

	var found Result
	raise := func(res Result) {
		if !found.IsHotlinking || rank(res.Severity) > rank(found.Severity) {
			found = res
		}
	}

	if origin := requestOrigin(r); origin != "" {
		if _, ok := d.allowed[origin]; !ok && origin != selfOrigin(r) {
			raise(Result{IsHotlinking: true, Reason: ReasonForeignReferer, Severity: security.SeverityWarning})
		}
	}

	if nonBrowser(r.UserAgent()) {
		raise(Result{IsHotlinking: true, Reason: ReasonNonBrowser, Severity: security.SeverityWarning})
	}

	if d.client != nil && sessionID != "" {
		res, err := d.checkIPDrift(ctx, httputil.ClientIP(r), sessionID)
		if err != nil {
			slog.Error("hotlink: ip history unavailable", "project_id", projectID, "error", err)
		} else if res.IsHotlinking {
			raise(res)
		}

		if videoID != "" {
			res, err = d.checkFirstSeenVelocity(ctx, sessionID, videoID)
			if err != nil {
				slog.Error("hotlink: velocity counter unavailable", "project_id", projectID, "error", err)
			} else if res.IsHotlinking {
				raise(res)
			}
		}
	}

	return found
}

func (d *Detector) checkIPDrift(ctx context.Context, ip, sessionID string) (Result, error) {
	ipKey := "hotlink:ips:" + sessionID
	if err := d.client.SAdd(ctx, ipKey, ip).Err(); err != nil {
		return Result{}, err
	}
	if err := d.client.Expire(ctx, ipKey, d.cfg.HistoryWindow).Err(); err != nil {
		return Result{}, err
	}
	ips, err := d.client.SCard(ctx, ipKey).Result()
	if err != nil {
		return Result{}, err
	}

	var countries int64
	if d.geo != nil {
		if country := d.geo.Country(ip); country != "" {
			countryKey := "hotlink:countries:" + sessionID
			if err := d.client.SAdd(ctx, countryKey, country).Err(); err != nil {
				return Result{}, err
			}
			if err := d.client.Expire(ctx, countryKey, d.cfg.HistoryWindow).Err(); err != nil {
				return Result{}, err
			}
			if countries, err = d.client.SCard(ctx, countryKey).Result(); err != nil {
				return Result{}, err
			}
		}
	}

	switch {
	case ips > d.cfg.MaxIPsPerSession:
		return Result{IsHotlinking: true, Reason: ReasonIPDrift, Severity: security.SeverityCritical}, nil
	case ips == d.cfg.MaxIPsPerSession && countries > 1:
		return Result{IsHotlinking: true, Reason: ReasonIPDrift, Severity: security.SeverityCritical}, nil
	}
	return Result{}, nil
}

// checkFirstSeenVelocity counts requests from a session that only recently
// started watching videoID. Established viewers are never flagged here.
func (d *Detector) checkFirstSeenVelocity(ctx context.Context, sessionID, videoID string) (Result, error) {
	seenKey := "hotlink:seen:" + sessionID + ":" + videoID
	now := d.now()

	if _, err := d.client.SetNX(ctx, seenKey, now.UnixMilli(), d.cfg.HistoryWindow).Result(); err != nil {
		return Result{}, err
	}
	firstSeen, err := d.client.Get(ctx, seenKey).Int64()
	if err != nil {
		return Result{}, err
	}
	if now.Sub(time.UnixMilli(firstSeen)) > d.cfg.VelocityWindow {
		return Result{}, nil
	}

	countKey := "hotlink:velocity:" + sessionID + ":" + videoID
	count, err := d.client.Incr(ctx, countKey).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := d.client.PExpire(ctx, countKey, d.cfg.VelocityWindow).Err(); err != nil {
			return Result{}, err
		}
	}
	if count > d.cfg.MaxFirstSeenRequests {
		return Result{IsHotlinking: true, Reason: ReasonFirstSeenBurst, Severity: security.SeverityWarning}, nil
	}
	return Result{}, nil
}

func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return normalizeOrigin(o)
	}
	if ref := r.Referer(); ref != "" {
		return normalizeOrigin(ref)
	}
	return ""
}

func selfOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(r.Host)
}

func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// nonBrowser treats empty agents, crawlers and agents without a recognised
// browser as scripted clients.
func nonBrowser(agent string) bool {
	if strings.TrimSpace(agent) == "" {
		return true
	}
	ua := useragent.New(agent)
	if ua.Bot() {
		return true
	}
	name, _ := ua.Browser()
	return name == ""
}

func rank(s security.Severity) int {
	switch s {
	case security.SeverityCritical:
		return 2
	case security.SeverityWarning:
		return 1
	default:
		return 0
	}
}
