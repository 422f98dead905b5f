package content

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/proofroom/proofroom/internal/accesstoken"
	"github.com/proofroom/proofroom/internal/auth"
	"github.com/proofroom/proofroom/internal/hotlink"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/ratelimit"
	"github.com/proofroom/proofroom/internal/security"
	"github.com/proofroom/proofroom/internal/share"
	"github.com/proofroom/proofroom/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	testCookieSecret = "test-cookie-secret"
	testJWTSecret    = "test-jwt-secret"
	chromeUA         = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var (
	sessionA = strings.Repeat("a", 43)
	sessionB = strings.Repeat("b", 43)
)

type fakeRepo struct {
	videos   map[string]media.Video
	projects map[string]media.Project
	assets   []media.Asset
	release  chan struct{}
	builds   atomic.Int32
}

func (f *fakeRepo) Video(_ context.Context, id string) (media.Video, error) {
	v, ok := f.videos[id]
	if !ok {
		return media.Video{}, media.ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) Project(_ context.Context, id string) (media.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return media.Project{}, media.ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) CountArchiveAssets(_ context.Context, _ string, _ []string) (int, error) {
	return len(f.assets), nil
}

func (f *fakeRepo) ArchiveAssets(_ context.Context, _ string, _ []string) ([]media.Asset, error) {
	f.builds.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.assets, nil
}

type testEnv struct {
	t       *testing.T
	mr      *miniredis.Miniredis
	tokens  *accesstoken.Store
	handler *Handler
	router  http.Handler
	repo    *fakeRepo
	local   *storage.Local
	files   map[string][]byte
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	files := map[string][]byte{
		"videos/v1/original.mov":     fill(200_000, 'O'),
		"videos/v1/preview-720.mp4":  fill(80_000, '7'),
		"videos/v2/preview-1080.mp4": fill(120_000, '1'),
		"videos/v3/original.mp4":     fill(50_000, 'A'),
		"photos/p1.jpg":              []byte("photo one"),
	}
	for key, data := range files {
		path := filepath.Join(root, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	local, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	repo := &fakeRepo{
		videos: map[string]media.Video{
			"v1": {ID: "v1", ProjectID: "p1", Title: "Opening Scene", OriginalFilename: "opening.mov", ContentType: "video/quicktime",
				OriginalPath: "videos/v1/original.mov", Preview720Path: "videos/v1/preview-720.mp4"},
			"v2": {ID: "v2", ProjectID: "p1", Title: "Second Cut", OriginalFilename: "second.mov", ContentType: "video/quicktime",
				OriginalPath: "videos/v1/original.mov", Preview1080Path: "videos/v2/preview-1080.mp4"},
			"v3": {ID: "v3", ProjectID: "p1", Title: "Final", OriginalFilename: "Final Master.mp4", ContentType: "video/mp4",
				Approved: true, OriginalPath: "videos/v3/original.mp4"},
			"v4": {ID: "v4", ProjectID: "p1", Title: "Processing", OriginalPath: "videos/v1/original.mov"},
			"v9": {ID: "v9", ProjectID: "p9", Title: "Secret", OriginalPath: "videos/v1/original.mov", Preview720Path: "videos/v1/preview-720.mp4"},
		},
		projects: map[string]media.Project{
			"p1": {ID: "p1", Name: "Launch Campaign"},
			"p9": {ID: "p9", Name: "Locked", PasswordHash: "$2a$10$abcdefghij1234567890abcdefghijklmnopqrstuv"},
			"pg": {ID: "pg", Name: "Open House", GuestAccess: true},
		},
		assets: []media.Asset{{ID: "ph1", Filename: "p1.jpg", Path: "photos/p1.jpg"}},
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.BaseURL = "https://media.example.com"
	for _, c := range configure {
		c(&cfg)
	}

	tokens := accesstoken.NewStore(client, accesstoken.DefaultTTL)
	h := NewHandler(tokens, repo, local, share.NewBinder(testCookieSecret, false), ratelimit.NewLimiter(client), security.NewLog(nil, nil), cfg)

	authHandler := auth.NewHandler(testJWTSecret)
	r := chi.NewRouter()
	r.Use(authHandler.OptionalUser)
	r.Get("/content/{token}", h.Content)
	r.Get("/content/archive/{token}", h.Archive)
	r.Post("/api/share/{projectId}/session", h.StartSession)
	r.Post("/api/share/{projectId}/password", h.VerifyPassword)
	r.Post("/api/share/{projectId}/videos/{videoId}/access", h.GrantVideo)
	r.Post("/api/share/{projectId}/archive", h.GrantArchive)

	return &testEnv{t: t, mr: mr, tokens: tokens, handler: h, router: r, repo: repo, local: local, files: files}
}

func (e *testEnv) issue(videoID, projectID, quality, sessionID string) string {
	e.t.Helper()
	token, _, err := e.tokens.Issue(context.Background(), accesstoken.Grant{VideoID: videoID, ProjectID: projectID, Quality: quality, SessionID: sessionID})
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) get(path, sessionID string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.10:51000"
	req.Header.Set("User-Agent", chromeUA)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: share.SessionCookieName("p1"), Value: sessionID})
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func withRange(header string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Range", header) }
}

func assertAccessDenied(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "access denied" {
		t.Errorf("expected generic denial, got %q", body.Error)
	}
}

func TestContent_RangeRequestFromBoundSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "720p", sessionA)

	rec := env.get("/content/"+token, sessionA, withRange("bytes=100-199"))

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/80000" {
		t.Errorf("unexpected Content-Range %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), fill(100, '7')) {
		t.Error("expected bytes from the 720p preview")
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestContent_TokenSurvivesManyRangeRequests(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "720p", sessionA)

	for i := 0; i < 5; i++ {
		if rec := env.get("/content/"+token, sessionA, withRange("bytes=0-9")); rec.Code != http.StatusPartialContent {
			t.Fatalf("request %d: expected 206, got %d", i+1, rec.Code)
		}
	}
}

func TestContent_MissingSessionIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "720p", sessionA)

	assertAccessDenied(t, env.get("/content/"+token, ""), http.StatusUnauthorized)
}

func TestContent_OtherSessionIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "720p", sessionA)

	assertAccessDenied(t, env.get("/content/"+token, sessionB), http.StatusForbidden)
	if rec := env.get("/content/"+token, sessionA); rec.Code != http.StatusOK {
		t.Errorf("owning session should still be served, got %d", rec.Code)
	}
}

func TestContent_LazyBindingLocksToFirstSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "720p", "")

	if rec := env.get("/content/"+token, sessionA); rec.Code != http.StatusOK {
		t.Fatalf("first session: expected 200, got %d", rec.Code)
	}
	assertAccessDenied(t, env.get("/content/"+token, sessionB), http.StatusForbidden)
}

func TestContent_UnknownAndExpiredTokens(t *testing.T) {
	env := newTestEnv(t)

	assertAccessDenied(t, env.get("/content/"+strings.Repeat("x", 43), sessionA), http.StatusForbidden)
	assertAccessDenied(t, env.get("/content/short", sessionA), http.StatusForbidden)

	token := env.issue("v1", "p1", "720p", sessionA)
	env.mr.FastForward(accesstoken.DefaultTTL + time.Second)
	assertAccessDenied(t, env.get("/content/"+token, sessionA), http.StatusForbidden)
}

func TestContent_PasswordGate(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v9", "p9", "720p", sessionA)
	withProjectSession := func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: share.SessionCookieName("p9"), Value: sessionA})
	}

	assertAccessDenied(t, env.get("/content/"+token, "", withProjectSession), http.StatusUnauthorized)
}

func TestContent_FallsBackToAvailablePreview(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v2", "p1", "720p", sessionA)

	rec := env.get("/content/"+token, sessionA, withRange("bytes=0-3"))

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "1111" {
		t.Errorf("expected bytes from the 1080p preview, got %q", rec.Body.String())
	}
}

func TestContent_NoPreviewYetIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v4", "p1", "720p", sessionA)

	rec := env.get("/content/"+token, sessionA)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "access denied") {
		t.Error("missing preview must not look like an authorization failure")
	}
}

func TestContent_ApprovedDownloadUsesOriginal(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v3", "p1", "720p", sessionA)

	rec := env.get("/content/"+token+"?download=true", sessionA)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), env.files["videos/v3/original.mp4"]) {
		t.Error("expected the original file")
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="Final Master.mp4"` {
		t.Errorf("unexpected Content-Disposition %q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("unexpected Cache-Control %q", rec.Header().Get("Cache-Control"))
	}
}

func TestContent_PreviewDownloadGetsGeneratedName(t *testing.T) {
	env := newTestEnv(t)
	token := env.issue("v1", "p1", "1080p", sessionA)

	rec := env.get("/content/"+token+"?download=true", sessionA)

	if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=Opening-Scene-720p-preview.mp4" {
		t.Errorf("unexpected Content-Disposition %q", got)
	}
}

func TestContent_AdminGetsOriginalWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	adminToken, err := auth.GenerateAccessToken(testJWTSecret, "admin-1", auth.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	token := env.issue("v1", "p1", "720p", "admin:admin-1")

	rec := env.get("/content/"+token, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+adminToken)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != len(env.files["videos/v1/original.mov"]) {
		t.Errorf("expected original, got %d bytes", rec.Body.Len())
	}
}

func TestContent_IPRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.IPRule = ratelimit.Rule{Window: time.Minute, MaxRequests: 2, Message: "slow down"}
	})
	token := env.issue("v1", "p1", "720p", sessionA)

	for i := 0; i < 2; i++ {
		if rec := env.get("/content/"+token, sessionA, withRange("bytes=0-0")); rec.Code != http.StatusPartialContent {
			t.Fatalf("request %d: expected 206, got %d", i+1, rec.Code)
		}
	}
	rec := env.get("/content/"+token, sessionA, withRange("bytes=0-0"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body struct {
		Error        string `json:"error"`
		RetryAfterMs int64  `json:"retryAfterMs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "slow down" || body.RetryAfterMs <= 0 {
		t.Errorf("unexpected body %+v", body)
	}

	env.mr.FastForward(time.Minute + time.Second)
	if rec := env.get("/content/"+token, sessionA, withRange("bytes=0-0")); rec.Code != http.StatusPartialContent {
		t.Errorf("next window: expected 206, got %d", rec.Code)
	}
}

func TestContent_SessionRateLimitIsPerSession(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SessionRule = ratelimit.Rule{Window: time.Minute, MaxRequests: 1}
	})
	tokenA := env.issue("v1", "p1", "720p", sessionA)
	tokenB := env.issue("v1", "p1", "720p", sessionB)

	if rec := env.get("/content/"+tokenA, sessionA); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.get("/content/"+tokenA, sessionA); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted session, got %d", rec.Code)
	}
	if rec := env.get("/content/"+tokenB, sessionB); rec.Code != http.StatusOK {
		t.Errorf("other session on the same network should pass, got %d", rec.Code)
	}
}

func TestContent_HotlinkModes(t *testing.T) {
	foreign := func(r *http.Request) { r.Header.Set("Referer", "https://pirate.example.net/player") }

	strict := newTestEnv(t)
	strict.handler.SetHotlinkDetector(hotlink.NewDetector(nil, nil, hotlink.Config{Mode: hotlink.ModeBlockStrict}))
	token := strict.issue("v1", "p1", "720p", sessionA)
	assertAccessDenied(t, strict.get("/content/"+token, sessionA, foreign), http.StatusForbidden)

	logOnly := newTestEnv(t)
	logOnly.handler.SetHotlinkDetector(hotlink.NewDetector(nil, nil, hotlink.Config{Mode: hotlink.ModeLogOnly}))
	token = logOnly.issue("v1", "p1", "720p", sessionA)
	if rec := logOnly.get("/content/"+token, sessionA, foreign); rec.Code != http.StatusOK {
		t.Errorf("log-only mode should serve, got %d", rec.Code)
	}
}

func TestContent_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.FrameAncestors = []string{"https://review.example.com"} })
	token := env.issue("v1", "p1", "720p", sessionA)

	rec := env.get("/content/"+token, sessionA)
	h := rec.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Error("expected anti-sniffing and framing headers")
	}
	if h.Get("Content-Security-Policy") != "frame-ancestors 'self' https://review.example.com" {
		t.Errorf("unexpected CSP %q", h.Get("Content-Security-Policy"))
	}
	if h.Get("Accept-Ranges") != "bytes" || h.Get("Cache-Control") != "private, max-age=900" {
		t.Error("expected streaming cache and range headers")
	}
}

func TestContent_GuestProject(t *testing.T) {
	env := newTestEnv(t)
	env.repo.videos["vg"] = media.Video{ID: "vg", ProjectID: "pg", Title: "Tour", Preview720Path: "videos/v1/preview-720.mp4"}

	req := httptest.NewRequest(http.MethodPost, "/api/share/pg/videos/vg/access", nil)
	req.RemoteAddr = "192.0.2.10:51000"
	req.Header.Set("User-Agent", chromeUA)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var grant grantResponse
	if err := json.NewDecoder(rec.Body).Decode(&grant); err != nil {
		t.Fatal(err)
	}

	if rec := env.get("/content/"+grant.Token, ""); rec.Code != http.StatusOK {
		t.Errorf("same guest: expected 200, got %d", rec.Code)
	}
	other := env.get("/content/"+grant.Token, "", func(r *http.Request) { r.RemoteAddr = "198.51.100.3:4000" })
	assertAccessDenied(t, other, http.StatusForbidden)
}
