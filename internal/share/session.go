// Package share resolves who is asking for shared project content: an
// administrator, a browser session holding the project's session cookie, or a
// guest on a project that allows anonymous viewing.
package share

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/proofroom/proofroom/internal/httputil"
)

const (
	sessionCookiePrefix = "share_session_"
	authCookiePrefix    = "share_auth_"

	sessionBytes  = 32
	SessionMaxAge = 12 * time.Hour
	AuthMaxAge    = 7 * 24 * time.Hour
)

// SessionCookieName is scoped per project so several open projects in one
// browser keep separate sessions.
func SessionCookieName(projectID string) string {
	return sessionCookiePrefix + projectID
}

func AuthCookieName(projectID string) string {
	return authCookiePrefix + projectID
}

// ResolveSession returns the session bound to projectID by cookie, if any.
func ResolveSession(r *http.Request, projectID string) (string, bool) {
	if projectID == "" {
		return "", false
	}
	cookie, err := r.Cookie(SessionCookieName(projectID))
	if err != nil || !validSessionID(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}

// StartSession reuses the caller's session for projectID or issues a new one.
func (b *Binder) StartSession(w http.ResponseWriter, r *http.Request, projectID string) (string, error) {
	if sessionID, ok := ResolveSession(r, projectID); ok {
		return sessionID, nil
	}

	buf := make([]byte, sessionBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sessionID := base64.RawURLEncoding.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName(projectID),
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   b.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(SessionMaxAge / time.Second),
	})
	return sessionID, nil
}

// guestSessionID derives a stable identity for anonymous viewers from their
// network address and browser.
func guestSessionID(r *http.Request, projectID string) string {
	h := sha256.Sum256([]byte(projectID + "|" + httputil.ClientIP(r) + "|" + r.UserAgent()))
	return fmt.Sprintf("guest_%x", h[:12])
}

func validSessionID(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(sessionBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
