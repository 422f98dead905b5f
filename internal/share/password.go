package share

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/proofroom/proofroom/internal/media"
	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// signAuthCookie ties the cookie to the current password hash, so changing
// the project password invalidates every outstanding cookie.
func signAuthCookie(secret, projectID, passwordHash string) string {
	hashPrefix := passwordHash
	if len(hashPrefix) > 16 {
		hashPrefix = hashPrefix[:16]
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(projectID + "|" + hashPrefix))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Binder) HasPasswordAccess(r *http.Request, project media.Project) bool {
	if !project.PasswordProtected() {
		return true
	}
	cookie, err := r.Cookie(AuthCookieName(project.ID))
	if err != nil {
		return false
	}
	expected := signAuthCookie(b.secret, project.ID, project.PasswordHash)
	return hmac.Equal([]byte(expected), []byte(cookie.Value))
}

// VerifyPassword checks password against the project and, on success, sets
// the auth cookie that satisfies the password gate.
func (b *Binder) VerifyPassword(w http.ResponseWriter, project media.Project, password string) bool {
	if !project.PasswordProtected() {
		return true
	}
	if !checkPassword(project.PasswordHash, password) {
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName(project.ID),
		Value:    signAuthCookie(b.secret, project.ID, project.PasswordHash),
		Path:     "/",
		HttpOnly: true,
		Secure:   b.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(AuthMaxAge / time.Second),
	})
	return true
}
