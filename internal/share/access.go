package share

import (
	"net/http"

	"github.com/proofroom/proofroom/internal/media"
)

// Access is one of Denied, Admin, AuthenticatedSession or Guest. Callers
// switch on the concrete type; the unexported method keeps the set closed.
type Access interface {
	access()
}

type DenyReason string

const (
	ReasonSessionMissing   DenyReason = "session_missing"
	ReasonPasswordRequired DenyReason = "password_required"
)

type Denied struct {
	Reason DenyReason
}

type Admin struct {
	UserID string
}

type AuthenticatedSession struct {
	SessionID string
}

type Guest struct {
	SessionID string
}

func (Denied) access()               {}
func (Admin) access()                {}
func (AuthenticatedSession) access() {}
func (Guest) access()                {}

// SessionOf returns the identity a token is bound to for an access value.
// Administrators bind by user id; denials carry none.
func SessionOf(a Access) string {
	switch v := a.(type) {
	case AuthenticatedSession:
		return v.SessionID
	case Guest:
		return v.SessionID
	case Admin:
		return "admin:" + v.UserID
	case Denied:
		return ""
	}
	return ""
}

type Binder struct {
	secret        string
	secureCookies bool
}

func NewBinder(secret string, secureCookies bool) *Binder {
	return &Binder{secret: secret, secureCookies: secureCookies}
}

// Classify decides the caller's category for project. adminUserID is the
// authenticated administrator, or empty. The password gate applies to
// sessions and guests alike; admins bypass it.
func (b *Binder) Classify(r *http.Request, project media.Project, adminUserID string) Access {
	if adminUserID != "" {
		return Admin{UserID: adminUserID}
	}

	sessionID, hasSession := ResolveSession(r, project.ID)
	if !hasSession && !project.GuestAccess {
		return Denied{Reason: ReasonSessionMissing}
	}
	if !b.HasPasswordAccess(r, project) {
		return Denied{Reason: ReasonPasswordRequired}
	}
	if hasSession {
		return AuthenticatedSession{SessionID: sessionID}
	}
	return Guest{SessionID: guestSessionID(r, project.ID)}
}
