// Package accesstoken issues and verifies the short-lived capability tokens
// that gate every content request. Tokens are opaque random strings; the
// payload lives only in the cache under the token key and expires with it.
package accesstoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 15 * time.Minute

	tokenBytes       = 32
	videoKeyPrefix   = "video_access:"
	archiveKeyPrefix = "zip_download:"
)

var (
	ErrNotFound        = errors.New("access token not found")
	ErrSessionMismatch = errors.New("access token bound to another session")
)

type Grant struct {
	VideoID   string
	ProjectID string
	Quality   string
	// SessionID may be empty, in which case the first redeeming session
	// claims the token.
	SessionID string
}

type videoPayload struct {
	VideoID   string    `json:"videoId"`
	ProjectID string    `json:"projectId"`
	Quality   string    `json:"quality"`
	IssuedAt  time.Time `json:"issuedAt"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Verified is the decoded view of a token that passed lookup and session
// checks. TokenID is a fingerprint safe to log, never the token itself.
type Verified struct {
	TokenID   string
	VideoID   string
	ProjectID string
	Quality   string
	SessionID string
	IssuedAt  time.Time
}

type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) Issue(ctx context.Context, g Grant) (string, time.Time, error) {
	if g.VideoID == "" || g.ProjectID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: video and project are required")
	}
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	issuedAt := s.now().UTC()
	data, err := json.Marshal(videoPayload{
		VideoID:   g.VideoID,
		ProjectID: g.ProjectID,
		Quality:   g.Quality,
		IssuedAt:  issuedAt,
		SessionID: g.SessionID,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode token payload: %w", err)
	}
	if err := s.client.Set(ctx, videoKeyPrefix+token, data, s.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("store token: %w", err)
	}
	return token, issuedAt.Add(s.ttl), nil
}

// Claim is a token that was found in the store but has not yet been checked
// against a session. Callers need its project to locate the session cookie.
type Claim struct {
	token   string
	key     string
	payload videoPayload
}

func (c *Claim) ProjectID() string { return c.payload.ProjectID }
func (c *Claim) VideoID() string   { return c.payload.VideoID }
func (c *Claim) TokenID() string   { return Fingerprint(c.token) }

// Lookup fetches a token without consuming it.
func (s *Store) Lookup(ctx context.Context, token string) (*Claim, error) {
	if !wellFormed(token) {
		return nil, ErrNotFound
	}

	key := videoKeyPrefix + token
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	var p videoPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.VideoID == "" || p.ProjectID == "" {
		return nil, ErrNotFound
	}
	return &Claim{token: token, key: key, payload: p}, nil
}

// Bind checks a looked-up token against the caller's session, claiming the
// token for that session if it was issued unbound.
func (s *Store) Bind(ctx context.Context, c *Claim, sessionID string) (*Verified, error) {
	if sessionID == "" {
		return nil, ErrSessionMismatch
	}

	bound := c.payload.SessionID
	if bound == "" {
		var err error
		bound, err = s.bindLazily(ctx, c.key, sessionID)
		if err != nil {
			return nil, err
		}
	}
	if subtle.ConstantTimeCompare([]byte(bound), []byte(sessionID)) != 1 {
		return nil, ErrSessionMismatch
	}

	return &Verified{
		TokenID:   c.TokenID(),
		VideoID:   c.payload.VideoID,
		ProjectID: c.payload.ProjectID,
		Quality:   c.payload.Quality,
		SessionID: bound,
		IssuedAt:  c.payload.IssuedAt,
	}, nil
}

// Verify looks the token up and checks it against the caller's session. The
// entry is left in place so a player can issue many range requests with it.
func (s *Store) Verify(ctx context.Context, token, sessionID string) (*Verified, error) {
	c, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Bind(ctx, c, sessionID)
}

// bindLazily records the first redeeming session for a token that was issued
// without one and returns whichever session holds the binding.
func (s *Store) bindLazily(ctx context.Context, key, sessionID string) (string, error) {
	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("token ttl: %w", err)
	}
	if remaining <= 0 {
		return "", ErrNotFound
	}

	bindKey := key + ":session"
	claimed, err := s.client.SetNX(ctx, bindKey, sessionID, remaining).Result()
	if err != nil {
		return "", fmt.Errorf("bind token session: %w", err)
	}
	if claimed {
		return sessionID, nil
	}

	bound, err := s.client.Get(ctx, bindKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read token session: %w", err)
	}
	return bound, nil
}

// Fingerprint returns a short stable digest of a token for audit trails.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h[:8])
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func wellFormed(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
