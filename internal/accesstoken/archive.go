package accesstoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type ArchiveGrant struct {
	ProjectID  string
	AssetIDs   []string
	ArchiveKey string
}

type archivePayload struct {
	ProjectID  string    `json:"projectId"`
	AssetIDs   []string  `json:"assetIds"`
	ArchiveKey string    `json:"archiveKey"`
	IssuedAt   time.Time `json:"issuedAt"`
}

type Archive struct {
	TokenID    string
	ProjectID  string
	AssetIDs   []string
	ArchiveKey string
	IssuedAt   time.Time
}

func (s *Store) IssueArchive(ctx context.Context, g ArchiveGrant) (string, time.Time, error) {
	if g.ProjectID == "" || g.ArchiveKey == "" {
		return "", time.Time{}, fmt.Errorf("issue archive token: project and archive key are required")
	}
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	issuedAt := s.now().UTC()
	data, err := json.Marshal(archivePayload{
		ProjectID:  g.ProjectID,
		AssetIDs:   g.AssetIDs,
		ArchiveKey: g.ArchiveKey,
		IssuedAt:   issuedAt,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode archive payload: %w", err)
	}
	if err := s.client.Set(ctx, archiveKeyPrefix+token, data, s.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("store archive token: %w", err)
	}
	return token, issuedAt.Add(s.ttl), nil
}

func (s *Store) LookupArchive(ctx context.Context, token string) (*Archive, error) {
	if !wellFormed(token) {
		return nil, ErrNotFound
	}

	raw, err := s.client.Get(ctx, archiveKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup archive token: %w", err)
	}

	var p archivePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || p.ArchiveKey == "" {
		return nil, ErrNotFound
	}

	return &Archive{
		TokenID:    Fingerprint(token),
		ProjectID:  p.ProjectID,
		AssetIDs:   p.AssetIDs,
		ArchiveKey: p.ArchiveKey,
		IssuedAt:   p.IssuedAt,
	}, nil
}
