package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/proofroom/proofroom/internal/database"
)

type Repository struct {
	db database.DBTX
}

func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Video(ctx context.Context, id string) (Video, error) {
	var v Video
	var preview720, preview1080 *string
	err := r.db.QueryRow(ctx,
		`SELECT id, project_id, title, original_filename, content_type, approved, original_path, preview_720_path, preview_1080_path
		 FROM videos WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.ProjectID, &v.Title, &v.OriginalFilename, &v.ContentType, &v.Approved, &v.OriginalPath, &preview720, &preview1080)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("query video %s: %w", id, err)
	}
	if preview720 != nil {
		v.Preview720Path = *preview720
	}
	if preview1080 != nil {
		v.Preview1080Path = *preview1080
	}
	return v, nil
}

func (r *Repository) Project(ctx context.Context, id string) (Project, error) {
	var p Project
	var passwordHash *string
	err := r.db.QueryRow(ctx,
		`SELECT id, name, password_hash, guest_access FROM projects WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &passwordHash, &p.GuestAccess)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("query project %s: %w", id, err)
	}
	if passwordHash != nil {
		p.PasswordHash = *passwordHash
	}
	return p, nil
}

// CountArchiveAssets counts the photos an archive of assetIDs would hold.
func (r *Repository) CountArchiveAssets(ctx context.Context, projectID string, assetIDs []string) (int, error) {
	var ids []string
	if len(assetIDs) > 0 {
		ids = assetIDs
	}
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM photos
		 WHERE project_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))`,
		projectID, ids,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archive assets: %w", err)
	}
	return n, nil
}

// ArchiveAssets returns the photos of a project, restricted to assetIDs when
// that list is non-empty.
func (r *Repository) ArchiveAssets(ctx context.Context, projectID string, assetIDs []string) ([]Asset, error) {
	var ids []string
	if len(assetIDs) > 0 {
		ids = assetIDs
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, filename, original_path FROM photos
		 WHERE project_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))
		 ORDER BY filename, id`,
		projectID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query archive assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.Filename, &a.Path); err != nil {
			return nil, fmt.Errorf("scan archive asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive assets: %w", err)
	}
	return assets, nil
}
