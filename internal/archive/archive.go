// Package archive assembles project downloads as ZIP objects in storage.
// Builds run in the background; callers poll until the object exists.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/proofroom/proofroom/internal/media"
	"github.com/proofroom/proofroom/internal/storage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RetryAfter is the polling interval handed to clients while a build runs.
const RetryAfter = 5 * time.Second

const (
	defaultWorkers      = 2
	defaultBuildTimeout = 10 * time.Minute
	lockPrefix          = "archive_build:"
	failedPrefix        = "archive_failed:"
	failedTTL           = 10 * time.Minute
)

var (
	// ErrUnavailable means the last build of an archive failed in a way a
	// retry cannot fix, such as an empty selection or a missing photo.
	ErrUnavailable = errors.New("archive not available")

	ErrNoAssets = errors.New("archive has no assets")
)

type ObjectStore interface {
	StatFile(ctx context.Context, key string) (storage.ObjectInfo, error)
	DownloadToFile(ctx context.Context, key string, destPath string) error
	UploadFile(ctx context.Context, key string, filePath string, contentType string) error
}

type AssetSource interface {
	ArchiveAssets(ctx context.Context, projectID string, assetIDs []string) ([]media.Asset, error)
}

type Config struct {
	Workers      int
	BuildTimeout time.Duration
	WorkDir      string
}

type Builder struct {
	store  ObjectStore
	assets AssetSource
	client redis.Cmdable
	cfg    Config
	group  singleflight.Group
	sem    chan struct{}
	wg     sync.WaitGroup
}

func NewBuilder(store ObjectStore, assets AssetSource, client redis.Cmdable, cfg Config) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	return &Builder{
		store:  store,
		assets: assets,
		client: client,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Workers),
	}
}

// EnsureBuilt reports whether archiveKey already exists. When it does not,
// generation is enqueued unless another poll (on any instance) already did.
// After a permanent build failure it returns ErrUnavailable until the
// failure marker expires.
func (b *Builder) EnsureBuilt(ctx context.Context, archiveKey, projectID string, assetIDs []string) (bool, error) {
	_, err := b.store.StatFile(ctx, archiveKey)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("stat archive: %w", err)
	}

	failed, err := b.client.Exists(ctx, failedPrefix+archiveKey).Result()
	if err != nil {
		return false, fmt.Errorf("check archive failure: %w", err)
	}
	if failed > 0 {
		return false, ErrUnavailable
	}

	claimed, err := b.client.SetNX(ctx, lockPrefix+archiveKey, projectID, b.cfg.BuildTimeout).Result()
	if err != nil {
		return false, fmt.Errorf("claim archive build: %w", err)
	}
	if !claimed {
		return false, nil
	}

	slog.Info("archive: build enqueued", "project_id", projectID, "archive_key", archiveKey, "assets", len(assetIDs))
	ids := append([]string(nil), assetIDs...)
	buildCtx := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_, err, _ := b.group.Do(archiveKey, func() (interface{}, error) {
			b.sem <- struct{}{}
			defer func() { <-b.sem }()

			ctx, cancel := context.WithTimeout(buildCtx, b.cfg.BuildTimeout)
			defer cancel()
			return nil, b.Build(ctx, archiveKey, projectID, ids)
		})
		if err != nil {
			slog.Error("archive: build failed", "project_id", projectID, "archive_key", archiveKey, "error", err)
			if permanent(err) {
				if err := b.client.Set(buildCtx, failedPrefix+archiveKey, err.Error(), failedTTL).Err(); err != nil {
					slog.Error("archive: failed to mark build failure", "archive_key", archiveKey, "error", err)
				}
			}
		}
		if err := b.client.Del(buildCtx, lockPrefix+archiveKey).Err(); err != nil {
			slog.Error("archive: failed to release build lock", "archive_key", archiveKey, "error", err)
		}
	}()
	return false, nil
}

// permanent reports whether rebuilding would fail the same way. Other
// failures leave no marker, so the next poll tries again.
func permanent(err error) bool {
	return errors.Is(err, ErrNoAssets) || errors.Is(err, storage.ErrNotFound)
}

// Wait blocks until every enqueued build has finished.
func (b *Builder) Wait() {
	b.wg.Wait()
}

// Build zips the project's assets and uploads the result under archiveKey.
func (b *Builder) Build(ctx context.Context, archiveKey, projectID string, assetIDs []string) error {
	assets, err := b.assets.ArchiveAssets(ctx, projectID, assetIDs)
	if err != nil {
		return fmt.Errorf("list archive assets: %w", err)
	}
	if len(assets) == 0 {
		return fmt.Errorf("build %s: %w", archiveKey, ErrNoAssets)
	}

	dir, err := os.MkdirTemp(b.cfg.WorkDir, "proofroom-archive-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	zipPath := filepath.Join(dir, "archive.zip")
	if err := b.writeZip(ctx, dir, zipPath, assets); err != nil {
		return err
	}

	if err := b.store.UploadFile(ctx, archiveKey, zipPath, "application/zip"); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	slog.Info("archive: build complete", "project_id", projectID, "archive_key", archiveKey, "assets", len(assets))
	return nil
}

func (b *Builder) writeZip(ctx context.Context, dir, zipPath string, assets []media.Asset) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)
	names := make(map[string]int, len(assets))
	for i, asset := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		tmpPath := filepath.Join(dir, "asset-"+strconv.Itoa(i))
		if err := b.store.DownloadToFile(ctx, asset.Path, tmpPath); err != nil {
			return fmt.Errorf("download asset %s: %w", asset.ID, err)
		}
		if err := addFile(zw, entryName(asset, names), tmpPath); err != nil {
			return fmt.Errorf("add asset %s: %w", asset.ID, err)
		}
		_ = os.Remove(tmpPath)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return out.Close()
}

func addFile(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// entryName keeps entries flat and unique: "shot.jpg", "shot-2.jpg", ...
// Suffixed names are recorded too since another upload may carry one.
func entryName(asset media.Asset, seen map[string]int) string {
	name := path.Base(strings.ReplaceAll(asset.Filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = asset.ID
	}
	candidate := name
	ext := path.Ext(name)
	for n := seen[name] + 1; seen[candidate] > 0; n++ {
		candidate = strings.TrimSuffix(name, ext) + "-" + strconv.Itoa(n) + ext
	}
	seen[name]++
	if candidate != name {
		seen[candidate]++
	}
	return candidate
}
