package media

import "github.com/proofroom/proofroom/internal/accesstoken"

type Artifact struct {
	Path      string
	Rendition Rendition
	// Quality is empty for originals.
	Quality Quality
}

func (a Artifact) Watermarked() bool {
	return a.Rendition == RenditionPreview
}

// Resolve picks the single artifact a verified token may read. Approved
// videos (and admins) get the original regardless of requested quality;
// everyone else gets a watermarked preview, falling back to lower qualities
// first and then higher ones.
func Resolve(v Video, token *accesstoken.Verified, isAdmin bool) (Artifact, error) {
	if token == nil || token.VideoID != v.ID || token.ProjectID != v.ProjectID {
		return Artifact{}, ErrNotFound
	}

	if v.Approved || isAdmin {
		if v.OriginalPath == "" {
			return Artifact{}, ErrNotFound
		}
		return Artifact{Path: v.OriginalPath, Rendition: RenditionOriginal}, nil
	}

	requested, ok := ParseQuality(token.Quality)
	if !ok {
		requested = DefaultQuality
	}
	for _, q := range fallbackOrder(requested) {
		if path := v.previewPath(q); path != "" {
			return Artifact{Path: path, Rendition: RenditionPreview, Quality: q}, nil
		}
	}
	return Artifact{}, ErrNoPreview
}

func fallbackOrder(requested Quality) []Quality {
	start := 0
	for i, q := range qualityLadder {
		if q == requested {
			start = i
			break
		}
	}
	order := make([]Quality, 0, len(qualityLadder))
	order = append(order, qualityLadder[start:]...)
	for i := start - 1; i >= 0; i-- {
		order = append(order, qualityLadder[i])
	}
	return order
}
