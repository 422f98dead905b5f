package media

import (
	"errors"
	"strings"
)

var (
	ErrNotFound  = errors.New("media not found")
	ErrNoPreview = errors.New("preview not available")
)

type Quality string

const (
	Quality720  Quality = "720p"
	Quality1080 Quality = "1080p"

	DefaultQuality = Quality720
)

// qualityLadder is ordered from highest to lowest.
var qualityLadder = []Quality{Quality1080, Quality720}

func ParseQuality(s string) (Quality, bool) {
	switch Quality(strings.ToLower(strings.TrimSpace(s))) {
	case Quality720:
		return Quality720, true
	case Quality1080:
		return Quality1080, true
	}
	return "", false
}

type Rendition string

const (
	RenditionOriginal Rendition = "original"
	RenditionPreview  Rendition = "preview"
)

type Video struct {
	ID               string
	ProjectID        string
	Title            string
	OriginalFilename string
	ContentType      string
	Approved         bool
	OriginalPath     string
	Preview720Path   string
	Preview1080Path  string
}

func (v Video) previewPath(q Quality) string {
	switch q {
	case Quality720:
		return v.Preview720Path
	case Quality1080:
		return v.Preview1080Path
	}
	return ""
}

type Project struct {
	ID           string
	Name         string
	PasswordHash string
	GuestAccess  bool
}

func (p Project) PasswordProtected() bool {
	return p.PasswordHash != ""
}

type Asset struct {
	ID       string
	Filename string
	Path     string
}
