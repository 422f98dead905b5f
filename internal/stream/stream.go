// Package stream writes stored media to HTTP responses as full bodies,
// capped byte ranges or forced downloads, pulling bytes in bounded chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/proofroom/proofroom/internal/storage"
)

const DefaultChunkCap int64 = 10 << 20

// ErrClientGone wraps failures writing the response body. The peer hung up
// or the connection broke; storage was not at fault.
var ErrClientGone = errors.New("client connection lost")

type Mode int

const (
	ModeFull Mode = iota
	ModeRange
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeRange:
		return "range"
	case ModeDownload:
		return "download"
	default:
		return "full"
	}
}

// ModeFor picks the serving mode for a request. Downloads ignore Range.
func ModeFor(r *http.Request, download bool) Mode {
	switch {
	case download:
		return ModeDownload
	case r.Header.Get("Range") != "":
		return ModeRange
	default:
		return ModeFull
	}
}

type Source interface {
	StatFile(ctx context.Context, key string) (storage.ObjectInfo, error)
	OpenReadStream(ctx context.Context, key string, rng *storage.ByteRange) (io.ReadCloser, error)
}

type Options struct {
	Path        string
	Mode        Mode
	Filename    string
	ContentType string
	// ChunkCap bounds the bytes served for one range request.
	ChunkCap int64
	// FrameAncestors extends the frame-ancestors directive beyond 'self'.
	FrameAncestors []string
}

// Result reports what was sent. Status is zero when nothing was written,
// in which case the caller still owns the response.
type Result struct {
	Status       int
	BytesWritten int64
}

// Serve streams opts.Path from src. Errors returned with a zero Status
// happened before any header was written. Errors with a non-zero Status
// mean the body was cut short and the connection should be abandoned.
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, src Source, opts Options) (Result, error) {
	info, err := src.StatFile(ctx, opts.Path)
	if err != nil {
		return Result{}, fmt.Errorf("stat media: %w", err)
	}

	limit := opts.ChunkCap
	if limit <= 0 {
		limit = DefaultChunkCap
	}

	status := http.StatusOK
	full := storage.ByteRange{Start: 0, End: info.Size - 1}
	span := full
	var rng *storage.ByteRange

	if opts.Mode == ModeRange {
		parsed, err := ParseRange(r.Header.Get("Range"), info.Size)
		if err != nil {
			setSecurityHeaders(w.Header(), opts)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return Result{Status: http.StatusRequestedRangeNotSatisfiable}, nil
		}
		span = capRange(parsed, limit)
		rng = &span
		status = http.StatusPartialContent
	}

	var body io.ReadCloser
	if r.Method != http.MethodHead && span.Length() > 0 {
		body, err = src.OpenReadStream(ctx, opts.Path, rng)
		if err != nil {
			return Result{}, fmt.Errorf("open media: %w", err)
		}
	}

	h := w.Header()
	setSecurityHeaders(h, opts)
	h.Set("Content-Type", contentType(opts.ContentType, info.ContentType))
	h.Set("Content-Length", strconv.FormatInt(span.Length(), 10))
	if !info.ModTime.IsZero() {
		h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}

	switch opts.Mode {
	case ModeDownload:
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Disposition", attachment(opts.Filename))
	case ModeRange:
		h.Set("Cache-Control", "private, max-age=900")
		h.Set("Accept-Ranges", "bytes")
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", span.Start, span.End, info.Size))
	default:
		h.Set("Cache-Control", "private, max-age=900")
		h.Set("Accept-Ranges", "bytes")
	}

	w.WriteHeader(status)
	if body == nil {
		return Result{Status: status}, nil
	}

	chunks := NewChunks(ctx, body, DefaultChunkSize)
	defer chunks.Close()

	var written int64
	for {
		chunk, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{Status: status, BytesWritten: written}, fmt.Errorf("read media: %w", err)
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return Result{Status: status, BytesWritten: written}, fmt.Errorf("write response: %w: %w", ErrClientGone, err)
		}
	}

	if written != span.Length() {
		return Result{Status: status, BytesWritten: written}, fmt.Errorf("read media: %w", io.ErrUnexpectedEOF)
	}
	return Result{Status: status, BytesWritten: written}, nil
}

func setSecurityHeaders(h http.Header, opts Options) {
	ancestors := append([]string{"'self'"}, opts.FrameAncestors...)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Content-Security-Policy", "frame-ancestors "+strings.Join(ancestors, " "))
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func contentType(preferred, detected string) string {
	if preferred != "" {
		return preferred
	}
	if detected != "" {
		return detected
	}
	return "application/octet-stream"
}

func attachment(filename string) string {
	filename = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			return -1
		}
		return r
	}, filename)
	if filename == "" {
		filename = "download"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
