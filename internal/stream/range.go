package stream

import (
	"errors"
	"strconv"
	"strings"

	"github.com/proofroom/proofroom/internal/storage"
)

var ErrUnsatisfiable = errors.New("range not satisfiable")

// ParseRange parses a single "bytes=" range against an object of size bytes.
// Open-ended and suffix forms are accepted; an end past the object is
// clamped. When several ranges are listed only the first is honoured.
func ParseRange(header string, size int64) (storage.ByteRange, error) {
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || size <= 0 {
		return storage.ByteRange{}, ErrUnsatisfiable
	}
	rangeSpec, _, _ = strings.Cut(rangeSpec, ",")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rangeSpec), "-")
	if !ok {
		return storage.ByteRange{}, ErrUnsatisfiable
	}

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return storage.ByteRange{}, ErrUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return storage.ByteRange{Start: size - suffix, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return storage.ByteRange{}, ErrUnsatisfiable
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return storage.ByteRange{}, ErrUnsatisfiable
		}
		if end >= size {
			end = size - 1
		}
	}
	return storage.ByteRange{Start: start, End: end}, nil
}

// capRange shortens rng to at most limit bytes from its start.
func capRange(rng storage.ByteRange, limit int64) storage.ByteRange {
	if limit > 0 && rng.Length() > limit {
		rng.End = rng.Start + limit - 1
	}
	return rng
}
