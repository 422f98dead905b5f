package stream

import (
	"context"
	"errors"
	"io"
)

const DefaultChunkSize = 64 << 10

// Chunks pulls fixed-size buffers from a reader. The slice returned by Next
// is reused on the following call. Close releases the reader and is safe to
// call more than once.
type Chunks struct {
	ctx    context.Context
	r      io.ReadCloser
	buf    []byte
	done   bool
	closed bool
}

func NewChunks(ctx context.Context, r io.ReadCloser, size int) *Chunks {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunks{ctx: ctx, r: r, buf: make([]byte, size)}
}

// Next returns the next chunk, io.EOF when the reader is drained, or the
// context error once the caller has gone away. Any error closes the reader.
func (c *Chunks) Next() ([]byte, error) {
	if c.done || c.closed {
		return nil, io.EOF
	}
	if err := c.ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == nil:
		return c.buf[:n], nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
		return c.buf[:n], nil
	case errors.Is(err, io.EOF):
		c.done = true
		c.Close()
		return nil, io.EOF
	default:
		c.Close()
		return nil, err
	}
}

func (c *Chunks) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.r.Close()
}
