package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// BodyGenerator produces a fresh request body for every send. length is -1
// when unknown, which selects chunked transfer coding.
//
// Example:
//
//	gen := func() (io.Reader, int64, error) {
//	    return strings.NewReader(payload), int64(len(payload)), nil
//	}
//	client.PreparePost(url).BodyGenerator(gen).Execute(ctx)
type BodyGenerator func() (r io.Reader, length int64, err error)

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyBytes
	bodyReader
	bodyFile
	bodyGenerator
)

// requestBody is the body source of a Request. Bytes, files and generators
// can be sent any number of times; a reader only once unless it can seek.
type requestBody struct {
	kind   bodyKind
	data   []byte
	reader io.Reader
	path   string
	gen    BodyGenerator

	// length is the reader length, or -1.
	length int64

	// sent marks a non-seekable reader as consumed.
	sent atomic.Bool
}

func bytesBody(data []byte) *requestBody {
	return &requestBody{kind: bodyBytes, data: data, length: int64(len(data))}
}

func readerBody(r io.Reader, length int64) *requestBody {
	return &requestBody{kind: bodyReader, reader: r, length: length}
}

func fileBody(path string) *requestBody {
	return &requestBody{kind: bodyFile, path: path, length: -1}
}

func generatorBody(gen BodyGenerator) *requestBody {
	return &requestBody{kind: bodyGenerator, gen: gen, length: -1}
}

// readerLength returns the remaining length of well-known in-memory readers,
// or -1.
func readerLength(r io.Reader) int64 {
	switch v := r.(type) {
	case *bytes.Reader:
		return int64(v.Len())
	case *bytes.Buffer:
		return int64(v.Len())
	case interface{ Len() int }:
		return int64(v.Len())
	}
	return -1
}

// replayable reports whether the body can be sent again.
func (b *requestBody) replayable() bool {
	if b == nil || b.kind != bodyReader {
		return true
	}
	_, ok := b.reader.(io.Seeker)
	return ok || !b.sent.Load()
}

// open returns a reader positioned at the start of the body and its length
// (-1 when unknown). The returned close func releases files.
func (b *requestBody) open() (io.Reader, int64, func() error, error) {
	noop := func() error { return nil }
	if b == nil {
		return nil, 0, noop, nil
	}

	switch b.kind {
	case bodyBytes:
		return bytes.NewReader(b.data), int64(len(b.data)), noop, nil

	case bodyReader:
		if s, ok := b.reader.(io.Seeker); ok {
			if b.sent.Swap(true) {
				if _, err := s.Seek(0, io.SeekStart); err != nil {
					return nil, 0, noop, fmt.Errorf("%w: %w", ErrBodyNotReplayable, err)
				}
			}
			return b.reader, b.length, noop, nil
		}
		if b.sent.Swap(true) {
			return nil, 0, noop, ErrBodyNotReplayable
		}
		return b.reader, b.length, noop, nil

	case bodyFile:
		f, err := os.Open(b.path)
		if err != nil {
			return nil, 0, noop, err
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, 0, noop, err
		}
		return f, fi.Size(), f.Close, nil

	case bodyGenerator:
		r, n, err := b.gen()
		if err != nil {
			return nil, 0, noop, err
		}
		closeFn := noop
		if c, ok := r.(io.Closer); ok {
			closeFn = c.Close
		}
		return r, n, closeFn, nil
	}
	return nil, 0, noop, nil
}

// snapshot returns the body bytes when they are in memory, for debug output
// and Digest auth-int.
func (b *requestBody) snapshot() []byte {
	if b == nil || b.kind != bodyBytes {
		return nil
	}
	return b.data
}

// =============================================================================
// Upload Progress
// =============================================================================

// progressReader wraps a request body to count the bytes sent and report
// each read to onRead.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64

	onRead func(amount, current, total int64)
}

func newProgressReader(r io.Reader, total int64, onRead func(amount, current, total int64)) *progressReader {
	return &progressReader{r: r, total: total, onRead: onRead}
}

// Read reads from the underlying body, tracking bytes sent.
func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onRead(int64(n), p.sent, p.total)
	}
	return n, err
}
