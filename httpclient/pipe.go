package httpclient

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// chunkPipe connects the engine goroutine writing body parts to a reader
// through a bounded channel of chunks. A full channel blocks the writer,
// which in turn stops reading from the network.
type chunkPipe struct {
	ch  chan []byte
	cur []byte

	// done is closed when the reader closes the pipe.
	done     chan struct{}
	doneOnce sync.Once

	// ctx is the execution feeding the pipe. A Write blocked on a stalled
	// reader returns once it is done.
	ctx context.Context

	mu        sync.Mutex
	werr      error
	closeOnce sync.Once
}

func newChunkPipe(bufferedChunks int) *chunkPipe {
	if bufferedChunks < 0 {
		bufferedChunks = 0
	}
	return &chunkPipe{
		ch:   make(chan []byte, bufferedChunks),
		done: make(chan struct{}),
		ctx:  context.Background(),
	}
}

// bind ties blocked writes to ctx. It is called before the execution
// starts writing.
func (p *chunkPipe) bind(ctx context.Context) {
	p.ctx = ctx
}

// Write queues a copy of b. It fails with ErrConsumerClosed once the
// reader closed the pipe, and with the context error once the bound
// execution is cancelled or timed out.
func (p *chunkPipe) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	select {
	case <-p.done:
		return 0, ErrConsumerClosed
	default:
	}

	select {
	case p.ch <- bytes.Clone(b):
		return len(b), nil
	case <-p.done:
		return 0, ErrConsumerClosed
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	}
}

// closeWrite ends the stream. Reads return err, or io.EOF for nil, once
// the queued chunks are consumed. Only the writer goroutine calls it.
func (p *chunkPipe) closeWrite(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.werr = err
		p.mu.Unlock()
		close(p.ch)
	})
}

// Read blocks until a chunk is available or the writer closed the pipe.
func (p *chunkPipe) Read(b []byte) (int, error) {
	if len(p.cur) == 0 {
		select {
		case chunk, ok := <-p.ch:
			if !ok {
				return 0, p.readErr()
			}
			p.cur = chunk
		case <-p.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

func (p *chunkPipe) readErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr != nil {
		return p.werr
	}
	return io.EOF
}

// Close stops the reader side. A blocked or later Write fails.
func (p *chunkPipe) Close() error {
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}
