package httpclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// PoolKey identifies a bucket of interchangeable connections. Connections
// through different proxies, or with different schemes, never share a
// bucket.
type PoolKey struct {
	Scheme string
	Host   string
	Port   int

	// Proxy is the proxy address, or "" for direct connections.
	Proxy string
}

// String returns the key as "scheme://host:port", suffixed with the proxy.
func (k PoolKey) String() string {
	s := k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
	if k.Proxy != "" {
		s += " via " + k.Proxy
	}
	return s
}

type connState int

const (
	connIdle connState = iota
	connInUse
	connClosed
)

// conn is one HTTP/1.1 connection. The pool owns it while idle; exactly one
// execution owns it while in use.
type conn struct {
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	key     PoolKey
	pool    *connectionPool

	createdAt time.Time
	idleSince time.Time

	// state is guarded by pool.mu.
	state connState

	// reused is set once the connection served a request.
	reused bool

	closeOnce sync.Once
}

func newConn(nc net.Conn, key PoolKey, readBuf, writeBuf int) *conn {
	if readBuf <= 0 {
		readBuf = 4096
	}
	if writeBuf <= 0 {
		writeBuf = 4096
	}
	return &conn{
		netConn:   nc,
		br:        bufio.NewReaderSize(nc, readBuf),
		bw:        bufio.NewWriterSize(nc, writeBuf),
		key:       key,
		createdAt: time.Now(),
		state:     connInUse,
	}
}

func (c *conn) isTLS() bool {
	_, ok := c.netConn.(*tls.Conn)
	return ok
}

// abort unblocks any pending read or write. The connection is unusable
// afterwards.
func (c *conn) abort() {
	_ = c.netConn.SetDeadline(aLongTimeAgo)
}

// Close closes the socket and frees its pool slot. It is safe to call more
// than once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.netConn.Close()
		if c.pool != nil {
			c.pool.forget(c)
		}
	})
	return err
}

// alive probes an idle connection without blocking. A connection that
// reports EOF, an error, or unsolicited bytes is dead.
func (c *conn) alive() bool {
	if err := c.netConn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	_ = c.netConn.SetReadDeadline(time.Time{})

	// A timeout means nothing is pending, which is what we want.
	return err != nil && errors.Is(err, os.ErrDeadlineExceeded)
}
