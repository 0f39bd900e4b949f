// Package testserver runs chi-routed HTTP/1.1 fixtures for client tests:
// auth challenges, redirects, slow handlers and peers that hang up early.
//
// Example:
//
//	srv := testserver.New(t, func(r chi.Router) {
//	    r.With(testserver.BasicAuth("test", "user", "pass")).Get("/secret", testserver.Text("ok"))
//	    r.Get("/old", testserver.Redirect(http.StatusFound, "/secret"))
//	})
//	resp, err := client.PrepareGet(srv.Endpoint("/old")).Execute(ctx).Get()
package testserver

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middleware so the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Server is an httptest.Server that counts connections and hits per path.
type Server struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int

	conns atomic.Int64
}

// New starts a server with the routes registered by routes. It is closed
// when the test ends.
func New(tb testing.TB, routes func(r chi.Router)) *Server {
	tb.Helper()
	return start(tb, routes, false)
}

// NewTLS is New serving HTTPS with a self-signed certificate.
func NewTLS(tb testing.TB, routes func(r chi.Router)) *Server {
	tb.Helper()
	return start(tb, routes, true)
}

func start(tb testing.TB, routes func(r chi.Router), useTLS bool) *Server {
	s := &Server{hits: make(map[string]int)}
	r := chi.NewRouter()
	r.Use(s.count)
	routes(r)

	s.Server = httptest.NewUnstartedServer(r)
	s.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			s.conns.Add(1)
		}
	}
	if useTLS {
		s.StartTLS()
	} else {
		s.Start()
	}
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Endpoint returns the absolute URL of path.
func (s *Server) Endpoint(path string) string {
	return s.URL + path
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Connections returns how many connections the server accepted.
func (s *Server) Connections() int64 {
	return s.conns.Load()
}

// =============================================================================
// Handlers
// =============================================================================

// Text answers 200 with body as text/plain.
func Text(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
}

// Status answers with code and an empty body.
func Status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

// Redirect answers with code and a Location header.
func Redirect(code int, location string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", location)
		w.WriteHeader(code)
	}
}

// Echoed is the JSON body written by Echo.
type Echoed struct {
	Method     string              `json:"method"`
	RequestURI string              `json:"request_uri"`
	Path       string              `json:"path"`
	Query      string              `json:"query"`
	Header     map[string][]string `json:"header"`
	Body       string              `json:"body"`
}

// Echo answers with the request it received, encoded as JSON.
func Echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	header := r.Header.Clone()
	header.Set("Host", r.Host)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Echoed{
		Method:     r.Method,
		RequestURI: r.RequestURI,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Header:     header,
		Body:       string(body),
	})
}

// Delay waits d, or until the client goes away, before calling next.
func Delay(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-r.Context().Done():
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Truncated promises length bytes, sends body and closes the connection.
func Truncated(length int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijacking not supported", http.StatusInternalServerError)
			return
		}
		c, buf, err := hj.Hijack()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n")
		_, _ = buf.WriteString("Content-Length: " + strconv.Itoa(length) + "\r\n\r\n")
		_, _ = buf.WriteString(body)
		_ = buf.Flush()
	}
}

// Streamed writes parts, flushing after each, without a Content-Length.
func Streamed(parts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		f, _ := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			if f != nil {
				f.Flush()
			}
		}
	}
}

// Tunnel answers CONNECT by splicing the connection to r.Host.
func Tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 5*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	c, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}
	_, _ = c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, buf)
		_ = upstream.Close()
	}()
	_, _ = io.Copy(c, upstream)
	_ = c.Close()
	_ = upstream.Close()
	wg.Wait()
}

// SetCookie sets name=value on the response before calling next.
func SetCookie(name, value string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.SetCookie(w, &http.Cookie{Name: name, Value: value, Path: "/"})
			next.ServeHTTP(w, r)
		})
	}
}

// CloseConnection asks the client not to reuse the connection.
func CloseConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		next.ServeHTTP(w, r)
	})
}

// parseAuthParams splits the comma separated name=value list of an
// authorization header, unquoting values.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for s != "" {
		s = strings.TrimLeft(s, " ,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value, s = s, ""
			} else {
				value, s = s[:end], s[end:]
			}
		}
		params[name] = strings.TrimSpace(value)
	}
	return params
}
