package httpclient

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// debugLogger is the package-level zerolog logger for debug output.
var debugLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// generateCurlCommand creates a cURL command equivalent for one attempt.
//
// The generated command can be used to reproduce the request from the command line.
// Sensitive headers like Authorization are included for debugging purposes.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/users' -H 'Content-Type: application/json' -d '{"name":"John"}'
func generateCurlCommand(method, target string, header http.Header, body []byte) string {
	parts := []string{"curl"}

	if method == http.MethodHead {
		parts = append(parts, "-I")
	} else if method != http.MethodGet {
		parts = append(parts, "-X", method)
	}

	parts = append(parts, shellQuote(target))

	// Headers (sorted for consistent output)
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range header[k] {
			parts = append(parts, "-H", shellQuote(k+": "+v))
		}
	}

	if len(body) > 0 {
		parts = append(parts, "--data-binary", shellQuote(string(body)))
	}

	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// logAttempt logs an attempt about to be written. With debug on, the log
// carries a cURL reproduction.
func logAttempt(logger zerolog.Logger, debug bool, req *Request, target string, header http.Header) {
	ev := logger.Debug()
	if !ev.Enabled() {
		return
	}
	ev = ev.Str("method", req.method).Str("url", target)
	if debug {
		ev = ev.Str("curl", generateCurlCommand(req.method, target, header, req.bodyBytesForDebug()))
	}
	ev.Msg("HTTP request")
}

// logResponse logs a response head.
func logResponse(logger zerolog.Logger, status *ResponseStatus, header http.Header, duration time.Duration) {
	logger.Debug().
		Int("status", status.StatusCode).
		Str("status_text", fmt.Sprintf("%d %s", status.StatusCode, status.StatusText)).
		Dur("duration_ms", duration).
		Str("content_length", header.Get("Content-Length")).
		Msg("HTTP response")
}
