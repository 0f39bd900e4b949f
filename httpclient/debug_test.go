package httpclient

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCurlCommand(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		url     string
		headers http.Header
		body    []byte
		want    string
	}{
		{
			name:   "given GET request, then generates basic curl",
			method: http.MethodGet,
			url:    "https://api.example.com/users",
			want:   "curl 'https://api.example.com/users'",
		},
		{
			name:   "given HEAD request, then uses -I",
			method: http.MethodHead,
			url:    "https://api.example.com/users",
			want:   "curl -I 'https://api.example.com/users'",
		},
		{
			name:   "given POST request, then includes method and body",
			method: http.MethodPost,
			url:    "https://api.example.com/users",
			headers: http.Header{
				"Content-Type": []string{"application/json"},
			},
			body: []byte(`{"name":"John"}`),
			want: `curl -X POST 'https://api.example.com/users' -H 'Content-Type: application/json' --data-binary '{"name":"John"}'`,
		},
		{
			name:   "given multiple headers, then sorts them",
			method: http.MethodGet,
			url:    "https://api.example.com/users",
			headers: http.Header{
				"Authorization": []string{"Bearer token123"},
				"Accept":        []string{"application/json"},
			},
			want: "curl 'https://api.example.com/users' -H 'Accept: application/json' -H 'Authorization: Bearer token123'",
		},
		{
			name:   "given body with single quotes, then escapes them",
			method: http.MethodPut,
			url:    "https://api.example.com/data",
			body:   []byte(`it's working`),
			want:   `curl -X PUT 'https://api.example.com/data' --data-binary 'it'\''s working'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := generateCurlCommand(tt.method, tt.url, tt.headers, tt.body)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestLogAttempt(t *testing.T) {
	req, err := NewRequestBuilder(http.MethodPost, "http://example.com/orders").Body("payload").Build()
	require.NoError(t, err)

	tests := []struct {
		name     string
		level    zerolog.Level
		debug    bool
		wantLog  bool
		wantCurl bool
	}{
		{name: "given info level, then logs nothing", level: zerolog.InfoLevel, wantLog: false},
		{name: "given debug level, then logs the attempt", level: zerolog.DebugLevel, wantLog: true},
		{name: "given debug mode, then adds curl", level: zerolog.DebugLevel, debug: true, wantLog: true, wantCurl: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(tt.level)

			logAttempt(logger, tt.debug, req, "http://example.com/orders", http.Header{"X-Id": {"1"}})

			if !tt.wantLog {
				assert.Zero(t, buf.Len())
				return
			}
			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, "POST", entry["method"])
			assert.Equal(t, "HTTP request", entry["message"])
			if tt.wantCurl {
				assert.Equal(t,
					"curl -X POST 'http://example.com/orders' -H 'X-Id: 1' --data-binary 'payload'",
					entry["curl"])
			} else {
				assert.NotContains(t, entry, "curl")
			}
		})
	}
}

func TestLogResponse(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	logResponse(logger, &ResponseStatus{StatusCode: 404, StatusText: "Not Found"},
		http.Header{"Content-Length": {"12"}}, 5*time.Millisecond)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.InDelta(t, 404, entry["status"], 0)
	assert.Equal(t, "404 Not Found", entry["status_text"])
	assert.Equal(t, "12", entry["content_length"])
}
