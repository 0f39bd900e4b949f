package httpclient

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneShotReader hides any Seek method of the wrapped reader.
type oneShotReader struct {
	r io.Reader
}

func (o *oneShotReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

func readAll(t *testing.T, b *requestBody) (string, int64) {
	t.Helper()
	r, n, closeFn, err := b.open()
	require.NoError(t, err)
	defer func() { require.NoError(t, closeFn()) }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data), n
}

func TestRequestBody_Open(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))

	tests := []struct {
		name       string
		body       *requestBody
		wantData   string
		wantLength int64
	}{
		{
			name:       "given bytes, then returns data with exact length",
			body:       bytesBody([]byte("hello")),
			wantData:   "hello",
			wantLength: 5,
		},
		{
			name:       "given reader with known length, then keeps length",
			body:       readerBody(strings.NewReader("abc"), 3),
			wantData:   "abc",
			wantLength: 3,
		},
		{
			name:       "given reader with unknown length, then reports -1",
			body:       readerBody(&oneShotReader{r: strings.NewReader("abc")}, -1),
			wantData:   "abc",
			wantLength: -1,
		},
		{
			name:       "given file, then length is file size",
			body:       fileBody(path),
			wantData:   "from file",
			wantLength: 9,
		},
		{
			name: "given generator, then uses generated reader",
			body: generatorBody(func() (io.Reader, int64, error) {
				return strings.NewReader("gen"), 3, nil
			}),
			wantData:   "gen",
			wantLength: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, n := readAll(t, tt.body)
			assert.Equal(t, tt.wantData, data)
			assert.Equal(t, tt.wantLength, n)
		})
	}
}

func TestRequestBody_Open_Nil(t *testing.T) {
	var b *requestBody

	r, n, closeFn, err := b.open()

	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Zero(t, n)
	assert.NoError(t, closeFn())
	assert.True(t, b.replayable())
}

func TestRequestBody_Replay(t *testing.T) {
	tests := []struct {
		name           string
		body           func() *requestBody
		wantReplayable bool
		wantErr        error
	}{
		{
			name:           "given bytes, then replays",
			body:           func() *requestBody { return bytesBody([]byte("x")) },
			wantReplayable: true,
		},
		{
			name: "given seekable reader, then rewinds",
			body: func() *requestBody {
				return readerBody(strings.NewReader("x"), 1)
			},
			wantReplayable: true,
		},
		{
			name: "given one-shot reader, then second open fails",
			body: func() *requestBody {
				return readerBody(&oneShotReader{r: strings.NewReader("x")}, 1)
			},
			wantReplayable: false,
			wantErr:        ErrBodyNotReplayable,
		},
		{
			name: "given generator, then replays",
			body: func() *requestBody {
				return generatorBody(func() (io.Reader, int64, error) {
					return strings.NewReader("x"), 1, nil
				})
			},
			wantReplayable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.body()
			data, _ := readAll(t, b)
			require.Equal(t, "x", data)

			assert.Equal(t, tt.wantReplayable, b.replayable())

			r, _, _, err := b.open()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			again, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "x", string(again))
		})
	}
}

func TestRequestBody_Open_Errors(t *testing.T) {
	genErr := errors.New("generator failed")

	tests := []struct {
		name    string
		body    *requestBody
		wantErr error
	}{
		{
			name:    "given missing file, then returns not exist",
			body:    fileBody(filepath.Join(t.TempDir(), "missing")),
			wantErr: os.ErrNotExist,
		},
		{
			name: "given failing generator, then returns its error",
			body: generatorBody(func() (io.Reader, int64, error) {
				return nil, 0, genErr
			}),
			wantErr: genErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := tt.body.open()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReaderLength(t *testing.T) {
	tests := []struct {
		name string
		r    io.Reader
		want int64
	}{
		{name: "given bytes.Reader, then returns remaining", r: bytes.NewReader([]byte("abcd")), want: 4},
		{name: "given bytes.Buffer, then returns length", r: bytes.NewBufferString("ab"), want: 2},
		{name: "given strings.Reader, then returns length", r: strings.NewReader("abc"), want: 3},
		{name: "given opaque reader, then returns -1", r: &oneShotReader{r: strings.NewReader("abc")}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, readerLength(tt.r))
		})
	}
}

func TestRequestBody_Snapshot(t *testing.T) {
	assert.Equal(t, []byte("in memory"), bytesBody([]byte("in memory")).snapshot())
	assert.Nil(t, readerBody(strings.NewReader("x"), 1).snapshot())
	assert.Nil(t, (*requestBody)(nil).snapshot())
}

func TestProgressReader(t *testing.T) {
	type report struct {
		amount, current, total int64
	}
	var reports []report

	pr := newProgressReader(strings.NewReader("0123456789"), 10, func(amount, current, total int64) {
		reports = append(reports, report{amount, current, total})
	})

	buf := make([]byte, 4)
	var got []byte
	for {
		n, err := pr.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, "0123456789", string(got))
	assert.Equal(t, []report{
		{4, 4, 10},
		{4, 8, 10},
		{2, 10, 10},
	}, reports)
}
