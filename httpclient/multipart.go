package httpclient

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync/atomic"
)

// multipartPart is one field or file of a multipart/form-data body.
type multipartPart struct {
	fieldName string

	// value is set for plain fields.
	value string

	// fileName is set for files, read from path or reader.
	fileName string
	path     string
	reader   io.Reader
	used     atomic.Bool
}

// File adds a file upload from a file path. The file is opened every time
// the request is sent, so the body survives redirects and retries.
//
// Example:
//
//	client.PreparePost(url).
//	    File("document", "/path/to/report.pdf").
//	    FormField("title", "Q4 Report").
//	    Execute(ctx)
func (rb *RequestBuilder) File(fieldName, filePath string) *RequestBuilder {
	rb.parts = append(rb.parts, &multipartPart{
		fieldName: fieldName,
		fileName:  filepath.Base(filePath),
		path:      filePath,
	})
	return rb
}

// FileReader adds a file upload read from r. Unless r can seek, the body
// can be sent only once.
//
// Example:
//
//	client.PreparePost(url).
//	    FileReader("data", "export.csv", strings.NewReader(csvData)).
//	    Execute(ctx)
func (rb *RequestBuilder) FileReader(fieldName, fileName string, r io.Reader) *RequestBuilder {
	rb.parts = append(rb.parts, &multipartPart{
		fieldName: fieldName,
		fileName:  fileName,
		reader:    r,
	})
	return rb
}

// FormField adds a plain field to a multipart body. Fields keep their
// order.
func (rb *RequestBuilder) FormField(key, value string) *RequestBuilder {
	rb.parts = append(rb.parts, &multipartPart{fieldName: key, value: value})
	return rb
}

// multipartBody returns a generator streaming parts as multipart/form-data
// and the matching Content-Type.
func multipartBody(parts []*multipartPart) (BodyGenerator, string) {
	boundary := multipart.NewWriter(io.Discard).Boundary()
	contentType := "multipart/form-data; boundary=" + boundary

	gen := func() (io.Reader, int64, error) {
		for _, p := range parts {
			if err := p.rewind(); err != nil {
				return nil, 0, err
			}
		}

		pr, pw := io.Pipe()
		go func() {
			mw := multipart.NewWriter(pw)
			if err := mw.SetBoundary(boundary); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			for _, p := range parts {
				if err := p.write(mw); err != nil {
					_ = pw.CloseWithError(err)
					return
				}
			}
			_ = pw.CloseWithError(mw.Close())
		}()
		return pr, -1, nil
	}
	return gen, contentType
}

// rewind prepares a reader part for another send.
func (p *multipartPart) rewind() error {
	if p.reader == nil {
		return nil
	}
	if s, ok := p.reader.(io.Seeker); ok {
		if p.used.Swap(true) {
			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("%w: %w", ErrBodyNotReplayable, err)
			}
		}
		return nil
	}
	if p.used.Swap(true) {
		return fmt.Errorf("%w: multipart file %q", ErrBodyNotReplayable, p.fileName)
	}
	return nil
}

func (p *multipartPart) write(mw *multipart.Writer) error {
	if p.fileName == "" {
		return mw.WriteField(p.fieldName, p.value)
	}

	r := p.reader
	if r == nil {
		f, err := os.Open(p.path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	w, err := mw.CreateFormFile(p.fieldName, p.fileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}
