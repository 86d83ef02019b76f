// Package bridge adapts requests and responses between the host server and a
// fetch-shaped handler.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"
)

// ErrInvalidHeader is reported when a handler response carries a header
// name or value that cannot be written on the wire.
var ErrInvalidHeader = errors.New("invalid response header")

// NewRequest returns a client-style copy of r with an absolute URL. The body
// is shared with r, not buffered, and the context is preserved.
func NewRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.Body = r.Body
	req.GetBody = nil

	u := *r.URL
	u.Scheme = scheme(r)
	if u.Host == "" {
		u.Host = r.Host
	}
	req.URL = &u
	return req
}

func scheme(r *http.Request) string {
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// URL returns the absolute URL the handler sees for r.
func URL(r *http.Request) *url.URL {
	return NewRequest(r).URL
}

// WriteResponse copies resp onto w: header keys verbatim with all values, the
// exact status code and the body, flushing after every chunk. The body is
// closed. Headers that are not valid on the wire are skipped and reported in
// the returned error after the response has been written.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("handler returned no response")
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	var invalid error
	dst := w.Header()
	for name, values := range resp.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			invalid = fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
			continue
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				invalid = fmt.Errorf("%w: value of %q", ErrInvalidHeader, name)
				continue
			}
			dst[name] = append(dst[name], v)
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.Body == nil {
		return invalid
	}
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		return fmt.Errorf("writing response body: %w", err)
	}
	return invalid
}

type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
