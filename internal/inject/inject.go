// Package inject appends the live-reload client script to HTML responses.
package inject

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// DefaultClientScriptPath is the dev server's live-reload client endpoint.
const DefaultClientScriptPath = "/@vite/client"

// Injector rewrites qualifying HTML responses.
type Injector struct {
	Enabled          bool
	ClientScriptPath string
}

// ScriptTag returns the tag appended to HTML bodies.
func (in Injector) ScriptTag() string {
	path := in.ClientScriptPath
	if path == "" {
		path = DefaultClientScriptPath
	}
	return `<script type="module" src="` + path + `"></script>`
}

// Qualifies reports whether resp would be rewritten: injection is enabled, the
// content type is HTML and the response is not chunked.
func (in Injector) Qualifies(resp *http.Response) bool {
	if !in.Enabled || resp == nil {
		return false
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return false
	}
	return !chunked(resp)
}

func chunked(resp *http.Response) bool {
	for _, te := range resp.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return true
		}
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

// Apply returns resp with the client script appended to its body when it
// qualifies, otherwise resp unchanged. The second result reports whether the
// body was rewritten. Status and all headers except Content-Length are kept.
// Bodies coded with gzip or br are decoded and re-encoded with the same
// coding; other codings are passed through untouched.
func (in Injector) Apply(resp *http.Response) (*http.Response, bool, error) {
	if !in.Qualifies(resp) {
		return resp, false, nil
	}

	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch coding {
	case "", "identity", "gzip", "br":
	default:
		return resp, false, nil
	}

	var raw []byte
	if resp.Body != nil {
		var err error
		raw, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, false, fmt.Errorf("reading HTML response: %w", err)
		}
	}

	body, err := decode(coding, raw)
	if err != nil {
		return nil, false, err
	}
	body = append(body, in.ScriptTag()...)
	body, err = encode(coding, body)
	if err != nil {
		return nil, false, err
	}

	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, true, nil
}

func decode(coding string, raw []byte) ([]byte, error) {
	switch coding {
	case "gzip":
		if len(raw) == 0 {
			return nil, nil
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding gzip HTML response: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decoding gzip HTML response: %w", err)
		}
		return out, nil
	case "br":
		if len(raw) == 0 {
			return nil, nil
		}
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("decoding br HTML response: %w", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

func encode(coding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	default:
		return body, nil
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("encoding %s HTML response: %w", coding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s HTML response: %w", coding, err)
	}
	return buf.Bytes(), nil
}
