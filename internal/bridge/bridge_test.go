package bridge

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestNewRequestAbsoluteURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/items?id=1", strings.NewReader("payload"))
	r.Host = "localhost:5173"
	r.Header.Add("X-Multi", "a")
	r.Header.Add("X-Multi", "b")
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, "marker"))

	req := NewRequest(r)

	require.Equal(t, "http://localhost:5173/api/items?id=1", req.URL.String())
	require.Empty(t, req.RequestURI)
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, []string{"a", "b"}, req.Header.Values("X-Multi"))
	require.Equal(t, "marker", req.Context().Value(ctxKey{}))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestNewRequestDoesNotMutateOriginal(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "example.test"

	req := NewRequest(r)
	req.Header.Set("X-Added", "1")

	require.Empty(t, r.URL.Scheme)
	require.Empty(t, r.Header.Get("X-Added"))
	require.NotEmpty(t, r.RequestURI)
}

func TestNewRequestTLS(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/secure", nil)
	r.Host = "example.test"
	r.TLS = &tls.ConnectionState{}

	require.Equal(t, "https://example.test/secure", URL(r).String())
}

func TestNewRequestStreamsBody(t *testing.T) {
	pr, pw := io.Pipe()
	r := httptest.NewRequest(http.MethodPost, "/upload", pr)

	req := NewRequest(r)

	go func() {
		_, _ = pw.Write([]byte("chunk-1"))
		_ = pw.Close()
	}()
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, "chunk-1", string(body))
}

func TestWriteResponsePreservesHeadersAndStatus(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTeapot,
		Header: http.Header{
			"x-lower-case": {"kept"},
			"Set-Cookie":   {"a=1", "b=2"},
		},
		Body: io.NopCloser(strings.NewReader("short and stout")),
	}

	rec := httptest.NewRecorder()
	require.NoError(t, WriteResponse(rec, resp))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, []string{"kept"}, rec.Header()["x-lower-case"])
	require.Equal(t, []string{"a=1", "b=2"}, rec.Header()["Set-Cookie"])
	require.Equal(t, "short and stout", rec.Body.String())
	require.True(t, rec.Flushed)
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestWriteResponseClosesBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("x")}
	rec := httptest.NewRecorder()

	require.NoError(t, WriteResponse(rec, &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}))
	require.True(t, body.closed)
}

func TestWriteResponseNoBody(t *testing.T) {
	rec := httptest.NewRecorder()

	require.NoError(t, WriteResponse(rec, &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestWriteResponseDropsInvalidHeaders(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Bad Name": {"v"},
			"X-Bad":    {"line\nbreak"},
			"X-Good":   {"ok"},
		},
		Body: io.NopCloser(strings.NewReader("body")),
	}

	rec := httptest.NewRecorder()
	err := WriteResponse(rec, resp)

	require.ErrorIs(t, err, ErrInvalidHeader)
	require.Equal(t, "ok", rec.Header().Get("X-Good"))
	require.NotContains(t, rec.Header(), "Bad Name")
	require.NotContains(t, rec.Header(), "X-Bad")
	require.Equal(t, "body", rec.Body.String())
}

func TestWriteResponseNil(t *testing.T) {
	require.Error(t, WriteResponse(httptest.NewRecorder(), nil))
}
