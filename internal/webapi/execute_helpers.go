package webapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cryguy/workerdev/internal/core"
)

// GoRequestToJS builds a JS Request from req and stores it in
// globalThis.__req. The body is not read here: it becomes a ReadableStream
// that pulls from req.Body through the request state of reqID as JS reads it.
func GoRequestToJS(rt core.JSRuntime, req *http.Request, reqID uint64) error {
	var headers [][2]string
	if req.Header.Get("Host") == "" && req.Host != "" {
		headers = append(headers, [2]string{"host", req.Host})
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			headers = append(headers, [2]string{k, v})
		}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encoding request headers: %w", err)
	}

	streamed := req.Body != nil && req.Body != http.NoBody &&
		req.Method != http.MethodGet && req.Method != http.MethodHead
	if streamed {
		state := core.GetRequestState(reqID)
		if state == nil {
			return fmt.Errorf("no request state for request %d", reqID)
		}
		state.Body = req.Body
	}

	if err := rt.SetGlobal("__tmp_url", req.URL.String()); err != nil {
		return err
	}
	if err := rt.SetGlobal("__tmp_method", req.Method); err != nil {
		return err
	}
	if err := rt.SetGlobal("__tmp_headers", string(headersJSON)); err != nil {
		return err
	}

	bodyExpr := "undefined"
	if streamed {
		bodyExpr = fmt.Sprintf(`new ReadableStream({
			pull: function(c) {
				var b64 = __request_body_read(%s);
				if (b64 === '') c.close();
				else c.enqueue(new Uint8Array(__b64ToBuffer(b64)));
			}
		})`, core.JsEscape(strconv.FormatUint(reqID, 10)))
	}

	return rt.Eval(fmt.Sprintf(`(function() {
		var init = {
			method: globalThis.__tmp_method,
			headers: JSON.parse(globalThis.__tmp_headers),
		};
		var body = %s;
		if (body !== undefined) init.body = body;
		var req = new Request(globalThis.__tmp_url, init);
		globalThis.__req = req;
		delete globalThis.__tmp_url;
		delete globalThis.__tmp_method;
		delete globalThis.__tmp_headers;
	})()`, bodyExpr))
}

// jsResponse is the wire shape JsResponseToGo reads back from JS.
type jsResponse struct {
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText"`
	Headers    map[string][]string `json:"headers"`
	Kind       string              `json:"kind"`
	Body       string              `json:"body"`
	Error      string              `json:"error"`
}

const extractResponseJS = `(function() {
	var r = globalThis.__result;
	delete globalThis.__result;
	if (!(r instanceof Response)) {
		return JSON.stringify({error: r === null ? 'null' : typeof r});
	}
	var headers = {};
	for (var k in r.headers._map) headers[k] = r.headers._map[k].slice();
	var body = r._body, kind = 'none', data = '';
	if (body instanceof ReadableStream) {
		if (body.locked || body._disturbed) throw new TypeError('Response body stream has already been read');
		kind = 'stream';
		globalThis.__response_reader = body.getReader();
	} else if (typeof body === 'string') {
		kind = 'text';
		data = body;
	} else if (body !== null && body !== undefined) {
		kind = 'base64';
		data = __bufferSourceToB64(body);
	}
	return JSON.stringify({status: r.status, statusText: r.statusText, headers: headers, kind: kind, body: data});
})()`

// JsResponseToGo converts the JS Response in globalThis.__result into an
// *http.Response. Repeated header values stay separate. A ReadableStream body
// is handed to openStream, which must return a reader over
// ReadResponseChunk; a nil openStream rejects stream bodies.
func JsResponseToGo(rt core.JSRuntime, openStream func() io.ReadCloser) (*http.Response, error) {
	out, err := rt.EvalString(extractResponseJS)
	if err != nil {
		return nil, fmt.Errorf("extracting response: %w", err)
	}

	var r jsResponse
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("fetch handler returned %s instead of a Response", r.Error)
	}

	var body []byte
	switch r.Kind {
	case "text":
		body = []byte(r.Body)
	case "base64":
		body, err = base64.StdEncoding.DecodeString(r.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding response body: %w", err)
		}
	case "stream":
		if openStream == nil {
			_ = CancelResponseStream(rt)
			return nil, errors.New("stream response bodies are not supported here")
		}
	}

	header := make(http.Header, len(r.Headers))
	for k, vs := range r.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	statusText := r.StatusText
	if statusText == "" {
		statusText = http.StatusText(r.Status)
	}

	resp := &http.Response{
		Status:        strings.TrimSpace(fmt.Sprintf("%d %s", r.Status, statusText)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if r.Kind == "stream" {
		resp.Body = openStream()
		resp.ContentLength = -1
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			resp.ContentLength = n
		} else {
			resp.TransferEncoding = []string{"chunked"}
		}
	}
	return resp, nil
}

// BuildEnvObject creates globalThis.__env from a bindings snapshot. Strings
// stay strings, KV and D1 stores become binding objects, and any other value
// is passed through JSON.
func BuildEnvObject(rt core.JSRuntime, env core.Bindings) error {
	if err := rt.Eval("globalThis.__env = {};"); err != nil {
		return fmt.Errorf("creating env object: %w", err)
	}

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var expr string
		switch v := env[name].(type) {
		case string:
			expr = core.JsEscape(v)
		case core.KVStore:
			expr = fmt.Sprintf("globalThis.__makeKV(%s)", core.JsEscape(name))
		case core.D1Store:
			expr = fmt.Sprintf("globalThis.__makeD1(%s)", core.JsEscape(name))
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("binding %q is not JSON-serializable: %w", name, err)
			}
			expr = fmt.Sprintf("JSON.parse(%s)", core.JsEscape(string(data)))
		}
		if err := rt.Eval(fmt.Sprintf("globalThis.__env[%s] = %s;", core.JsEscape(name), expr)); err != nil {
			return fmt.Errorf("setting binding %q: %w", name, err)
		}
	}
	return nil
}

// BuildExecContext creates globalThis.__ctx. waitUntil collects promises for
// DrainWaitUntil; passThroughOnException always throws.
func BuildExecContext(rt core.JSRuntime) error {
	return rt.Eval(fmt.Sprintf(`
		globalThis.__waitUntilPromises = [];
		globalThis.__ctx = {
			waitUntil: function(promise) {
				globalThis.__waitUntilPromises.push(Promise.resolve(promise).catch(function(e) {
					console.error('waitUntil task failed:', e);
				}));
			},
			passThroughOnException: function() {
				throw new Error(%s);
			}
		};
	`, core.JsEscape(core.ErrPassThroughUnsupported.Error())))
}
