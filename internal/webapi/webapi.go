package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// webAPIsJS defines Headers, URL, URLSearchParams, Request, Response,
// TextEncoder and TextDecoder. Bodies are strings, ArrayBuffers or
// ReadableStreams.
const webAPIsJS = `
(function() {
const lower = n => String(n).toLowerCase();

function utf8Encode(str) {
	const out = [];
	for (const ch of String(str)) {
		let c = ch.codePointAt(0);
		if (c >= 0xd800 && c <= 0xdfff) c = 0xfffd;
		if (c < 0x80) out.push(c);
		else if (c < 0x800) out.push(0xc0 | c >> 6, 0x80 | c & 63);
		else if (c < 0x10000) out.push(0xe0 | c >> 12, 0x80 | c >> 6 & 63, 0x80 | c & 63);
		else out.push(0xf0 | c >> 18, 0x80 | c >> 12 & 63, 0x80 | c >> 6 & 63, 0x80 | c & 63);
	}
	return new Uint8Array(out);
}

function utf8Decode(bytes, fatal, ignoreBOM) {
	const parts = [];
	let i = 0;
	if (!ignoreBOM && bytes.length >= 3 && bytes[0] === 0xef && bytes[1] === 0xbb && bytes[2] === 0xbf) i = 3;
	const bad = () => {
		if (fatal) throw new TypeError('The encoded data was not valid utf-8');
		parts.push('�');
	};
	while (i < bytes.length) {
		const b = bytes[i];
		if (b < 0x80) { parts.push(String.fromCharCode(b)); i++; continue; }
		let need, cp, min;
		if ((b & 0xe0) === 0xc0) { need = 1; cp = b & 0x1f; min = 0x80; }
		else if ((b & 0xf0) === 0xe0) { need = 2; cp = b & 0x0f; min = 0x800; }
		else if ((b & 0xf8) === 0xf0) { need = 3; cp = b & 0x07; min = 0x10000; }
		else { bad(); i++; continue; }
		let j = 1;
		for (; j <= need && i + j < bytes.length && (bytes[i + j] & 0xc0) === 0x80; j++) cp = cp << 6 | bytes[i + j] & 0x3f;
		if (j <= need || cp < min || cp > 0x10ffff || (cp >= 0xd800 && cp <= 0xdfff)) { bad(); i++; continue; }
		parts.push(String.fromCodePoint(cp));
		i += need + 1;
	}
	return parts.join('');
}

function toBytes(data) {
	if (data === null || data === undefined) return new Uint8Array(0);
	if (typeof data === 'string') return utf8Encode(data);
	if (data instanceof ArrayBuffer) return new Uint8Array(data);
	if (ArrayBuffer.isView(data)) return new Uint8Array(data.buffer, data.byteOffset, data.byteLength);
	return utf8Encode(String(data));
}

class TextEncoder {
	get encoding() { return 'utf-8'; }
	encode(str) { return utf8Encode(str === undefined ? '' : str); }
}

class TextDecoder {
	constructor(label, options) {
		label = lower(label === undefined ? 'utf-8' : label).trim();
		if (label !== 'utf-8' && label !== 'utf8' && label !== 'unicode-1-1-utf-8') {
			throw new RangeError('The "' + label + '" encoding is not supported');
		}
		this.fatal = !!(options && options.fatal);
		this.ignoreBOM = !!(options && options.ignoreBOM);
	}
	get encoding() { return 'utf-8'; }
	decode(input) { return utf8Decode(toBytes(input), this.fatal, this.ignoreBOM); }
}

class Headers {
	constructor(init) {
		this._map = {};
		if (!init) return;
		if (init instanceof Headers) init = init._pairs();
		else if (!Array.isArray(init)) init = Object.entries(init);
		for (const [k, v] of init) this.append(k, v);
	}
	_pairs() {
		const out = [];
		for (const k of Object.keys(this._map).sort()) for (const v of this._map[k]) out.push([k, v]);
		return out;
	}
	append(name, value) {
		const k = lower(name);
		if (!this._map[k]) this._map[k] = [];
		this._map[k].push(String(value));
	}
	set(name, value) { this._map[lower(name)] = [String(value)]; }
	get(name) {
		const vs = this._map[lower(name)];
		return vs ? vs.join(', ') : null;
	}
	has(name) { return Object.prototype.hasOwnProperty.call(this._map, lower(name)); }
	delete(name) { delete this._map[lower(name)]; }
	getSetCookie() { return (this._map['set-cookie'] || []).slice(); }
	*entries() { for (const k of Object.keys(this._map).sort()) yield [k, this._map[k].join(', ')]; }
	*keys() { for (const [k] of this.entries()) yield k; }
	*values() { for (const [, v] of this.entries()) yield v; }
	forEach(cb, thisArg) { for (const [k, v] of this.entries()) cb.call(thisArg, v, k, this); }
	[Symbol.iterator]() { return this.entries(); }
	get [Symbol.toStringTag]() { return 'Headers'; }
}

const decodeParam = s => decodeURIComponent(s.replace(/\+/g, ' '));
const encodeParam = s => encodeURIComponent(s).replace(/%20/g, '+');

class URLSearchParams {
	constructor(init) {
		this._list = [];
		this._url = null;
		if (init instanceof URLSearchParams) this._list = init._list.map(p => p.slice());
		else if (typeof init === 'string') this._parse(init);
		else if (Array.isArray(init)) for (const p of init) this._list.push([String(p[0]), String(p[1])]);
		else if (init && typeof init === 'object') for (const [k, v] of Object.entries(init)) this._list.push([k, String(v)]);
	}
	_parse(s) {
		this._list = [];
		if (s.startsWith('?')) s = s.slice(1);
		for (const part of s.split('&')) {
			if (!part) continue;
			const i = part.indexOf('=');
			this._list.push(i < 0 ? [decodeParam(part), ''] : [decodeParam(part.slice(0, i)), decodeParam(part.slice(i + 1))]);
		}
	}
	_update() {
		if (!this._url) return;
		const s = this.toString();
		this._url._search = s ? '?' + s : '';
	}
	append(k, v) { this._list.push([String(k), String(v)]); this._update(); }
	delete(k) { this._list = this._list.filter(p => p[0] !== k); this._update(); }
	get(k) {
		const p = this._list.find(p => p[0] === k);
		return p ? p[1] : null;
	}
	getAll(k) { return this._list.filter(p => p[0] === k).map(p => p[1]); }
	has(k) { return this._list.some(p => p[0] === k); }
	set(k, v) {
		k = String(k);
		v = String(v);
		const i = this._list.findIndex(p => p[0] === k);
		if (i < 0) {
			this._list.push([k, v]);
		} else {
			this._list[i][1] = v;
			this._list = this._list.filter((p, j) => j <= i || p[0] !== k);
		}
		this._update();
	}
	sort() {
		this._list.sort((a, b) => a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0);
		this._update();
	}
	get size() { return this._list.length; }
	toString() { return this._list.map(p => encodeParam(p[0]) + '=' + encodeParam(p[1])).join('&'); }
	*entries() { for (const p of this._list) yield [p[0], p[1]]; }
	*keys() { for (const p of this._list) yield p[0]; }
	*values() { for (const p of this._list) yield p[1]; }
	forEach(cb, thisArg) { for (const p of this._list) cb.call(thisArg, p[1], p[0], this); }
	[Symbol.iterator]() { return this.entries(); }
	get [Symbol.toStringTag]() { return 'URLSearchParams'; }
}

class URL {
	constructor(input, base) {
		this._assign(__parseURL(String(input), base === undefined || base === null ? '' : String(base)));
	}
	_assign(json) {
		const p = JSON.parse(json);
		if (p.error) throw new TypeError(p.error);
		this._protocol = p.protocol;
		this._username = p.username;
		this._password = p.password;
		this._hostname = p.hostname;
		this._port = p.port;
		this._pathname = p.pathname;
		this._search = p.search;
		this._hash = p.hash;
		if (this._params) this._params._parse(this._search);
	}
	get href() {
		let auth = '';
		if (this._username) auth = this._username + (this._password ? ':' + this._password : '') + '@';
		return this._protocol + '//' + auth + this.host + this._pathname + this._search + this._hash;
	}
	set href(v) { this._assign(__parseURL(String(v), '')); }
	get origin() { return this._protocol + '//' + this.host; }
	get protocol() { return this._protocol; }
	get username() { return this._username; }
	get password() { return this._password; }
	get host() { return this._port ? this._hostname + ':' + this._port : this._hostname; }
	get hostname() { return this._hostname; }
	get port() { return this._port; }
	get pathname() { return this._pathname; }
	set pathname(v) {
		v = String(v);
		this._pathname = v.startsWith('/') ? v : '/' + v;
	}
	get search() { return this._search; }
	set search(v) {
		v = String(v);
		this._search = v === '' || v === '?' ? '' : (v.startsWith('?') ? v : '?' + v);
		if (this._params) this._params._parse(this._search);
	}
	get hash() { return this._hash; }
	set hash(v) {
		v = String(v);
		this._hash = v === '' || v === '#' ? '' : (v.startsWith('#') ? v : '#' + v);
	}
	get searchParams() {
		if (!this._params) {
			this._params = new URLSearchParams(this._search);
			this._params._url = this;
		}
		return this._params;
	}
	toString() { return this.href; }
	toJSON() { return this.href; }
	get [Symbol.toStringTag]() { return 'URL'; }
	static canParse(input, base) {
		try { new URL(input, base); return true; } catch (e) { return false; }
	}
}

function normalizeBody(body, headers) {
	if (body === undefined || body === null) return null;
	const setType = t => { if (!headers.has('content-type')) headers.set('content-type', t); };
	if (typeof body === 'string') { setType('text/plain;charset=UTF-8'); return body; }
	if (body instanceof ArrayBuffer) return body;
	if (ArrayBuffer.isView(body)) return body.buffer.slice(body.byteOffset, body.byteOffset + body.byteLength);
	if (body instanceof URLSearchParams) { setType('application/x-www-form-urlencoded;charset=UTF-8'); return body.toString(); }
	if (body instanceof ReadableStream) return body;
	setType('text/plain;charset=UTF-8');
	return String(body);
}

async function readAll(stream) {
	const reader = stream.getReader();
	const parts = [];
	let size = 0;
	try {
		for (;;) {
			const { value, done } = await reader.read();
			if (done) break;
			const u = toBytes(value);
			parts.push(u);
			size += u.length;
		}
	} finally {
		reader.releaseLock();
	}
	const out = new Uint8Array(size);
	let off = 0;
	for (const p of parts) { out.set(p, off); off += p.length; }
	return out;
}

class Body {
	get body() {
		const b = this._body;
		if (b === null || b === undefined) return null;
		if (b instanceof ReadableStream) return b;
		const bytes = toBytes(b);
		this._body = new ReadableStream({ start(c) { c.enqueue(bytes); c.close(); } });
		return this._body;
	}
	get bodyUsed() {
		return this._used || (this._body instanceof ReadableStream && this._body._disturbed);
	}
	async _consume() {
		if (this.bodyUsed) throw new TypeError('Body has already been used');
		this._used = true;
		const b = this._body;
		if (b instanceof ReadableStream) {
			if (b.locked) throw new TypeError('ReadableStream is locked');
			return readAll(b);
		}
		return b;
	}
	async text() {
		const b = await this._consume();
		return typeof b === 'string' ? b : utf8Decode(toBytes(b), false, false);
	}
	async json() { return JSON.parse(await this.text()); }
	async arrayBuffer() {
		const b = await this._consume();
		if (b instanceof ArrayBuffer) return b.slice(0);
		const u = toBytes(b);
		return u.buffer.slice(u.byteOffset, u.byteOffset + u.byteLength);
	}
	async bytes() { return new Uint8Array(await this.arrayBuffer()); }
	async formData() { return new URLSearchParams(await this.text()); }
	_cloneBody() {
		if (this.bodyUsed) throw new TypeError('Body has already been used');
		if (!(this._body instanceof ReadableStream)) return this._body;
		const [a, b] = this._body.tee();
		this._body = a;
		return b;
	}
}

class Request extends Body {
	constructor(input, init) {
		super();
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
			this.redirect = input.redirect;
			this.signal = input.signal;
			this.cf = input.cf;
		} else {
			this.url = new URL(String(input)).href;
			this.method = 'GET';
			this.headers = new Headers();
			this._body = null;
			this.redirect = 'follow';
			this.signal = null;
		}
		if (init.method !== undefined) this.method = String(init.method).toUpperCase();
		if (init.headers !== undefined) this.headers = new Headers(init.headers);
		if (init.redirect !== undefined) this.redirect = init.redirect;
		if (init.signal !== undefined) this.signal = init.signal;
		if (init.cf !== undefined) this.cf = init.cf;
		if (init.body !== undefined) this._body = normalizeBody(init.body, this.headers);
		if (this._body !== null && (this.method === 'GET' || this.method === 'HEAD')) {
			throw new TypeError('Request with GET/HEAD method cannot have body.');
		}
		this._used = false;
	}
	clone() {
		const r = new Request(this);
		r._body = this._cloneBody();
		return r;
	}
	get [Symbol.toStringTag]() { return 'Request'; }
}

class Response extends Body {
	constructor(body, init) {
		super();
		init = init || {};
		const status = init.status === undefined ? 200 : Number(init.status);
		if (!(status >= 200 && status <= 599)) throw new RangeError('Invalid status code: ' + init.status);
		this.status = status;
		this.statusText = init.statusText === undefined ? '' : String(init.statusText);
		this.headers = new Headers(init.headers);
		this._body = normalizeBody(body, this.headers);
		if (this._body !== null && (status === 204 || status === 205 || status === 304)) {
			throw new TypeError('Response with null body status cannot have body');
		}
		this._used = false;
		this.type = 'default';
		this.url = '';
		this.redirected = false;
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	clone() {
		const r = new Response(null, { status: this.status, statusText: this.statusText, headers: this.headers });
		r._body = this._cloneBody();
		return r;
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), Object.assign({}, init, { headers }));
	}
	static redirect(url, status) {
		status = status === undefined ? 302 : status;
		if ([301, 302, 303, 307, 308].indexOf(status) < 0) throw new RangeError('Invalid redirect status: ' + status);
		return new Response(null, { status, headers: { location: new URL(String(url)).href } });
	}
	get [Symbol.toStringTag]() { return 'Response'; }
}

globalThis.__bufferSourceToB64 = function(data) {
	const bytes = toBytes(data);
	const parts = [];
	for (let i = 0; i < bytes.length; i += 8192) {
		parts.push(String.fromCharCode.apply(null, bytes.subarray(i, i + 8192)));
	}
	return btoa(parts.join(''));
};

globalThis.__b64ToBuffer = function(b64) {
	const bin = atob(b64);
	const bytes = new Uint8Array(bin.length);
	for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
	return bytes.buffer;
};

if (typeof globalThis.queueMicrotask !== 'function') {
	globalThis.queueMicrotask = fn => { Promise.resolve().then(fn); };
}

Object.assign(globalThis, { TextEncoder, TextDecoder, Headers, URLSearchParams, URL, Request, Response });
})();
`

// URLParsed is the JSON structure returned by __parseURL.
type URLParsed struct {
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
}

// Host returns hostname[:port].
func (p *URLParsed) Host() string {
	if p.Port == "" {
		return p.Hostname
	}
	return p.Hostname + ":" + p.Port
}

// Href reassembles the URL the way the JS URL class does.
func (p *URLParsed) Href() string {
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	return p.Protocol + "//" + auth + p.Host() + p.Pathname + p.Search + p.Hash
}

// ParseURL resolves rawURL against base (when non-empty) and splits it into
// the components the JS URL class exposes. Relative URLs without a base are
// rejected.
func ParseURL(rawURL, base string) (*URLParsed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %s", rawURL)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil || b.Scheme == "" {
			return nil, fmt.Errorf("invalid base URL: %s", base)
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme == "" || u.Opaque != "" {
		return nil, fmt.Errorf("invalid URL: %s", rawURL)
	}

	p := &URLParsed{
		Protocol: u.Scheme + ":",
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Pathname: u.EscapedPath(),
	}
	if p.Pathname == "" {
		p.Pathname = "/"
	}
	if u.RawQuery != "" {
		p.Search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p.Hash = "#" + u.EscapedFragment()
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// SetupWebAPIs registers __parseURL and evaluates the Web API classes.
func SetupWebAPIs(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__parseURL", func(rawURL, base string) string {
		parsed, err := ParseURL(rawURL, base)
		if err != nil {
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			return string(data)
		}
		data, _ := json.Marshal(parsed)
		return string(data)
	}); err != nil {
		return err
	}

	if err := rt.Eval(webAPIsJS); err != nil {
		return fmt.Errorf("evaluating webapi.js: %w", err)
	}
	return nil
}
