package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// requestChunkSize caps how much of the request body one pull hands to JS.
const requestChunkSize = 64 << 10

// streamsJS defines ReadableStream, WritableStream, TransformStream and
// TextEncoderStream. Sources are pulled lazily: pull() only runs while a read
// is waiting and the queue is empty.
const streamsJS = `
(function() {

class ReadableStreamDefaultController {
	constructor(stream) { this._stream = stream; }
	enqueue(chunk) {
		const s = this._stream;
		if (s._closeRequested || s._state !== 'readable') throw new TypeError('Cannot enqueue into a closed stream');
		const pending = s._reads.shift();
		if (pending) pending.resolve({ value: chunk, done: false });
		else s._queue.push(chunk);
	}
	close() {
		const s = this._stream;
		if (s._closeRequested) throw new TypeError('Stream is already closing');
		s._closeRequested = true;
		if (s._queue.length === 0) s._finish();
	}
	error(e) { this._stream._fail(e); }
	get desiredSize() { return this._stream._highWaterMark - this._stream._queue.length; }
}

class ReadableStreamDefaultReader {
	constructor(stream) {
		if (!(stream instanceof ReadableStream)) throw new TypeError('ReadableStreamDefaultReader needs a ReadableStream');
		if (stream._reader) throw new TypeError('ReadableStream is already locked');
		this._stream = stream;
		stream._reader = this;
		this._closed = new Promise((resolve, reject) => { this._resolveClosed = resolve; this._rejectClosed = reject; });
		this._closed.catch(() => {});
		if (stream._state === 'closed') this._resolveClosed();
		if (stream._state === 'errored') this._rejectClosed(stream._error);
	}
	read() {
		const s = this._stream;
		if (!s) return Promise.reject(new TypeError('Reader has been released'));
		s._disturbed = true;
		if (s._queue.length > 0) {
			const value = s._queue.shift();
			if (s._closeRequested && s._queue.length === 0) s._finish();
			return Promise.resolve({ value, done: false });
		}
		if (s._state === 'closed') return Promise.resolve({ value: undefined, done: true });
		if (s._state === 'errored') return Promise.reject(s._error);
		return new Promise((resolve, reject) => {
			s._reads.push({ resolve, reject });
			s._schedulePull();
		});
	}
	releaseLock() {
		if (!this._stream) return;
		this._stream._reader = null;
		this._stream = null;
	}
	cancel(reason) {
		return this._stream ? this._stream._cancel(reason) : Promise.resolve();
	}
	get closed() { return this._closed; }
}

class ReadableStream {
	constructor(source, strategy) {
		source = source || {};
		this._state = 'readable';
		this._queue = [];
		this._reads = [];
		this._reader = null;
		this._error = undefined;
		this._disturbed = false;
		this._closeRequested = false;
		this._pulling = false;
		this._pullAgain = false;
		this._highWaterMark = (strategy && strategy.highWaterMark) || 1;
		this._pullFn = typeof source.pull === 'function' ? source.pull.bind(source) : null;
		this._cancelFn = typeof source.cancel === 'function' ? source.cancel.bind(source) : null;
		this._controller = new ReadableStreamDefaultController(this);
		if (typeof source.start === 'function') {
			try {
				const r = source.start(this._controller);
				if (r && typeof r.then === 'function') r.then(null, e => this._fail(e));
			} catch (e) { this._fail(e); }
		}
	}
	get locked() { return this._reader !== null; }
	getReader(opts) {
		if (opts && opts.mode !== undefined) throw new TypeError('Only default readers are supported');
		return new ReadableStreamDefaultReader(this);
	}
	cancel(reason) {
		if (this._reader) return Promise.reject(new TypeError('Cannot cancel a locked stream'));
		return this._cancel(reason);
	}
	_cancel(reason) {
		if (this._state !== 'readable') return Promise.resolve();
		this._queue = [];
		this._finish();
		if (!this._cancelFn) return Promise.resolve();
		try { return Promise.resolve(this._cancelFn(reason)).then(() => undefined); }
		catch (e) { return Promise.reject(e); }
	}
	_schedulePull() {
		if (!this._pullFn) return;
		if (this._pulling) { this._pullAgain = true; return; }
		this._pulling = true;
		Promise.resolve().then(() => {
			if (this._state !== 'readable' || this._closeRequested) { this._pulling = false; return; }
			let r;
			try { r = this._pullFn(this._controller); }
			catch (e) { this._pulling = false; this._fail(e); return; }
			Promise.resolve(r).then(() => {
				this._pulling = false;
				if (this._pullAgain) {
					this._pullAgain = false;
					if (this._reads.length > 0) this._schedulePull();
				}
			}, e => { this._pulling = false; this._fail(e); });
		});
	}
	_finish() {
		if (this._state !== 'readable') return;
		this._state = 'closed';
		for (const r of this._reads.splice(0)) r.resolve({ value: undefined, done: true });
		if (this._reader) this._reader._resolveClosed();
	}
	_fail(e) {
		if (this._state !== 'readable') return;
		this._state = 'errored';
		this._error = e;
		this._queue = [];
		for (const r of this._reads.splice(0)) r.reject(e);
		if (this._reader) this._reader._rejectClosed(e);
	}
	pipeTo(dest, opts) {
		opts = opts || {};
		if (this.locked) return Promise.reject(new TypeError('ReadableStream is locked'));
		if (!(dest instanceof WritableStream)) return Promise.reject(new TypeError('pipeTo needs a WritableStream'));
		const reader = this.getReader();
		const writer = dest.getWriter();
		return (async () => {
			try {
				for (;;) {
					const { value, done } = await reader.read();
					if (done) break;
					await writer.write(value);
				}
				if (!opts.preventClose) await writer.close();
			} catch (e) {
				if (!opts.preventAbort) await writer.abort(e).catch(() => {});
				if (!opts.preventCancel) await reader.cancel(e).catch(() => {});
				throw e;
			} finally {
				reader.releaseLock();
				writer.releaseLock();
			}
		})();
	}
	pipeThrough(pair, opts) {
		if (!pair || !(pair.writable instanceof WritableStream) || !(pair.readable instanceof ReadableStream)) {
			throw new TypeError('pipeThrough needs a { writable, readable } pair');
		}
		this.pipeTo(pair.writable, opts).catch(() => {});
		return pair.readable;
	}
	tee() {
		const reader = this.getReader();
		const ctrls = [];
		let inflight = null;
		const pull = () => inflight || (inflight = reader.read().then(({ value, done }) => {
			inflight = null;
			for (const c of ctrls) {
				if (c._stream._state !== 'readable' || c._stream._closeRequested) continue;
				if (done) c.close(); else c.enqueue(value);
			}
		}, e => {
			inflight = null;
			for (const c of ctrls) c.error(e);
		}));
		const branch = () => new ReadableStream({ start(c) { ctrls.push(c); }, pull });
		return [branch(), branch()];
	}
	async *[Symbol.asyncIterator]() {
		const reader = this.getReader();
		try {
			for (;;) {
				const { value, done } = await reader.read();
				if (done) return;
				yield value;
			}
		} finally {
			reader.releaseLock();
		}
	}
	get [Symbol.toStringTag]() { return 'ReadableStream'; }
}

ReadableStream.from = function(iterable) {
	if (iterable === null || iterable === undefined) throw new TypeError('ReadableStream.from needs an iterable');
	const make = iterable[Symbol.asyncIterator] || iterable[Symbol.iterator];
	if (typeof make !== 'function') throw new TypeError('ReadableStream.from needs an iterable');
	const it = make.call(iterable);
	return new ReadableStream({
		async pull(c) {
			const { value, done } = await it.next();
			if (done) c.close(); else c.enqueue(value);
		},
		cancel(reason) { if (typeof it.return === 'function') return it.return(reason); },
	});
};

class WritableStreamDefaultWriter {
	constructor(stream) {
		if (stream._writer) throw new TypeError('WritableStream is already locked');
		this._stream = stream;
		stream._writer = this;
	}
	get ready() { return Promise.resolve(); }
	get closed() { return this._stream ? this._stream._closed : Promise.resolve(); }
	get desiredSize() { return 1; }
	write(chunk) { return this._stream._enqueue(s => s._sink.write && s._sink.write(chunk, s._controller)); }
	close() {
		const s = this._stream;
		if (s._closing) return Promise.reject(new TypeError('WritableStream is already closing'));
		s._closing = true;
		return s._enqueue(s => s._sink.close && s._sink.close()).then(() => s._resolveClosed());
	}
	abort(reason) {
		const s = this._stream;
		s._closing = true;
		return Promise.resolve(s._sink.abort && s._sink.abort(reason)).then(() => s._resolveClosed());
	}
	releaseLock() {
		if (!this._stream) return;
		this._stream._writer = null;
		this._stream = null;
	}
}

class WritableStream {
	constructor(sink) {
		this._sink = sink || {};
		this._writer = null;
		this._closing = false;
		this._errored = false;
		this._error = undefined;
		this._tail = Promise.resolve();
		this._closed = new Promise(resolve => { this._resolveClosed = resolve; });
		this._controller = { error: e => { this._errored = true; this._error = e; } };
		if (typeof this._sink.start === 'function') this._sink.start(this._controller);
	}
	get locked() { return this._writer !== null; }
	getWriter() { return new WritableStreamDefaultWriter(this); }
	_enqueue(op) {
		const run = () => {
			if (this._errored) throw this._error;
			return op(this);
		};
		const p = this._tail.then(run);
		this._tail = p.catch(e => { this._errored = true; this._error = e; });
		return p.then(() => undefined);
	}
}

class TransformStream {
	constructor(transformer) {
		transformer = transformer || {};
		let out;
		this.readable = new ReadableStream({ start(c) { out = c; } });
		const ctrl = {
			enqueue: chunk => out.enqueue(chunk),
			error: e => out.error(e),
			terminate: () => out.close(),
		};
		this.writable = new WritableStream({
			async write(chunk) {
				if (typeof transformer.transform === 'function') await transformer.transform(chunk, ctrl);
				else out.enqueue(chunk);
			},
			async close() {
				if (typeof transformer.flush === 'function') await transformer.flush(ctrl);
				out.close();
			},
			abort(reason) { out.error(reason); },
		});
		if (typeof transformer.start === 'function') transformer.start(ctrl);
	}
}

class TextEncoderStream extends TransformStream {
	constructor() {
		const enc = new TextEncoder();
		super({ transform(chunk, c) { c.enqueue(enc.encode(String(chunk))); } });
	}
	get encoding() { return 'utf-8'; }
}

Object.assign(globalThis, {
	ReadableStream, ReadableStreamDefaultReader, ReadableStreamDefaultController,
	WritableStream, WritableStreamDefaultWriter, TransformStream, TextEncoderStream,
});
})();
`

// readRequestBody hands the next chunk of the current request body to JS as
// base64. An empty string means the body is exhausted.
func readRequestBody(reqIDStr string) (string, error) {
	state := core.GetRequestState(core.ParseReqID(reqIDStr))
	if state == nil {
		return "", errors.New("request body read outside of a request")
	}
	if state.Body == nil {
		return "", nil
	}
	buf := make([]byte, requestChunkSize)
	for {
		n, err := state.Body.Read(buf)
		if n > 0 {
			return base64.StdEncoding.EncodeToString(buf[:n]), nil
		}
		if errors.Is(err, io.EOF) {
			state.Body = nil
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("reading request body: %w", err)
		}
	}
}

// SetupStreams installs the Streams API and the request body bridge.
func SetupStreams(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(streamsJS); err != nil {
		return fmt.Errorf("evaluating streams JS: %w", err)
	}
	if err := rt.RegisterFunc("__request_body_read", readRequestBody); err != nil {
		return fmt.Errorf("registering __request_body_read: %w", err)
	}
	return nil
}

const readChunkJS = `(function() {
	var r = globalThis.__stream_chunk;
	delete globalThis.__stream_chunk;
	if (!r || r.done) return JSON.stringify({done: true});
	var v = r.value;
	if (typeof v !== 'string' && !(v instanceof ArrayBuffer) && !ArrayBuffer.isView(v)) {
		throw new TypeError('response stream chunks must be strings or BufferSources, got ' + typeof v);
	}
	return JSON.stringify({data: __bufferSourceToB64(v)});
})()`

// ReadResponseChunk reads the next chunk of the streamed Response body that
// JsResponseToGo left in globalThis.__response_reader. done is true once the
// stream has closed.
func ReadResponseChunk(ctx context.Context, rt core.JSRuntime, el *eventloop.EventLoop) (chunk []byte, done bool, err error) {
	if err := rt.Eval("globalThis.__stream_chunk = globalThis.__response_reader.read();"); err != nil {
		return nil, false, fmt.Errorf("reading response stream: %w", err)
	}
	if err := AwaitValue(ctx, rt, "__stream_chunk", el); err != nil {
		return nil, false, fmt.Errorf("reading response stream: %w", err)
	}
	out, err := rt.EvalString(readChunkJS)
	if err != nil {
		return nil, false, err
	}
	var r struct {
		Data string `json:"data"`
		Done bool   `json:"done"`
	}
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, false, fmt.Errorf("parsing stream chunk: %w", err)
	}
	if r.Done {
		return nil, true, nil
	}
	chunk, err = base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding stream chunk: %w", err)
	}
	return chunk, false, nil
}

// CancelResponseStream cancels an unfinished streamed Response body.
func CancelResponseStream(rt core.JSRuntime) error {
	return rt.Eval(`(function() {
		var reader = globalThis.__response_reader;
		delete globalThis.__response_reader;
		if (reader) reader.cancel('response body closed').catch(function() {});
	})()`)
}
