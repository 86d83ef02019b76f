package quickjs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cryguy/workerdev/internal/webapi"
)

var errBodyClosed = errors.New("response body closed")

// streamBody is the Go side of a Response whose body is a ReadableStream.
// Each Read that finds the buffer empty pulls one chunk from the VM, running
// timers as needed, so the handler's output reaches the client as it is
// produced. The request context bounds every pull.
type streamBody struct {
	m        *Module
	ctx      context.Context
	buf      []byte
	err      error
	finished bool
	onFinish func()
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		b.buf, b.err = b.next()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *streamBody) next() ([]byte, error) {
	m := b.m
	m.vmMu.Lock()
	defer m.vmMu.Unlock()
	if m.isClosed() {
		b.finished = true
		return nil, errModuleClosed
	}

	var interrupted atomic.Bool
	stop := context.AfterFunc(b.ctx, func() {
		interrupted.Store(true)
		m.vm.Interrupt()
	})
	chunk, done, err := b.readChunk()
	stop()
	switch {
	case err != nil:
		if interrupted.Load() {
			err = fmt.Errorf("response stream interrupted: %w", context.Cause(b.ctx))
		}
		b.finish()
		return nil, err
	case done:
		b.finish()
		return nil, io.EOF
	}
	return chunk, nil
}

func (b *streamBody) readChunk() (chunk []byte, done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return webapi.ReadResponseChunk(b.ctx, b.m.rt, b.m.el)
}

// Close cancels the stream if it has not been read to the end.
func (b *streamBody) Close() error {
	m := b.m
	m.vmMu.Lock()
	defer m.vmMu.Unlock()
	if b.finished {
		return nil
	}
	if b.err == nil {
		b.err = errBodyClosed
	}
	if !m.isClosed() {
		if err := webapi.CancelResponseStream(m.rt); err != nil {
			m.log.WithError(err).Debug("cancelling response stream")
		}
		m.rt.RunMicrotasks()
	}
	b.finish()
	return nil
}

// finish must be called with vmMu held.
func (b *streamBody) finish() {
	if b.finished {
		return
	}
	b.finished = true
	if b.onFinish != nil {
		b.onFinish()
	}
}
