package webapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

var (
	errNotLatin1     = errors.New("string contains characters outside of the Latin1 range")
	errInvalidBase64 = errors.New("invalid base64 string")
)

// Btoa base64-encodes a binary string, one byte per code point.
func Btoa(s string) (string, error) {
	buf := make([]byte, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		if r > 0xff {
			return "", errNotLatin1
		}
		buf = append(buf, byte(r))
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Atob decodes forgiving base64 into a binary string, one code point per byte.
func Atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(strings.TrimSuffix(s, "="), "=")
	}
	if len(s)%4 == 1 || strings.Contains(s, "=") {
		return "", errInvalidBase64
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", errInvalidBase64
	}
	var b strings.Builder
	b.Grow(len(raw) * 2)
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return b.String(), nil
}

const encodingJS = `
globalThis.btoa = function(data) {
	if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument");
	return __btoa(String(data));
};
globalThis.atob = function(data) {
	if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument");
	return __atob(String(data));
};
`

// SetupEncoding registers the Go-backed atob() and btoa().
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__btoa", Btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__atob", Atob); err != nil {
		return err
	}
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
