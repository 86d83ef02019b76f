package webapi

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// lookupKV returns the KV namespace bound as name for the given request.
func lookupKV(reqIDStr, name string) (core.KVStore, error) {
	state := core.GetRequestState(core.ParseReqID(reqIDStr))
	if state == nil {
		return nil, fmt.Errorf("KV binding %q used outside of a request", name)
	}
	store, ok := state.Env[name].(core.KVStore)
	if !ok {
		return nil, fmt.Errorf("KV binding %q not found", name)
	}
	return store, nil
}

func kvGet(reqIDStr, name, key string) (string, error) {
	store, err := lookupKV(reqIDStr, name)
	if err != nil {
		return "", err
	}
	v, err := store.GetWithMetadata(key)
	if err != nil {
		return "", err
	}
	if v == nil {
		return `{"value":null,"metadata":null}`, nil
	}
	out := map[string]interface{}{"value": v.Value, "metadata": nil}
	if v.Metadata != nil {
		out["metadata"] = *v.Metadata
	}
	data, err := json.Marshal(out)
	return string(data), err
}

type kvPutOptions struct {
	Metadata      *string `json:"metadata"`
	ExpirationTTL *int    `json:"expirationTtl"`
}

// kvPut and kvDelete return an unused string so the JS wrapper sees a
// [value, error] pair.
func kvPut(reqIDStr, name, key, value, optsJSON string) (string, error) {
	store, err := lookupKV(reqIDStr, name)
	if err != nil {
		return "", err
	}
	var opts kvPutOptions
	if optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			return "", fmt.Errorf("invalid put options: %w", err)
		}
	}
	return "", store.Put(key, value, opts.Metadata, opts.ExpirationTTL)
}

func kvDelete(reqIDStr, name, key string) (string, error) {
	store, err := lookupKV(reqIDStr, name)
	if err != nil {
		return "", err
	}
	return "", store.Delete(key)
}

type kvListOptions struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor"`
}

func kvList(reqIDStr, name, optsJSON string) (string, error) {
	store, err := lookupKV(reqIDStr, name)
	if err != nil {
		return "", err
	}
	var opts kvListOptions
	if optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			return "", fmt.Errorf("invalid list options: %w", err)
		}
	}
	res, err := store.List(opts.Prefix, opts.Limit, opts.Cursor)
	if err != nil {
		return "", err
	}
	out := map[string]interface{}{
		"keys":          res.Keys,
		"list_complete": res.ListComplete,
	}
	if res.Cursor != "" {
		out["cursor"] = res.Cursor
	}
	data, err := json.Marshal(out)
	return string(data), err
}

const kvFactoryJS = `
globalThis.__makeKV = function(name) {
	const reqID = () => String(globalThis.__requestID || '');
	const call = fn => new Promise(resolve => resolve(fn()));
	function convert(value, type) {
		switch (type || 'text') {
		case 'text': return value;
		case 'json': return JSON.parse(value);
		case 'arrayBuffer': return new TextEncoder().encode(value).buffer;
		default: throw new TypeError('unsupported KV value type: ' + type);
		}
	}
	function typeOf(opts) { return typeof opts === 'string' ? opts : (opts && opts.type); }
	function parseMetadata(m) {
		if (m === null || m === undefined) return null;
		try { return JSON.parse(m); } catch (e) { return m; }
	}
	return {
		get(key, opts) {
			return call(() => {
				const r = JSON.parse(__kv_get(reqID(), name, String(key)));
				return r.value === null ? null : convert(r.value, typeOf(opts));
			});
		},
		getWithMetadata(key, opts) {
			return call(() => {
				const r = JSON.parse(__kv_get(reqID(), name, String(key)));
				if (r.value === null) return { value: null, metadata: null };
				return { value: convert(r.value, typeOf(opts)), metadata: parseMetadata(r.metadata) };
			});
		},
		put(key, value, opts) {
			return call(() => {
				if (typeof value !== 'string') {
					value = value instanceof ArrayBuffer || ArrayBuffer.isView(value) ? new TextDecoder().decode(value) : String(value);
				}
				const o = {};
				if (opts && opts.metadata !== undefined) o.metadata = JSON.stringify(opts.metadata);
				if (opts && opts.expirationTtl) o.expirationTtl = Math.floor(opts.expirationTtl);
				else if (opts && opts.expiration) o.expirationTtl = Math.ceil(opts.expiration - Date.now() / 1000);
				__kv_put(reqID(), name, String(key), value, JSON.stringify(o));
			});
		},
		delete(key) {
			return call(() => { __kv_delete(reqID(), name, String(key)); });
		},
		list(opts) {
			return call(() => {
				const r = JSON.parse(__kv_list(reqID(), name, JSON.stringify(opts || {})));
				r.cacheStatus = null;
				return r;
			});
		}
	};
};
`

// SetupKV registers the __kv_* bridge functions and the __makeKV factory
// that BuildEnvObject uses for KV bindings.
func SetupKV(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__kv_get", kvGet},
		{"__kv_put", kvPut},
		{"__kv_delete", kvDelete},
		{"__kv_list", kvList},
	}
	for _, f := range funcs {
		if err := rt.RegisterFunc(f.name, f.fn); err != nil {
			return fmt.Errorf("registering %s: %w", f.name, err)
		}
	}
	if err := rt.Eval(kvFactoryJS); err != nil {
		return fmt.Errorf("evaluating KV factory JS: %w", err)
	}
	return nil
}
