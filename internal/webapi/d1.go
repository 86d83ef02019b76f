package webapi

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// d1Exec runs one statement against the D1 database bound as name. SQL
// errors are reported in the result JSON so JS can reject with the
// database's message.
func d1Exec(reqIDStr, name, sqlStr, paramsJSON string) (string, error) {
	state := core.GetRequestState(core.ParseReqID(reqIDStr))
	if state == nil {
		return "", fmt.Errorf("D1 binding %q used outside of a request", name)
	}
	store, ok := state.Env[name].(core.D1Store)
	if !ok {
		return "", fmt.Errorf("D1 binding %q not found", name)
	}

	var params []interface{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return errorJSON(fmt.Errorf("invalid bindings JSON: %w", err)), nil
		}
	}
	for i, p := range params {
		// JSON numbers arrive as float64; keep integral values integral.
		if f, ok := p.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			params[i] = int64(f)
		}
	}

	result, err := store.Exec(sqlStr, params)
	if err != nil {
		return errorJSON(err), nil
	}
	data, err := json.Marshal(result)
	return string(data), err
}

func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

const d1FactoryJS = `
globalThis.__makeD1 = function(name) {
	function exec(sql, params) {
		const r = JSON.parse(__d1_exec(String(globalThis.__requestID || ''), name, sql, JSON.stringify(params || [])));
		if (r.error) throw new Error('D1_ERROR: ' + r.error);
		return r;
	}
	function objects(r) {
		return (r.rows || []).map(row => {
			const o = {};
			r.columns.forEach((c, i) => { o[c] = row[i]; });
			return o;
		});
	}
	const settle = fn => new Promise(resolve => resolve(fn()));
	class PreparedStatement {
		constructor(sql, params) {
			this._sql = sql;
			this._params = params || [];
		}
		bind() {
			const params = Array.prototype.slice.call(arguments).map(v => v === undefined ? null : v);
			return new PreparedStatement(this._sql, params);
		}
		_all() {
			const r = exec(this._sql, this._params);
			return { results: objects(r), success: true, meta: r.meta || {} };
		}
		first(column) {
			return settle(() => {
				const rows = objects(exec(this._sql, this._params));
				if (rows.length === 0) return null;
				if (column === undefined) return rows[0];
				if (!(column in rows[0])) throw new Error('D1_COLUMN_NOTFOUND: Column not found');
				return rows[0][column];
			});
		}
		all() { return settle(() => this._all()); }
		run() { return settle(() => this._all()); }
		raw(opts) {
			return settle(() => {
				const r = exec(this._sql, this._params);
				const rows = r.rows || [];
				return opts && opts.columnNames ? [r.columns].concat(rows) : rows;
			});
		}
	}
	function splitStatements(sql) {
		const out = [];
		let cur = '', quote = '';
		for (const ch of sql) {
			if (quote) {
				if (ch === quote) quote = '';
			} else if (ch === "'" || ch === '"') {
				quote = ch;
			} else if (ch === ';') {
				if (cur.trim()) out.push(cur.trim());
				cur = '';
				continue;
			}
			cur += ch;
		}
		if (cur.trim()) out.push(cur.trim());
		return out;
	}
	return {
		prepare(sql) { return new PreparedStatement(String(sql)); },
		batch(statements) {
			return settle(() => statements.map(s => s._all()));
		},
		exec(sql) {
			return settle(() => {
				const start = Date.now();
				const statements = splitStatements(String(sql));
				for (const s of statements) exec(s);
				return { count: statements.length, duration: Date.now() - start };
			});
		},
		dump() { return Promise.reject(new Error('D1 dump() is not supported')); }
	};
};
`

// SetupD1 registers __d1_exec and the __makeD1 factory that BuildEnvObject
// uses for D1 bindings.
func SetupD1(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__d1_exec", d1Exec); err != nil {
		return fmt.Errorf("registering __d1_exec: %w", err)
	}
	if err := rt.Eval(d1FactoryJS); err != nil {
		return fmt.Errorf("evaluating D1 factory JS: %w", err)
	}
	return nil
}
