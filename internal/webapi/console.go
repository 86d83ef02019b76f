package webapi

import (
	"github.com/sirupsen/logrus"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// consoleLog writes one console call to the logger of the request that made
// it. Calls made outside a request go to the standard logger.
func consoleLog(reqIDStr, level, message string) {
	var log logrus.FieldLogger = logrus.StandardLogger()
	if state := core.GetRequestState(core.ParseReqID(reqIDStr)); state != nil {
		log = state.Log
	}
	entry := log.WithField("source", "worker")

	switch level {
	case "debug", "trace":
		entry.Debug(message)
	case "warn":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}

const consoleJS = `
(function() {
	function format(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack ? arg.name + ': ' + arg.message + '\n' + arg.stack : String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return String(arg); }
		}
		return String(arg);
	}
	const con = {};
	for (const level of ['log', 'info', 'debug', 'trace', 'warn', 'error']) {
		con[level] = function() {
			const parts = [];
			for (let i = 0; i < arguments.length; i++) parts.push(format(arguments[i]));
			__console(String(globalThis.__requestID || ''), level, parts.join(' '));
		};
	}
	con.assert = function(cond) {
		if (cond) return;
		const rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	con.dir = con.log;
	globalThis.console = con;
})();
`

// SetupConsole replaces globalThis.console with one that logs through the
// request's logger.
func SetupConsole(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__console", consoleLog); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
