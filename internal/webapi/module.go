package webapi

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal names the global that holds the entry module's namespace
// object once the wrapped script has run.
const ModuleGlobal = "__worker_exports__"

// WrapESModule converts ES module source into a script that stores the
// module namespace in globalThis[ModuleGlobal].
func WrapESModule(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + ModuleGlobal,
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("wrapping module: %s", FormatMessages(result.Errors))
	}
	return string(result.Code), nil
}

// FormatMessages joins esbuild diagnostics into one line each, prefixed
// with file:line:column when esbuild knows the location.
func FormatMessages(msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location == nil {
			lines = append(lines, m.Text)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
	}
	return strings.Join(lines, "; ")
}
