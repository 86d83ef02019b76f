package quickjs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/workerdev/internal/webapi"
)

// resolveEntry maps a module specifier to a file. Absolute paths that exist
// are used as is; anything else, including root-relative "/src/index.ts",
// is resolved against root.
func resolveEntry(root, specifier string) string {
	if filepath.IsAbs(specifier) {
		if _, err := os.Stat(specifier); err == nil {
			return specifier
		}
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(specifier, "/")))
}

// Bundle bundles the entry module and everything it imports into a single
// ES module. It always reads from disk, so every call sees current sources.
// Warnings are returned alongside the code.
func Bundle(root, specifier string) (code string, warnings []string, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", nil, fmt.Errorf("resolving root: %w", err)
	}
	entry := resolveEntry(absRoot, specifier)
	if _, err := os.Stat(entry); err != nil {
		return "", nil, fmt.Errorf("entry module %s: %w", specifier, err)
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: absRoot,
		Bundle:        true,
		Format:        esbuild.FormatESModule,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		Conditions:    []string{"worker", "browser"},
		Define:        map[string]string{"process.env.NODE_ENV": `"development"`},
		LogLevel:      esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", nil, fmt.Errorf("bundling %s: %s", specifier, webapi.FormatMessages(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", nil, fmt.Errorf("bundling %s: no output", specifier)
	}

	for _, w := range result.Warnings {
		warnings = append(warnings, webapi.FormatMessages([]esbuild.Message{w}))
	}
	return string(result.OutputFiles[0].Contents), warnings, nil
}
