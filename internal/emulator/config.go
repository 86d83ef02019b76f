package emulator

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Config describes the bindings exposed to the worker.
type Config struct {
	// Vars are plain string bindings.
	Vars map[string]string `mapstructure:"vars"`

	// KVNamespaces are binding names of emulated KV namespaces.
	KVNamespaces []string `mapstructure:"kv_namespaces"`

	// D1Databases are binding names of emulated D1 databases. The binding
	// name doubles as the database ID.
	D1Databases []string `mapstructure:"d1_databases"`

	// PersistDir keeps KV and D1 data on disk between runs. Empty keeps
	// everything in memory.
	PersistDir string `mapstructure:"persist_dir"`
}

// Validate checks that binding names are usable and unique.
func (c *Config) Validate() error {
	var result *multierror.Error
	seen := make(map[string]string)

	claim := func(kind, name string) {
		if strings.TrimSpace(name) == "" {
			result = multierror.Append(result, fmt.Errorf("%s binding name must not be empty", kind))
			return
		}
		if prev, ok := seen[name]; ok {
			result = multierror.Append(result, fmt.Errorf("%s binding %q already bound as %s", kind, name, prev))
			return
		}
		seen[name] = kind
	}

	for name := range c.Vars {
		claim("var", name)
	}
	for _, name := range c.KVNamespaces {
		claim("KV", name)
	}
	for _, name := range c.D1Databases {
		claim("D1", name)
		if err := ValidateDatabaseID(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("D1 binding %q: %w", name, err))
		}
	}

	return result.ErrorOrNil()
}

// ValidateDatabaseID rejects database IDs that contain path traversal
// characters, null bytes, or are empty/too long.
func ValidateDatabaseID(id string) error {
	if id == "" {
		return fmt.Errorf("database ID must not be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("database ID too long")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("database ID contains path traversal")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("database ID contains path separator")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("database ID contains null byte")
	}
	return nil
}
