package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/cryguy/workerdev"
	"github.com/cryguy/workerdev/internal/emulator"
	"github.com/cryguy/workerdev/internal/exclude"
	"github.com/cryguy/workerdev/internal/inject"
)

const (
	defaultRoot             = "."
	defaultEntry            = workerdev.DefaultEntry
	defaultAddr             = "localhost:5173"
	defaultClientScriptPath = inject.DefaultClientScriptPath

	envPrefix  = "WORKERDEV"
	configName = "workerdev"
)

// config is the merged result of flags, environment and workerdev.yaml.
type config struct {
	Root               string           `mapstructure:"root"`
	Entry              string           `mapstructure:"entry"`
	Addr               string           `mapstructure:"addr"`
	InjectClientScript bool             `mapstructure:"inject_client_script"`
	ClientScriptPath   string           `mapstructure:"client_script_path"`
	Exclude            []string         `mapstructure:"-"`
	Bindings           *emulator.Config `mapstructure:"bindings"`
	MemoryLimitMB      int              `mapstructure:"memory_limit_mb"`
	LogLevel           string           `mapstructure:"log_level"`
	LogFormat          string           `mapstructure:"log_format"`
}

// loadConfig reads cfgFile, or workerdev.yaml from the working directory when
// cfgFile is empty. A missing default file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) (*config, error) {
	v.SetDefault("root", defaultRoot)
	v.SetDefault("entry", defaultEntry)
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("inject_client_script", true)
	v.SetDefault("client_script_path", defaultClientScriptPath)
	v.SetDefault("memory_limit_mb", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	exclude, err := excludeList(v)
	if err != nil {
		return nil, err
	}
	cfg.Exclude = exclude
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// excludeList reads the exclude key itself, since viper's decoder would split
// patterns on commas. Only the environment variable is split, on whitespace.
// Nil means the key was never set.
func excludeList(v *viper.Viper) ([]string, error) {
	if !v.IsSet("exclude") {
		return nil, nil
	}
	switch raw := v.Get("exclude").(type) {
	case []string:
		return raw, nil
	case []interface{}:
		patterns := make([]string, 0, len(raw))
		for _, p := range raw {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("exclude: pattern %v is not a string", p)
			}
			patterns = append(patterns, s)
		}
		return patterns, nil
	case string:
		if env, ok := os.LookupEnv(envPrefix + "_EXCLUDE"); ok && env == raw {
			return strings.Fields(raw), nil
		}
		return []string{raw}, nil
	default:
		return nil, fmt.Errorf("exclude must be a list of patterns, got %T", raw)
	}
}

func (c *config) validate() error {
	var result *multierror.Error
	if c.Entry == "" {
		result = multierror.Append(result, errors.New("entry must not be empty"))
	}
	if c.Addr == "" {
		result = multierror.Append(result, errors.New("addr must not be empty"))
	}
	if c.MemoryLimitMB < 0 {
		result = multierror.Append(result, fmt.Errorf("memory_limit_mb must not be negative, got %d", c.MemoryLimitMB))
	}
	if info, err := os.Stat(c.Root); err != nil {
		result = multierror.Append(result, fmt.Errorf("root: %w", err))
	} else if !info.IsDir() {
		result = multierror.Append(result, fmt.Errorf("root %q is not a directory", c.Root))
	}
	if c.Bindings != nil {
		if err := c.Bindings.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("bindings: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// excludePatterns returns nil when no list was configured, which selects the
// default exclude list.
func (c *config) excludePatterns() []exclude.Pattern {
	if c.Exclude == nil {
		return nil
	}
	return exclude.Sources(c.Exclude...)
}
