package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "workerdev",
		Short: "Serve a worker module during development",
		Long: `workerdev routes requests to the default export of an entry module and
falls back to static files from the project root.

The entry is bundled from disk on every request, so edits show up without a
restart. HTML responses get the live-reload client script appended.

Examples:
  workerdev
  workerdev --entry ./src/worker.ts --addr :8787
  workerdev --exclude '/v{1,2}/.*' --exclude '/static/.*'
  WORKERDEV_LOG_LEVEL=debug workerdev --config ./workerdev.yaml

WORKERDEV_EXCLUDE holds whitespace-separated patterns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.SetContext(context.Background())

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./workerdev.yaml)")
	addFlags(flags, v)

	return cmd
}

// addFlags defines the config flags on flags and binds them to v.
func addFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("root", defaultRoot, "project root for module resolution and static files")
	flags.StringP("entry", "e", defaultEntry, "entry module specifier")
	flags.StringP("addr", "a", defaultAddr, "listen address")
	flags.Bool("inject-client-script", true, "append the live-reload script to HTML responses")
	flags.String("client-script-path", defaultClientScriptPath, "src of the injected client script")
	flags.StringArray("exclude", nil, "regular expression for paths served statically, repeatable (replaces the defaults)")
	flags.Int("memory-limit-mb", 0, "heap limit per module VM, 0 for none")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text or json")

	for key, flag := range map[string]string{
		"root":                 "root",
		"entry":                "entry",
		"addr":                 "addr",
		"inject_client_script": "inject-client-script",
		"client_script_path":   "client-script-path",
		"exclude":              "exclude",
		"memory_limit_mb":      "memory-limit-mb",
		"log_level":            "log-level",
		"log_format":           "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}
