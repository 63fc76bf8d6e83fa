// Package main provides the offlinesync command: a local proxy that keeps a
// REST API usable offline, plus tools to inspect its stored state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/config"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries the global flags shared by every subcommand.
type app struct {
	configPath string
	dataDir    string
	logLevel   string
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

// openStore opens the durable store named by the configuration. Inspection
// commands never fall back to memory: an empty view of a broken store would
// be misleading.
func (a *app) openStore() (*config.Config, db.Store, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	initLogging(cfg)
	store, err := db.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func initLogging(cfg *config.Config) {
	var opts []logging.Option
	switch cfg.Log.Format {
	case "text":
		opts = append(opts, logging.WithTextFormat())
	case "auto":
		opts = append(opts, logging.WithTerminalDetection())
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level), opts...)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline cache and sync queue for a REST API",
		Long: "offlinesync sits between an app and its REST API. Reads are cached,\n" +
			"writes made while offline are queued and replayed on reconnect.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "config file (.toml, .yaml)")
	flags.StringVar(&a.dataDir, "data-dir", "", "override data_dir")
	flags.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newCacheCmd(a),
		newQueueCmd(a),
		newSnapshotCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "offlinesync %s\n", version)
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.Token != "" {
				cfg.API.Token = "[redacted]"
			}
			data, err := cfg.TOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
