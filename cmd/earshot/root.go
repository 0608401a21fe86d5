package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"earshot/internal/config"
	"earshot/internal/debuglog"
	"earshot/internal/storage"
)

// Version is set at build time.
var Version = "dev"

type app struct {
	cfg   *config.Config
	store *storage.Store
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	debuglog.Close()
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		logLevel   string
	)

	a := &app{}

	root := &cobra.Command{
		Use:           "earshot",
		Short:         "A podcast client for the terminal",
		Long:          "earshot subscribes to podcast feeds, plays episodes with resume, and keeps your listening history locally.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Storage.Path = dbPath
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			a.cfg = cfg

			if err := debuglog.Setup(debuglog.ParseLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: log setup failed: %v\n", err)
			}

			store, err := storage.NewStore(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("opening library: %w", err)
			}
			a.store = store
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to library database (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR, OFF")

	root.AddCommand(
		newVersionCmd(),
		newGenerateConfigCmd(),
		newSubscribeCmd(a),
		newUnsubscribeCmd(a),
		newSubsCmd(a),
		newRefreshCmd(a),
		newEpisodesCmd(a),
		newHistoryCmd(a),
		newSearchCmd(a),
		newPlayCmd(a),
		newResumeCmd(a),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// The root's pre-run opens the store; version needs none of that
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("earshot %s\n", Version)
		},
	}
}

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Write a default configuration file",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := os.UserHomeDir()
			configFile := filepath.Join(home, ".config", "earshot", "config.toml")
			if err := config.GenerateDefaultConfig(configFile); err != nil {
				return err
			}
			fmt.Printf("Generated default configuration at: %s\n", configFile)
			return nil
		},
	}
}
