package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stripestore/osd/internal/checksum"
	"github.com/stripestore/osd/internal/config"
	"github.com/stripestore/osd/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "osd",
		Short: "stripestore object storage device",
		Long: `osd stores the striped objects of files and keeps them consistent
with the other storage nodes holding the same file.

Examples:
  # Run a node
  osd serve --config /etc/stripestore/osd.yaml

  # Show what the node stores for a file
  osd inspect --config /etc/stripestore/osd.yaml vol:1234

  # Drop versions not needed by the listed snapshots (node stopped)
  osd purge --config /etc/stripestore/osd.yaml vol:1234 --keep 1718000000000`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "osd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <fileId>",
		Short: "Print the stored objects and versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(inspectCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge <fileId>",
		Short: "Delete file and object versions no snapshot needs",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurge,
	}
	purgeCmd.Flags().Int64Slice("keep", nil, "snapshot timestamps (unix ms) to retain")
	rootCmd.AddCommand(purgeCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("osd %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.NodeConfig, error) {
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStorage(cfg *config.NodeConfig) (storage.Layout, error) {
	provider, err := checksum.ByName(cfg.Storage.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	layout, err := storage.Open(storage.Options{
		Layout:    cfg.Storage.Layout,
		DataDir:   cfg.DataDir,
		Checksums: cfg.Storage.Checksums,
		Provider:  provider,
		Logger:    log.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return layout, nil
}
