package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcast/internal/bus"
	"github.com/nextlevelbuilder/clawcast/internal/config"
	"github.com/nextlevelbuilder/clawcast/internal/query"
	"github.com/nextlevelbuilder/clawcast/internal/store"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawcast/cmd.Version=v1.0.0"
var Version = "dev"

var (
	instancesRoot string
	indexPath     string
	indexPG       string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "clawcast",
	Short: "clawcast — multi-agent runtime with recorded, live-streamed sessions",
	Long: "clawcast runs configured agent instances that can invoke each other as tools. " +
		"Every conversation is durably recorded per-session and simultaneously broadcast " +
		"over the bus, so observers can follow a whole tree of sessions live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&instancesRoot, "instances-root", "instances", "directory holding instance directories")
	rootCmd.PersistentFlags().StringVar(&indexPath, "index-db", "", "sqlite session index path (optional)")
	rootCmd.PersistentFlags().StringVar(&indexPG, "index-pg", "", "postgres session index DSN (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the clawcast version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("clawcast", Version)
		},
	}
}

// projectRoot is where streaming.yaml lives: the parent of the instances
// root.
func projectRoot() string {
	return filepath.Dir(instancesRoot)
}

func loadStreaming() (*config.StreamingConfig, error) {
	return config.LoadStreaming(projectRoot())
}

// openBroker connects the configured bus; nil broker means durable-only.
func openBroker() (bus.Bus, *config.StreamingConfig, error) {
	streaming, err := loadStreaming()
	if err != nil {
		return nil, nil, err
	}
	broker, err := bus.New(streaming.Redis)
	if err != nil {
		return nil, streaming, err
	}
	return broker, streaming, nil
}

// openIndex opens the optional session index selected by flags.
func openIndex(cmd *cobra.Command) (store.Index, error) {
	switch {
	case indexPG != "":
		return store.OpenPG(cmd.Context(), indexPG)
	case indexPath != "":
		return store.OpenSQLite(indexPath)
	default:
		return nil, nil
	}
}

// newQuery builds the read-side handle for one instance.
func newQuery(cmd *cobra.Command, instance string, withBus bool) (*query.Query, func(), error) {
	index, err := openIndex(cmd)
	if err != nil {
		return nil, nil, err
	}

	var broker bus.Bus
	if withBus {
		b, _, err := openBroker()
		if err != nil {
			if index != nil {
				index.Close()
			}
			return nil, nil, err
		}
		broker = b
	}

	cleanup := func() {
		if broker != nil {
			broker.Close()
		}
		if index != nil {
			index.Close()
		}
	}
	return query.New(instancesRoot, instance, broker, index), cleanup, nil
}
