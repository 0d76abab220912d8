// Package cliapp wires the client-side core into a runnable, headless CLI:
// connect to a tile-streaming server, open a slide, drive the viewport from
// scripted commands, and render frames to PNG snapshots or a metrics
// stream. It is the thin "surrounding UI" consumer referenced by spec §6.
package cliapp

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "wsiviewer",
	Short: "Headless client for a server-streamed whole-slide image viewer",
	Long: `wsiviewer connects to a tile-streaming whole-slide image server, opens a
slide, and drives the tile cache, viewport, and progressive renderer core
from the command line — useful for scripted capture, debugging the wire
protocol, and headless integration tests.`,
}

// Execute runs the root command; it is the sole export cmd/wsiviewer calls.
func Execute() {
	if logger == nil {
		initLogging()
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("addr", "ws://127.0.0.1:8080/stream", "Tile server stream address")
	rootCmd.PersistentFlags().String("session-db", "", "Path to the session persistence database (default: in-memory only)")

	rootCmd.PersistentFlags().Int("max-tiles", 1000, "Tile cache capacity (§4.C maxTiles)")
	rootCmd.PersistentFlags().Int("processed-cache-size", 500, "Processed-bitmap cache capacity (§4.E)")
	rootCmd.PersistentFlags().Int("worker-count", 4, "Processing worker pool size (§5)")
	rootCmd.PersistentFlags().Duration("initial-timeout", 0, "Retry manager initial timeout override (0 = spec default)")
	rootCmd.PersistentFlags().Duration("base-retry-delay", 0, "Retry manager base backoff delay override (0 = spec default)")
	rootCmd.PersistentFlags().Int("max-retries", 0, "Retry manager max retries override (0 = spec default)")
	rootCmd.PersistentFlags().Duration("reconnect-delay", 0, "Stream client reconnect base delay override (0 = spec default)")

	rootCmd.PersistentFlags().String("norm-mode", "none", "Stain normalization mode (none, macenko, vahadane)")
	rootCmd.PersistentFlags().String("enhance-mode", "none", "Stain enhancement mode (none, gram, afb, gms)")
	rootCmd.PersistentFlags().Bool("sharpen", false, "Enable unsharp-mask sharpening")
	rootCmd.PersistentFlags().Int("sharpen-intensity", 50, "Sharpen intensity, 0-100")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("log-level", "log-level")
	mustBind("addr", "addr")
	mustBind("session-db", "session-db")
	mustBind("max-tiles", "max-tiles")
	mustBind("processed-cache-size", "processed-cache-size")
	mustBind("worker-count", "worker-count")
	mustBind("initial-timeout", "initial-timeout")
	mustBind("base-retry-delay", "base-retry-delay")
	mustBind("max-retries", "max-retries")
	mustBind("reconnect-delay", "reconnect-delay")
	mustBind("norm-mode", "norm-mode")
	mustBind("enhance-mode", "enhance-mode")
	mustBind("sharpen", "sharpen")
	mustBind("sharpen-intensity", "sharpen-intensity")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WSIVIEWER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func initLogging() {
	levelStr := strings.ToLower(viper.GetString("log-level"))
	level := slog.LevelInfo
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "err":
		level = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level %q, defaulting to info\n", levelStr)
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
