// Command gofastd is the CLI entrypoint for the cache server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gofast-cache/gofast/internal/config"
	"github.com/gofast-cache/gofast/internal/logging"
	"github.com/gofast-cache/gofast/internal/server"
)

var version = "0.1.0" // set during build with -ldflags

var rootCmd = &cobra.Command{
	Use:   "gofastd",
	Short: "gofastd - segment-structured in-memory cache server",
	Long: `gofastd is a segment-structured in-memory cache server: fixed-size
segments, TTL-bucketed eager expiration, and merge-based eviction, speaking
a memcache-flavored binary protocol (get/gets/set/add/replace/cas/delete/
incr/decr/flush_all).`,
	Version: version,
	RunE:    runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("gofastd: failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("gofastd: invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("starting gofastd",
		"version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"segment_size", cfg.Engine.SegmentSize,
		"heap_size", cfg.Engine.HeapSize,
		"eviction", cfg.Engine.Eviction,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("gofastd: failed to construct server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config.Watch(cfg, func(next *config.Config) {
		logger.Infow("config reloaded", "log_level", next.LogLevel, "log_format", next.LogFormat)
	}, func(err error) {
		logger.Warnw("config reload rejected", "error", err)
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gofastd")
	srv.Stop()
	logger.Info("gofastd stopped")
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Println("gofastd configuration:")
		fmt.Println(strings.Repeat("=", 31))
		fmt.Printf("Host: %s\n", cfg.Host)
		fmt.Printf("Port: %d\n", cfg.Port)
		fmt.Printf("Max Clients: %d\n", cfg.MaxClients)
		fmt.Printf("Log Level: %s\n", cfg.LogLevel)
		fmt.Printf("Log Format: %s\n", cfg.LogFormat)
		fmt.Printf("Segment Size: %d\n", cfg.Engine.SegmentSize)
		fmt.Printf("Heap Size: %d\n", cfg.Engine.HeapSize)
		fmt.Printf("Hash Power: %d\n", cfg.Engine.HashPower)
		fmt.Printf("Eviction: %s\n", cfg.Engine.Eviction)
		fmt.Printf("TTL Mode: %s\n", cfg.Engine.TTLMode)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gofastd v%s\n", version)
		fmt.Printf("Built with Go %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "localhost", "Host to bind to")
	rootCmd.PersistentFlags().IntP("port", "p", 11311, "Port to listen on")
	rootCmd.PersistentFlags().Int("max-clients", 10000, "Maximum number of clients")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Client timeout")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().Int64("engine-heap-size", 1<<30, "Total storage heap size in bytes")
	rootCmd.PersistentFlags().Int("engine-segment-size", 1<<20, "Segment size in bytes")
	rootCmd.PersistentFlags().String("engine-eviction", "Merge", "Eviction policy (None, Random, Fifo, Cte, Util, Merge)")
	rootCmd.PersistentFlags().String("engine-ttl-mode", "memcache", "TTL field interpretation (memcache, unix)")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("max_clients", rootCmd.PersistentFlags().Lookup("max-clients"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("engine.heap_size", rootCmd.PersistentFlags().Lookup("engine-heap-size"))
	viper.BindPFlag("engine.segment_size", rootCmd.PersistentFlags().Lookup("engine-segment-size"))
	viper.BindPFlag("engine.eviction", rootCmd.PersistentFlags().Lookup("engine-eviction"))
	viper.BindPFlag("engine.ttl_mode", rootCmd.PersistentFlags().Lookup("engine-ttl-mode"))

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
