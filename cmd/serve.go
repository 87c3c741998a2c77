package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/cache"
	"github.com/candidatelabs/slackrag/internal/digest"
	"github.com/candidatelabs/slackrag/internal/metrics"
	"github.com/candidatelabs/slackrag/internal/webapp"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web app for submissions reports",
	Long: `
The serve command starts a local web server with a small form for
generating submissions CSV reports: pick a recruiter and a date range,
and download the resulting file.

Example:
  slackrag serve
  slackrag serve --port 9090
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (defaults to configured WEB_HOST)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to bind (defaults to configured WEB_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flush := setupTelemetry(cfg, metrics.ModeServe)
	defer flush()

	location, err := resolveLocation(cfg)
	if err != nil {
		return err
	}

	channelCache, err := cache.New(cfg.DataDir, cfg.CacheTTL, cfg.CacheMaxSize)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer channelCache.Close()

	if err := metrics.RegisterCacheMetrics(func() (int64, int64, int64) {
		stats, err := channelCache.Stats(context.Background())
		if err != nil {
			return 0, 0, 0
		}
		return stats.Hits, stats.Misses, stats.Entries
	}); err != nil {
		log.Printf("Warning: cache metrics unavailable: %v", err)
	}

	fetcher := newFetcher(cfg)

	generator, err := digest.NewGenerator(digest.GeneratorConfig{
		Slack:       fetcher,
		Completer:   newCompleter(cfg),
		Cache:       channelCache,
		Logger:      log.New(os.Stdout, "digest ", log.LstdFlags),
		Location:    location,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create digest generator: %w", err)
	}

	serverConfig := &webapp.ServerConfig{
		Host:            cfg.WebHost,
		Port:            cfg.WebPort,
		ReadTimeout:     cfg.WebReadTimeout,
		WriteTimeout:    cfg.WebWriteTimeout,
		IdleTimeout:     cfg.WebIdleTimeout,
		ShutdownTimeout: cfg.WebShutdownTimeout,
		OutputDir:       cfg.OutputDir,
	}
	if serveHost != "" {
		serverConfig.Host = serveHost
	}
	if servePort > 0 {
		serverConfig.Port = servePort
	}

	server, err := webapp.NewServer(serverConfig, generator, fetcher, log.New(os.Stdout, "[webapp] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	return server.Run(ctx)
}
