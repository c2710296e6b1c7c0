// Command searchgate runs the multi-token GitHub search gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krishna-kudari/searchgate/config"
	"github.com/krishna-kudari/searchgate/dedup"
	"github.com/krishna-kudari/searchgate/gateway"
	"github.com/krishna-kudari/searchgate/githubapi"
	"github.com/krishna-kudari/searchgate/metrics"
	"github.com/krishna-kudari/searchgate/ratelimit"
	"github.com/krishna-kudari/searchgate/store"
	memorystore "github.com/krishna-kudari/searchgate/store/memory"
	redisstore "github.com/krishna-kudari/searchgate/store/redis"
	"github.com/krishna-kudari/searchgate/token"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "searchgate",
	Short: "Rate-limit-aware GitHub search proxy",
	Long: `searchgate proxies repository-search requests to the GitHub API,
multiplexing them across a pool of tokens with per-client rate limiting
and request coalescing coordinated through Redis.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; env vars take precedence)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	github := githubapi.NewClient(
		githubapi.WithBaseURL(cfg.GitHubBaseURL),
		githubapi.WithHTTPClient(&http.Client{Timeout: cfg.GitHubTimeout}),
	)

	tokens, err := token.NewManager(cfg.GitHubTokens, st, github, token.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("token pool: %w", err)
	}

	limiter, err := ratelimit.New(st, cfg.RateLimit.Limit, cfg.RateLimit.Window,
		ratelimit.WithLogger(logger))
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	coalescer := dedup.New(st,
		dedup.WithWindow(cfg.Dedup.Window),
		dedup.WithPolling(cfg.Dedup.PollInterval, cfg.Dedup.PollBudget),
		dedup.WithLogger(logger),
		dedup.WithObserver(collector.Dedup),
	)

	gw := gateway.New(limiter, tokens, coalescer, github,
		gateway.WithLogger(logger),
		gateway.WithCollector(collector),
		gateway.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("tokens", tokens.Size()),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// newStore connects to Redis when configured, otherwise falls back to the
// in-memory store (single-process mode: coordination still works within
// this instance, just not across instances).
func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis address configured, using in-memory store")
		return memorystore.New(), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return redisstore.New(client), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
