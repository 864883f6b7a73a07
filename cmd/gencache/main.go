package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gencache/internal/gencache"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "gencache",
		Short:         "Generation-versioned caching layer in front of an origin",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("GENCACHE_CONFIG", "/gencache.yaml"), "path to gencache.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newGenerationsCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Install and activate the configured generation, then proxy the origin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "redeploy when the config file names a new generation")
	return cmd
}

func serve(ctx context.Context, configPath string, watch bool) error {
	cfg, err := gencache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := gencache.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := gencache.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("deploy generation %q: %w", cfg.Generation, err)
	}
	if watch {
		if err := svc.WatchConfig(ctx, configPath); err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	servers := []*http.Server{{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	go func() {
		log.Info("gencache listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		if err := servers[0].Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, ms)
		go func() {
			log.Info("metrics listening", zap.String("addr", ms.Addr))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
