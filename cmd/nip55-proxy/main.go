package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-sign/nip55-bridge/internal/localsigner"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/proxy"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	name := os.Getenv("NIP55_PROXY_NAME")
	if name == "" {
		logger.Error("NIP55_PROXY_NAME is required")
		os.Exit(1)
	}
	callback, err := configureLocalSigner(logger)
	if err != nil {
		logger.Error("failed to configure local signer", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p, err := proxy.New(name, callback,
		proxy.WithConfig(cfg),
		proxy.WithLogger(logger),
		proxy.WithRegisterer(reg),
	)
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}
	if err := p.Listen(); err != nil {
		logger.Error("failed to listen", "addr", p.Addr(), "error", err)
		os.Exit(1)
	}

	// 指标与调试端点
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/nip55", p.DebugHandler())
	httpSrv := &http.Server{
		Addr:              envOrDefault("NIP55_HTTP_ADDR", "127.0.0.1:9155"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server closed unexpectedly", "error", err)
			stop()
		}
	}()

	logger.Info("serving signer", "name", name, "pubkey", callback.PublicKey())
	if err := p.Serve(ctx); err != nil {
		logger.Error("proxy closed unexpectedly", "error", err)
	}

	logger.Info("shutting down servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := p.Close(); err != nil {
		logger.Error("proxy close error", "error", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig 先读 NIP55_CONFIG 指定的 YAML，再叠加环境变量。
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if path := os.Getenv("NIP55_CONFIG"); path != "" {
		fileCfg, err := config.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}
	return config.LoadFromEnv(cfg).Normalize()
}

func configureLocalSigner(logger *slog.Logger) (*localsigner.Signer, error) {
	secret := os.Getenv("NOSTR_SECRET_KEY")
	if secret == "" {
		logger.Warn("NOSTR_SECRET_KEY not set, generating an ephemeral key")
		return localsigner.Generate(), nil
	}
	s, err := localsigner.New(secret)
	if err != nil {
		return nil, fmt.Errorf("parse NOSTR_SECRET_KEY: %w", err)
	}
	return s, nil
}
