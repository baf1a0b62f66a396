package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"MiniCart/internal/api"
	"MiniCart/internal/cart"
	"MiniCart/internal/catalog"
	"MiniCart/internal/config"
	"MiniCart/pkg/kit"
)

const startupTimeout = 15 * time.Second

func main() {
	service := "minicart"

	cfg, err := config.Load()
	if err != nil {
		log := kit.NewLogger(service, "info")
		log.Fatal("load config failed", zap.Error(err))
	}

	log := kit.NewLogger(service, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	store, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal("open cart store failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	log.Info("cart store ready", zap.String("driver", cfg.StoreDriver))

	catalogClient := catalog.NewClient(cfg.CatalogURL, cfg.CatalogTimeout, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := api.NewHandler(
		api.Deps{
			Store: store,
			Carts: &cart.Server{
				Store:   store,
				Catalog: catalogClient,
				Log:     log,
			},
			Catalog: &catalog.Server{
				Catalog: catalogClient,
				Limit:   cfg.CatalogLimit,
				Log:     log,
			},
		},
		api.HTTPDeps{
			Log:            log,
			Service:        service,
			Registry:       reg,
			MetricsEnabled: cfg.MetricsEnabled,
			MetricsToken:   cfg.MetricsToken,
			CORSOrigins:    cfg.CORSAllowedOrigins,
			RateLimiter:    kit.NewIPRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, cfg.TrustProxy),
		},
	)

	if err := kit.RunHTTPServer(cfg.Addr(), h, log, store.Close); err != nil {
		log.Fatal("http server stopped", zap.Error(err))
	}
}
