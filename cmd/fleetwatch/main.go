package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"fleetwatch/internal/config"
	"fleetwatch/internal/discovery"
	"fleetwatch/internal/events"
	"fleetwatch/internal/fleetapi"
	"fleetwatch/internal/httpapi"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/tracker"
)

const srvRefreshInterval = time.Minute

func main() {
	envLoaded := godotenv.Load() == nil

	configPath := flag.String("config", envOr("FLEETWATCH_CONFIG", ""), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := httpapi.NewLogger("info", "")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := httpapi.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if envLoaded {
		logger.Info().Msg("loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	baseURL := cfg.Registry.URL
	var resolver *discovery.Resolver
	if cfg.Registry.SRV != "" {
		resolver = discovery.NewResolver(logger, discovery.Options{
			Server:  cfg.Discovery.Server,
			Timeout: cfg.Discovery.Timeout.Std(),
		})
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		u, err := resolver.BaseURL(lookupCtx, cfg.Registry.SRV, cfg.Registry.Scheme)
		cancel()
		switch {
		case err == nil:
			baseURL = u
		case cfg.Registry.URL != "":
			logger.Warn().Err(err).Str("fallback", cfg.Registry.URL).Msg("registry discovery failed, using configured url")
		default:
			logger.Fatal().Err(err).Msg("registry discovery failed")
		}
	}

	client, err := fleetapi.New(logger, fleetapi.Options{
		BaseURL: baseURL,
		Timeout: cfg.Registry.Timeout.Std(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid registry url")
	}
	if resolver != nil {
		go followSRV(ctx, logger, resolver, client, cfg.Registry.SRV, cfg.Registry.Scheme)
	}

	tr := tracker.New(logger, client, tracker.Options{
		PollInterval:      cfg.Tracking.PollInterval.Std(),
		AlertPollInterval: cfg.Tracking.AlertPollInterval.Std(),
		QuietPeriod:       cfg.Tracking.SearchQuietPeriod.Std(),
		Backoff:           cfg.Tracking.Backoff,
		MaxBackoff:        cfg.Tracking.MaxBackoff.Std(),
		NotificationCap:   cfg.Tracking.NotificationCap,
	}, m)
	defer tr.Close()

	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(logger, cfg.Events.NATSURL)
		if err != nil {
			logger.Error().Err(err).Msg("event publishing disabled")
		} else {
			defer nc.Close()
			pub := events.NewPublisher(logger, nc, m)
			unsubscribe := tr.Store().Subscribe(pub.HandleChange)
			defer unsubscribe()
			logger.Info().Str("subjects", events.SubjectVesselsAll).Msg("publishing vessel events")
		}
	}

	tr.Activate(ctx)

	h := httpapi.NewHandler(logger, tr, m)
	defer h.Hub().Close()
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("registry", client.BaseURL()).Msg("fleetwatch listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	tr.Deactivate()
	logger.Info().Msg("shutdown complete")
}

// followSRV re-resolves the registry periodically and repoints the client
// when the preferred endpoint moves.
func followSRV(ctx context.Context, log zerolog.Logger, r *discovery.Resolver, c *fleetapi.Client, name, scheme string) {
	ticker := time.NewTicker(srvRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		u, err := r.BaseURL(lookupCtx, name, scheme)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("registry re-discovery failed, keeping current endpoint")
			continue
		}
		if strings.TrimSuffix(u, "/") == strings.TrimSuffix(c.BaseURL(), "/") {
			continue
		}
		if err := c.SetBaseURL(u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("discovered registry url rejected")
			continue
		}
		log.Info().Str("url", u).Msg("registry endpoint moved")
	}
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
