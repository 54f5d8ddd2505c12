package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	backend "github.com/tjfontaine/codex-relay/internal/backend/responses"
	"github.com/tjfontaine/codex-relay/internal/codec"
	"github.com/tjfontaine/codex-relay/internal/config"
	"github.com/tjfontaine/codex-relay/internal/domain"
	"github.com/tjfontaine/codex-relay/internal/effort"
	anthropic_frontdoor "github.com/tjfontaine/codex-relay/internal/frontdoor/anthropic"
	openai_frontdoor "github.com/tjfontaine/codex-relay/internal/frontdoor/openai"
	"github.com/tjfontaine/codex-relay/internal/metrics"
	"github.com/tjfontaine/codex-relay/internal/pkg/safehttp"
	"github.com/tjfontaine/codex-relay/internal/requestlog"
	"github.com/tjfontaine/codex-relay/internal/server"
	"github.com/tjfontaine/codex-relay/internal/session"
	"github.com/tjfontaine/codex-relay/internal/telemetry"
	"github.com/tjfontaine/codex-relay/internal/tokens"
	"github.com/tjfontaine/codex-relay/internal/translate"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config.yaml)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			PrettyPrint: cfg.Telemetry.PrettyPrint,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	sink, err := openRequestLog(cfg.RequestLog)
	if err != nil {
		log.Fatalf("Failed to open request log: %v", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	m := metrics.New()

	imageTransport := http.DefaultTransport
	if !cfg.Images.AllowPrivateHosts {
		imageTransport = safehttp.NewTransport()
	}
	normalizer := codec.NewImageNormalizer(
		codec.WithImageHTTPClient(&http.Client{Transport: otelhttp.NewTransport(imageTransport)}),
		codec.WithMaxSize(cfg.Images.MaxBytes),
		codec.WithFetchTimeout(cfg.Images.FetchTimeout),
		codec.WithFileReadTimeout(cfg.Images.FileReadTimeout),
		codec.WithRootDir(cfg.Images.RootDir),
		codec.WithConcurrency(cfg.Images.Concurrency),
	)

	translatorOpts := []translate.Option{
		translate.WithModel(cfg.Upstream.Model),
		translate.WithModels(translate.Models{
			Opus:   cfg.Upstream.Models.Opus,
			Sonnet: cfg.Upstream.Models.Sonnet,
			Haiku:  cfg.Upstream.Models.Haiku,
		}),
		translate.WithInstructions(cfg.Prompt.Instructions),
		translate.WithWorkDir(cfg.Prompt.WorkDir),
		translate.WithSkillPrompt(cfg.Prompt.SkillPrompt),
	}
	if cfg.Prompt.EnvironmentContext {
		translatorOpts = append(translatorOpts, translate.WithEnvironmentContext(cfg.Prompt.Shell))
	}
	translator := translate.New(effort.NewMapper(cfg.Reasoning.Rules, cfg.Reasoning.Default), translatorOpts...)

	upstream := backend.NewClient(
		backend.WithURL(cfg.Upstream.URL),
		backend.WithAPIKey(cfg.Upstream.APIKey),
		backend.WithUserAgent(cfg.Upstream.UserAgent),
		backend.WithReadTimeout(cfg.Upstream.ReadTimeout),
	)

	orchestrator := session.New(session.Options{
		Normalizer:   normalizer,
		Translator:   translator,
		Upstream:     upstream,
		Metrics:      m,
		RequestLog:   sink,
		Logger:       logger,
		IgnoreProbes: cfg.Server.IgnoreProbeRequests,
	})

	srv := server.New(server.Options{
		Port:              cfg.Server.Port,
		Logger:            logger,
		Metrics:           m,
		CORSOrigins:       cfg.Server.CORSOrigins,
		MaxConcurrency:    cfg.Server.MaxConcurrency,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	srv.Mount(domain.APITypeAnthropic, anthropic_frontdoor.NewHandler(orchestrator, tokens.NewCounter(), logger).Routes())
	srv.Mount(domain.APITypeOpenAI, openai_frontdoor.NewHandler(orchestrator, logger).Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relay configured",
		slog.String("upstream", cfg.Upstream.URL),
		slog.String("model", cfg.Upstream.Model),
		slog.Bool("fixed_upstream_key", cfg.Upstream.APIKey != ""),
		slog.Int("max_concurrency", cfg.Server.MaxConcurrency),
	)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

// openRequestLog opens the configured sinks, or returns nil when none is.
func openRequestLog(cfg config.RequestLogConfig) (requestlog.Sink, error) {
	var sinks requestlog.Multi
	if cfg.JSONLPath != "" {
		s, err := requestlog.OpenJSONL(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.SQLitePath != "" {
		s, err := requestlog.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
