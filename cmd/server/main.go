package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"web-transcriber/internal/gateway"
	"web-transcriber/internal/media"
	"web-transcriber/internal/platform/config"
	"web-transcriber/internal/platform/logger"
	"web-transcriber/internal/platform/metrics"
	"web-transcriber/internal/provider"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.LoadServer()

	log := logger.New(cfg.LogLevel, cfg.LogFormat, nil)

	if cfg.Password == "" {
		log.Warn("APP_PASSWORD is not set; every authenticated request will fail")
	}
	if cfg.ProviderAPIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; transcription and summaries will fail")
	}

	met := metrics.New()
	openai := provider.NewOpenAI(provider.Config{
		BaseURL:            cfg.ProviderBaseURL,
		APIKey:             cfg.ProviderAPIKey,
		TranscriptionModel: cfg.TranscriptionModel,
		SummaryModel:       cfg.SummaryModel,
	})
	ffmpeg := media.FFmpeg{Path: cfg.FFmpegPath}
	if !ffmpeg.Available() {
		log.Warn("ffmpeg not found; undecodable uploads cannot be transcoded", "ffmpeg_path", cfg.FFmpegPath)
	}

	auth := gateway.NewAuthenticator(cfg.Password)
	results := gateway.NewInMemoryResults(0, 0)
	ts := gateway.NewTranscriptionService(auth, openai, ffmpeg, results, gateway.ServiceConfig{
		MaxRetries:      cfg.MaxRetries,
		RetryBase:       cfg.RetryBase,
		MinPayloadBytes: cfg.MinPayloadBytes,
	}, log, met)
	ss := gateway.NewSummaryService(auth, openai, log, met)
	h := gateway.NewHandler(auth, ts, ss, log, cfg.MaxUploadBytes)

	r := gateway.NewRouter(h, gateway.RouterConfig{
		TrustProxy:   cfg.TrustProxy,
		Log:          log,
		Metrics:      met,
		UpdateGauges: func() { met.SetActiveSessions(results.ActiveSessionCount()) },
	})

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 30 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"max_retries", cfg.MaxRetries,
		"trust_proxy", cfg.TrustProxy,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
