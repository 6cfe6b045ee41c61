package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"geofy/apps/imagery/features/capture"
	"geofy/apps/imagery/internal/adapter/gemini"
	"geofy/apps/imagery/internal/config"
	"geofy/apps/imagery/internal/gehi"
	"geofy/apps/imagery/internal/media"
	"geofy/apps/imagery/internal/middleware"
	"geofy/apps/imagery/internal/pipeline"
	"geofy/apps/imagery/internal/raster"
	"geofy/apps/imagery/internal/webhook"
)

type App struct {
	Handler        http.Handler
	CaptureService *capture.Service
	port           int
}

func New(cfg *config.Config, db *sql.DB) (*App, error) {
	tool, err := gehi.New(cfg.GEHIBinary)
	if err != nil {
		return nil, fmt.Errorf("imagery tool: %w", err)
	}

	uploader, err := media.NewUploader(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
	if err != nil {
		return nil, fmt.Errorf("media uploader: %w", err)
	}

	analyzer, err := gemini.NewAnalyzer(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("change analyzer: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, change analysis will degrade")
	}

	sender := webhook.NewSender(webhook.Config{
		SigningSecret:  cfg.WebhookSigningSecret,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RequestTimeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
		BackoffBase:    cfg.WebhookBackoffBaseSeconds,
		UserAgent:      cfg.WebhookUserAgent,
	})

	repo := capture.NewPostgresRepo(db)
	runner := pipeline.NewRunner(
		repo,
		tool,
		pipeline.ConverterFunc(raster.ToPNG),
		&uploaderAdapter{uploader},
		analyzer,
		sender,
		cfg.TempStoragePath,
		cfg.YearMin,
		cfg.YearMax,
	)

	captureService := capture.NewService(repo, runner)
	captureHandler := capture.NewHandler(captureService)

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/capture", middleware.CorrelationID(enableCORS(captureHandler.Capture)))
	mux.Handle("GET /api/status/{id}", middleware.CorrelationID(enableCORS(captureHandler.Status)))
	mux.Handle("GET /api/imagery/{id}", middleware.CorrelationID(enableCORS(captureHandler.Imagery)))
	mux.Handle("GET /api/jobs", middleware.CorrelationID(enableCORS(captureHandler.List)))

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","timestamp":%q,"version":"1.0.0"}`, time.Now().UTC().Format(time.RFC3339))
	})

	return &App{
		Handler:        mux,
		CaptureService: captureService,
		port:           cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// uploaderAdapter maps the media host's asset onto the pipeline's neutral
// shape, keeping the pipeline free of provider types.
type uploaderAdapter struct {
	uploader *media.Uploader
}

func (a *uploaderAdapter) Upload(ctx context.Context, path, jobID string, year int) (*pipeline.Asset, error) {
	asset, err := a.uploader.Upload(ctx, path, jobID, year)
	if err != nil {
		return nil, err
	}
	return &pipeline.Asset{
		URL:          asset.URL,
		OptimizedURL: asset.OptimizedURL,
		ThumbnailURL: asset.ThumbnailURL,
	}, nil
}
