// Package pipeline runs the capture job state machine: availability lookup,
// per-year acquisition, change analysis, persistence and notification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"geofy/apps/imagery/features/capture"
	"geofy/apps/imagery/internal/middleware"
	"geofy/apps/imagery/internal/webhook"
)

// Tool is the external imagery tool boundary.
type Tool interface {
	Availability(ctx context.Context, lat, lon float64) ([]string, error)
	Download(ctx context.Context, lat, lon float64, date string, zoom int, outputPath string) error
}

// Converter turns a downloaded raster into a displayable bitmap.
type Converter interface {
	Convert(tifPath string) (pngPath string, err error)
}

// ConverterFunc adapts a plain function to Converter.
type ConverterFunc func(tifPath string) (string, error)

func (f ConverterFunc) Convert(tifPath string) (string, error) { return f(tifPath) }

// Uploader pushes a bitmap to the media host.
type Uploader interface {
	Upload(ctx context.Context, path, jobID string, year int) (*Asset, error)
}

// Asset mirrors the media host's derived URLs without binding the pipeline
// to a concrete provider.
type Asset struct {
	URL          string
	OptimizedURL string
	ThumbnailURL string
}

// Analyzer produces the change analysis. Implementations never return an
// error; failures surface as a degraded result.
type Analyzer interface {
	Analyze(ctx context.Context, pngPaths []string) *capture.Analysis
}

// Notifier is the webhook delivery boundary.
type Notifier interface {
	Deliver(ctx context.Context, url, event string, payload webhook.Payload) bool
}

// Runner executes capture jobs to a terminal state. It holds no cross-job
// mutable state; each execution works against the durable store alone.
type Runner struct {
	repo     capture.Repository
	tool     Tool
	convert  Converter
	uploader Uploader
	analyzer Analyzer
	notifier Notifier
	tempDir  string
	yearMin  int
	yearMax  int
}

func NewRunner(
	repo capture.Repository,
	tool Tool,
	convert Converter,
	uploader Uploader,
	analyzer Analyzer,
	notifier Notifier,
	tempDir string,
	yearMin, yearMax int,
) *Runner {
	return &Runner{
		repo:     repo,
		tool:     tool,
		convert:  convert,
		uploader: uploader,
		analyzer: analyzer,
		notifier: notifier,
		tempDir:  tempDir,
		yearMin:  yearMin,
		yearMax:  yearMax,
	}
}

// Dispatch starts the job's execution in its own goroutine. The returned
// channel closes once the job is terminal, giving callers an awaitable
// handle without a queue or worker pool.
func (r *Runner) Dispatch(jobID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := middleware.WithCorrelationID(context.Background(), jobID)
		r.Execute(ctx, jobID)
	}()
	return done
}

// Execute runs the full pipeline for one job. It never panics past its own
// boundary: every failure in the staged work is converted into a FAILED job
// plus a best-effort failure notification.
func (r *Runner) Execute(ctx context.Context, jobID string) {
	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "job not found before processing", "job_id", jobID, "error", err)
		return
	}

	images, analysis, runErr := r.run(ctx, job)
	if runErr == nil {
		r.finishCompleted(ctx, job, images, analysis)
		return
	}

	slog.ErrorContext(ctx, "capture job failed", "job_id", jobID, "error", runErr)

	// The in-memory job may be stale after a nested failure; the store is
	// the source of truth, so re-fetch before flipping state.
	if _, err := r.repo.Get(ctx, jobID); err != nil {
		slog.ErrorContext(ctx, "failed job could not be re-fetched, dropping", "job_id", jobID, "error", err)
		return
	}
	if err := r.repo.Fail(ctx, jobID, runErr.Error()); err != nil {
		slog.ErrorContext(ctx, "could not persist job failure", "job_id", jobID, "error", err)
		return
	}

	r.cleanup(ctx, jobID)

	if job.CallbackURL != "" {
		r.notifier.Deliver(ctx, job.CallbackURL, webhook.EventJobFailed, webhook.Payload{
			JobID:       jobID,
			Status:      capture.StatusFailed,
			Error:       runErr.Error(),
			DeliveredAt: time.Now().UTC(),
		})
	}
}

// run performs steps 1-5 of the pipeline and returns the acquired imagery
// and analysis, or the first error encountered. Acquisition is
// all-or-nothing: one date failing aborts the job with nothing persisted.
func (r *Runner) run(ctx context.Context, job *capture.Job) ([]capture.ImageryItem, *capture.Analysis, error) {
	if err := r.repo.MarkProcessing(ctx, job.ID, 10); err != nil {
		return nil, nil, fmt.Errorf("mark processing: %w", err)
	}

	dates, err := r.tool.Availability(ctx, job.Lat, job.Lon)
	if err != nil {
		return nil, nil, err
	}
	if err := r.repo.SetProgress(ctx, job.ID, 20); err != nil {
		return nil, nil, fmt.Errorf("update progress: %w", err)
	}

	eligible := r.filterWindow(dates)
	if len(eligible) == 0 {
		return nil, nil, fmt.Errorf("no imagery available for %d-%d", r.yearMin, r.yearMax)
	}

	var (
		images   []capture.ImageryItem
		pngPaths []string
	)
	for k, date := range eligible {
		item, pngPath, err := r.acquire(ctx, job, date)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire imagery for %s: %w", date, err)
		}
		images = append(images, *item)
		pngPaths = append(pngPaths, pngPath)

		progress := 20 + int(math.Round(60*float64(k+1)/float64(len(eligible))))
		if err := r.repo.SetProgress(ctx, job.ID, progress); err != nil {
			return nil, nil, fmt.Errorf("update progress: %w", err)
		}
	}

	if err := r.repo.SetProgress(ctx, job.ID, 85); err != nil {
		return nil, nil, fmt.Errorf("update progress: %w", err)
	}

	// The analyzer degrades internally; it must never abort the job.
	analysis := r.analyzer.Analyze(ctx, pngPaths)

	return images, analysis, nil
}

// acquire runs the three fatal-on-error sub-steps for one date: download,
// convert, upload. No partial descriptor is ever returned.
func (r *Runner) acquire(ctx context.Context, job *capture.Job, date string) (*capture.ImageryItem, string, error) {
	tifPath := filepath.Join(r.tempDir, fmt.Sprintf("%s_%s.tif", job.ID, date))
	if err := r.tool.Download(ctx, job.Lat, job.Lon, date, job.ZoomLevel, tifPath); err != nil {
		return nil, "", err
	}

	pngPath, err := r.convert.Convert(tifPath)
	if err != nil {
		return nil, "", err
	}

	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return nil, "", fmt.Errorf("malformed capture date %q", date)
	}

	asset, err := r.uploader.Upload(ctx, pngPath, job.ID, year)
	if err != nil {
		return nil, "", err
	}

	return &capture.ImageryItem{
		Year:         year,
		CaptureDate:  date,
		ImageURL:     asset.URL,
		OptimizedURL: asset.OptimizedURL,
		ThumbnailURL: asset.ThumbnailURL,
	}, pngPath, nil
}

func (r *Runner) finishCompleted(ctx context.Context, job *capture.Job, images []capture.ImageryItem, analysis *capture.Analysis) {
	if err := r.repo.Complete(ctx, job.ID, images, analysis); err != nil {
		slog.ErrorContext(ctx, "could not persist completed job", "job_id", job.ID, "error", err)
		if failErr := r.repo.Fail(ctx, job.ID, fmt.Sprintf("persist results: %v", err)); failErr != nil {
			slog.ErrorContext(ctx, "could not persist job failure", "job_id", job.ID, "error", failErr)
		}
		return
	}

	slog.InfoContext(ctx, "capture job completed", "job_id", job.ID, "images", len(images))

	r.cleanup(ctx, job.ID)

	if job.CallbackURL != "" {
		r.notifier.Deliver(ctx, job.CallbackURL, webhook.EventJobCompleted, webhook.Payload{
			JobID:       job.ID,
			Status:      capture.StatusCompleted,
			Images:      images,
			AIAnalysis:  analysis,
			DeliveredAt: time.Now().UTC(),
		})
	}
}

// filterWindow keeps dates whose year falls inside the supported range,
// preserving resolved order.
func (r *Runner) filterWindow(dates []string) []string {
	var eligible []string
	for _, d := range dates {
		if len(d) < 4 {
			continue
		}
		year, err := strconv.Atoi(d[:4])
		if err != nil {
			continue
		}
		if year >= r.yearMin && year <= r.yearMax {
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// cleanup removes the job's transient working files. Only files prefixed by
// the owning job id are touched, so concurrent jobs cannot interfere.
// Failures are logged and never escalate.
func (r *Runner) cleanup(ctx context.Context, jobID string) {
	matches, err := filepath.Glob(filepath.Join(r.tempDir, jobID+"_*"))
	if err != nil {
		slog.WarnContext(ctx, "temp cleanup glob failed", "job_id", jobID, "error", err)
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			slog.WarnContext(ctx, "temp cleanup failed", "job_id", jobID, "path", path, "error", err)
		}
	}
}
