package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"geofy/apps/imagery/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type captureRequest struct {
	Coordinates  string `json:"coordinates"`
	LocationName string `json:"locationName"`
	ZoomLevel    *int   `json:"zoomLevel"`
	CallbackURL  string `json:"callbackUrl"`
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	lat, lon, err := parseCoordinates(req.Coordinates)
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.LocationName) == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "locationName is required", http.StatusBadRequest)
		return
	}

	zoom := ZoomDefault
	if req.ZoomLevel != nil {
		zoom = *req.ZoomLevel
	}
	if err := ValidateZoom(zoom); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	if req.CallbackURL != "" {
		if err := validateCallbackURL(req.CallbackURL); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
	}

	job, _, err := h.service.Submit(ctx, SubmitInput{
		Lat:          lat,
		Lon:          lon,
		LocationName: req.LocationName,
		ZoomLevel:    zoom,
		CallbackURL:  req.CallbackURL,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create capture job", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"jobId":         job.ID,
		"status":        job.Status,
		"message":       "Imagery capture job started",
		"estimatedTime": "5-15 minutes",
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	job, err := h.service.Status(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusBody(job)); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Imagery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	job, err := h.service.Results(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
		case errors.Is(err, ErrNotCompleted):
			h.writeError(ctx, w, "NOT_COMPLETED", "Job not completed", http.StatusBadRequest)
		default:
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	images := job.Images
	if images == nil {
		images = []ImageryItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"jobId":          job.ID,
		"location":       job.LocationName,
		"coordinates":    job.Coordinates(),
		"images":         images,
		"aiAnalysis":     job.Analysis,
		"processingTime": job.ProcessingTime(),
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			h.writeError(ctx, w, "VALIDATION_ERROR", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > 100 {
		limit = 100
	}

	var status JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := ParseStatus(s)
		if err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		status = parsed
	}

	jobs, err := h.service.List(ctx, limit, status)
	if err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		items = append(items, statusBody(&jobs[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"data": items,
		"meta": map[string]int{"count": len(items)},
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func statusBody(job *Job) map[string]any {
	body := map[string]any{
		"success":   true,
		"jobId":     job.ID,
		"status":    job.Status,
		"progress":  job.Progress,
		"startTime": job.CreatedAt,
	}
	if job.CompletedAt != nil {
		body["completedAt"] = job.CompletedAt
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	return body
}

func parseCoordinates(raw string) (float64, float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, errors.New(`coordinates must be "latitude,longitude"`)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, errors.New("invalid longitude")
	}
	return lat, lon, nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("callbackUrl must be an absolute URL")
	}
	if u.Scheme != "https" {
		return errors.New("callbackUrl must use https")
	}
	return nil
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
