package capture

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a capture job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var ErrInvalidStatus = errors.New("invalid job status")

// ParseStatus validates a status string from a query parameter.
func ParseStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// ImageryItem is one year's acquired imagery: capture date plus the three
// URLs derived from a single upload. Appended in ascending date order and
// never mutated afterwards.
type ImageryItem struct {
	Year         int    `json:"year"`
	CaptureDate  string `json:"captureDate"`
	ImageURL     string `json:"imageUrl"`
	OptimizedURL string `json:"optimizedUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// TimelineEntry is one year's observation in the change analysis.
type TimelineEntry struct {
	Year        int    `json:"year"`
	Observation string `json:"observation"`
}

// Analysis is the structured change-analysis result. A degraded result keeps
// all three keys populated (possibly empty) and carries a diagnostic in Error.
type Analysis struct {
	ChangesDetected []string        `json:"changes_detected"`
	Timeline        []TimelineEntry `json:"timeline"`
	Summary         string          `json:"summary"`
	Error           string          `json:"error,omitempty"`
}

// Job is one end-to-end imagery-capture-and-analyze request. The input
// snapshot (coordinates, location, zoom, callback) is fixed at creation;
// only the orchestrator mutates the execution state, and never after a
// terminal status.
type Job struct {
	ID           string       `json:"id"`
	Lat          float64      `json:"lat"`
	Lon          float64      `json:"lon"`
	LocationName string       `json:"locationName"`
	ZoomLevel    int          `json:"zoomLevel"`
	CallbackURL  string       `json:"callbackUrl,omitempty"`
	Status       JobStatus    `json:"status"`
	Progress     int          `json:"progress"`
	Images       []ImageryItem `json:"images,omitempty"`
	Analysis     *Analysis    `json:"aiAnalysis,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// Coordinates renders the job's coordinate pair in the "lat,lon" wire form.
func (j *Job) Coordinates() string {
	return fmt.Sprintf("%g,%g", j.Lat, j.Lon)
}

// ProcessingTime renders the created-to-completed duration as "XmYs".
// Empty until the job is terminal.
func (j *Job) ProcessingTime() string {
	if j.CompletedAt == nil {
		return ""
	}
	d := j.CompletedAt.Sub(j.CreatedAt).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

// ValidateCoordinates checks the supported coordinate ranges.
func ValidateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %g out of range -90..90", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %g out of range -180..180", lon)
	}
	return nil
}

const (
	// ZoomDefault matches the external tool's native resolution parameter.
	ZoomDefault = 250
	ZoomMin     = 1
	ZoomMax     = 1000
)

// ValidateZoom checks the resolution parameter bounds.
func ValidateZoom(zoom int) error {
	if zoom < ZoomMin || zoom > ZoomMax {
		return fmt.Errorf("zoomLevel %d out of range %d..%d", zoom, ZoomMin, ZoomMax)
	}
	return nil
}
