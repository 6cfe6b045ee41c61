package pipeline_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofy/apps/imagery/features/capture"
	"geofy/apps/imagery/internal/pipeline"
	"geofy/apps/imagery/internal/webhook"
)

// memRepo mirrors the Postgres repository's state-machine guards so the
// pipeline is exercised against the same terminality and monotonicity rules.
type memRepo struct {
	mu          sync.Mutex
	jobs        map[string]*capture.Job
	progressLog map[string][]int
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[string]*capture.Job{}, progressLog: map[string][]int{}}
}

func (m *memRepo) Create(_ context.Context, job *capture.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*capture.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *job
	return &clone, nil
}

func (m *memRepo) List(_ context.Context, _ int, _ capture.JobStatus) ([]capture.Job, error) {
	return nil, nil
}

func (m *memRepo) MarkProcessing(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != capture.StatusQueued {
		return nil
	}
	job.Status = capture.StatusProcessing
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	m.progressLog[id] = append(m.progressLog[id], progress)
	return nil
}

func (m *memRepo) SetProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != capture.StatusProcessing {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now().UTC()
	m.progressLog[id] = append(m.progressLog[id], job.Progress)
	return nil
}

func (m *memRepo) Complete(_ context.Context, id string, images []capture.ImageryItem, analysis *capture.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != capture.StatusProcessing {
		return nil
	}
	now := time.Now().UTC()
	job.Status = capture.StatusCompleted
	job.Progress = 100
	job.Images = images
	job.Analysis = analysis
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.progressLog[id] = append(m.progressLog[id], 100)
	return nil
}

func (m *memRepo) Fail(_ context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = capture.StatusFailed
	job.Error = message
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *memRepo) history(id string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progressLog[id]...)
}

type fakeTool struct {
	dates           []string
	availabilityErr error
	failOnDownload  int // 1-based download call that fails; 0 = never
	downloads       int
}

func (t *fakeTool) Availability(context.Context, float64, float64) ([]string, error) {
	if t.availabilityErr != nil {
		return nil, t.availabilityErr
	}
	return t.dates, nil
}

func (t *fakeTool) Download(_ context.Context, _, _ float64, date string, _ int, outputPath string) error {
	t.downloads++
	if t.failOnDownload != 0 && t.downloads == t.failOnDownload {
		return fmt.Errorf("download failed: tile server unreachable")
	}
	return os.WriteFile(outputPath, []byte("raster "+date), 0o600)
}

func passthroughConverter(tifPath string) (string, error) {
	pngPath := strings.TrimSuffix(tifPath, ".tif") + ".png"
	if err := os.WriteFile(pngPath, []byte("png"), 0o600); err != nil {
		return "", err
	}
	return pngPath, nil
}

type fakeUploader struct{}

func (fakeUploader) Upload(_ context.Context, _, jobID string, year int) (*pipeline.Asset, error) {
	base := fmt.Sprintf("https://media.test/geofy/%s/imagery_%d", jobID, year)
	return &pipeline.Asset{
		URL:          base + ".png",
		OptimizedURL: base + "?opt=1",
		ThumbnailURL: base + "?thumb=1",
	}, nil
}

type fakeAnalyzer struct {
	result *capture.Analysis
	paths  []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, pngPaths []string) *capture.Analysis {
	a.paths = append([]string(nil), pngPaths...)
	if a.result != nil {
		return a.result
	}
	return &capture.Analysis{
		ChangesDetected: []string{"new construction"},
		Timeline:        []capture.TimelineEntry{{Year: 2018, Observation: "baseline"}},
		Summary:         "steady development",
	}
}

type delivery struct {
	url     string
	event   string
	payload webhook.Payload
}

type recorderNotifier struct {
	mu         sync.Mutex
	deliveries []delivery
	result     bool
}

func (n *recorderNotifier) Deliver(_ context.Context, url, event string, payload webhook.Payload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, delivery{url: url, event: event, payload: payload})
	return n.result
}

func (n *recorderNotifier) all() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.deliveries...)
}

type fixture struct {
	repo     *memRepo
	tool     *fakeTool
	analyzer *fakeAnalyzer
	notifier *recorderNotifier
	runner   *pipeline.Runner
	tempDir  string
}

func newFixture(t *testing.T, tool *fakeTool) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		tool:     tool,
		analyzer: &fakeAnalyzer{},
		notifier: &recorderNotifier{result: true},
		tempDir:  t.TempDir(),
	}
	f.runner = pipeline.NewRunner(
		f.repo,
		f.tool,
		pipeline.ConverterFunc(passthroughConverter),
		fakeUploader{},
		f.analyzer,
		f.notifier,
		f.tempDir,
		2018, 2025,
	)
	return f
}

func (f *fixture) seedJob(t *testing.T, callbackURL string) *capture.Job {
	t.Helper()
	job := &capture.Job{
		ID:           "job-" + t.Name(),
		Lat:          37.7749,
		Lon:          -122.4194,
		LocationName: "San Francisco City Hall",
		ZoomLevel:    250,
		CallbackURL:  callbackURL,
		Status:       capture.StatusQueued,
	}
	require.NoError(t, f.repo.Create(context.Background(), job))
	return job
}

func assertMonotonic(t *testing.T, history []int) {
	t.Helper()
	assert.True(t, sort.IntsAreSorted(history), "progress regressed: %v", history)
}

func TestExecute_CompletesJob(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2016-05-01", "2018-01-01", "2020-06-15"}})
	job := f.seedJob(t, "https://hooks.test/geofy")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	// 2016 is outside the supported window; the two in-window dates remain
	// in ascending order.
	require.Len(t, got.Images, 2)
	assert.Equal(t, "2018-01-01", got.Images[0].CaptureDate)
	assert.Equal(t, 2018, got.Images[0].Year)
	assert.Equal(t, "2020-06-15", got.Images[1].CaptureDate)
	assert.Equal(t, 2020, got.Images[1].Year)
	assert.Contains(t, got.Images[0].ImageURL, "imagery_2018")

	require.NotNil(t, got.Analysis)
	assert.Equal(t, "steady development", got.Analysis.Summary)
	assert.Len(t, f.analyzer.paths, 2)

	history := f.repo.history(job.ID)
	assert.Equal(t, []int{10, 20, 50, 80, 85, 100}, history)
	assertMonotonic(t, history)

	deliveries := f.notifier.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, webhook.EventJobCompleted, deliveries[0].event)
	assert.Equal(t, "https://hooks.test/geofy", deliveries[0].url)
	assert.Len(t, deliveries[0].payload.Images, 2)
	assert.False(t, deliveries[0].payload.DeliveredAt.IsZero())
}

func TestExecute_CleansOnlyOwnTempFiles(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2019-03-10"}})
	job := f.seedJob(t, "")

	foreign := filepath.Join(f.tempDir, "other-job_2019-03-10.tif")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o600))

	f.runner.Execute(context.Background(), job.ID)

	own, err := filepath.Glob(filepath.Join(f.tempDir, job.ID+"_*"))
	require.NoError(t, err)
	assert.Empty(t, own, "job working files should be removed")

	_, err = os.Stat(foreign)
	assert.NoError(t, err, "another job's file must survive cleanup")
}

func TestExecute_NoEligibleDatesFailsJob(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2016-05-01", "2017-11-20"}})
	job := f.seedJob(t, "https://hooks.test/geofy")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no imagery available")
	assert.Empty(t, got.Images)
	require.NotNil(t, got.CompletedAt)

	deliveries := f.notifier.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, webhook.EventJobFailed, deliveries[0].event)
	assert.Contains(t, deliveries[0].payload.Error, "no imagery available")
	assert.Empty(t, deliveries[0].payload.Images)
}

func TestExecute_AvailabilityErrorFailsJob(t *testing.T) {
	f := newFixture(t, &fakeTool{availabilityErr: errors.New("availability check timed out after 1m0s")})
	job := f.seedJob(t, "")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
}

func TestExecute_DownloadFailureAbortsWholeJob(t *testing.T) {
	f := newFixture(t, &fakeTool{
		dates:          []string{"2018-01-01", "2020-06-15", "2022-09-01"},
		failOnDownload: 2,
	})
	job := f.seedJob(t, "https://hooks.test/geofy")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "2020-06-15")
	// All-or-nothing: the already-acquired first year is not persisted.
	assert.Empty(t, got.Images)

	deliveries := f.notifier.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, webhook.EventJobFailed, deliveries[0].event)
	assertMonotonic(t, f.repo.history(job.ID))
}

func TestExecute_AnalyzerDegradationDoesNotFailJob(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2018-01-01"}})
	f.analyzer.result = &capture.Analysis{
		ChangesDetected: []string{},
		Timeline:        []capture.TimelineEntry{},
		Summary:         "Analysis unavailable",
		Error:           "AI analysis failed: response was not valid JSON",
	}
	job := f.seedJob(t, "")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Analysis)
	assert.NotEmpty(t, got.Analysis.Error)
	assert.Equal(t, "Analysis unavailable", got.Analysis.Summary)
}

func TestExecute_WebhookFailureDoesNotChangeStatus(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2018-01-01"}})
	f.notifier.result = false
	job := f.seedJob(t, "https://hooks.test/geofy")

	f.runner.Execute(context.Background(), job.ID)

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestExecute_NoCallbackNoDelivery(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2018-01-01"}})
	job := f.seedJob(t, "")

	f.runner.Execute(context.Background(), job.ID)

	assert.Empty(t, f.notifier.all())
}

func TestExecute_UnknownJobIsDropped(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2018-01-01"}})

	f.runner.Execute(context.Background(), "no-such-job")

	assert.Empty(t, f.notifier.all())
	assert.Zero(t, f.tool.downloads)
}

func TestDispatch_ClosesHandleOnTerminalState(t *testing.T) {
	f := newFixture(t, &fakeTool{dates: []string{"2018-01-01"}})
	job := f.seedJob(t, "")

	done := f.runner.Dispatch(job.ID)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch handle never closed")
	}

	got, err := f.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}
