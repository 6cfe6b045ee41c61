package capture

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Dispatcher starts the asynchronous pipeline for one job. The returned
// channel closes once the job reaches a terminal state, so tests can await
// execution instead of polling the store.
type Dispatcher interface {
	Dispatch(jobID string) <-chan struct{}
}

var ErrNotCompleted = errors.New("job not completed")

type SubmitInput struct {
	Lat          float64
	Lon          float64
	LocationName string
	ZoomLevel    int
	CallbackURL  string
}

type Service struct {
	repo       Repository
	dispatcher Dispatcher
}

func NewService(repo Repository, dispatcher Dispatcher) *Service {
	return &Service{repo: repo, dispatcher: dispatcher}
}

// Submit persists a queued job and fires its pipeline without blocking the
// caller. Input is assumed validated at the handler boundary.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Job, <-chan struct{}, error) {
	job := &Job{
		ID:           uuid.New().String(),
		Lat:          in.Lat,
		Lon:          in.Lon,
		LocationName: in.LocationName,
		ZoomLevel:    in.ZoomLevel,
		CallbackURL:  in.CallbackURL,
		Status:       StatusQueued,
		Progress:     0,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "capture job queued", "job_id", job.ID, "location", job.LocationName)
	done := s.dispatcher.Dispatch(job.ID)
	return job, done, nil
}

func (s *Service) Status(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Results returns the completed job or ErrNotCompleted while the pipeline is
// still running or has failed. Not-found surfaces as sql.ErrNoRows from the
// repository, which the handler maps to 404.
func (s *Service) Results(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, ErrNotCompleted
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, limit int, status JobStatus) ([]Job, error) {
	return s.repo.List(ctx, limit, status)
}
