package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofy/apps/imagery/features/capture"
)

func newTestSender(t *testing.T, cfg Config, opts ...Option) *Sender {
	t.Helper()
	opts = append([]Option{WithSleep(func(time.Duration) {})}, opts...)
	return NewSender(cfg, opts...)
}

func TestDeliver_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t, Config{MaxAttempts: 5})

	ok := s.Deliver(context.Background(), srv.URL, EventJobCompleted, Payload{
		JobID:  "job-1",
		Status: capture.StatusCompleted,
	})

	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliver_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSender(t, Config{MaxAttempts: 5})

	ok := s.Deliver(context.Background(), srv.URL, EventJobFailed, Payload{
		JobID:  "job-1",
		Status: capture.StatusFailed,
		Error:  "no imagery available for 2018-2025",
	})

	assert.False(t, ok)
	assert.Equal(t, int32(5), calls.Load())
}

func TestDeliver_BackoffDoublesPerAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var slept []time.Duration
	s := NewSender(
		Config{MaxAttempts: 4, BackoffBase: 2},
		WithSleep(func(d time.Duration) { slept = append(slept, d) }),
	)

	s.Deliver(context.Background(), srv.URL, EventJobFailed, Payload{JobID: "job-1"})

	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, slept)
}

func TestDeliver_SetsHeadersAndSignature(t *testing.T) {
	secret := "test-signing-secret"
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var (
		gotEvent     string
		gotTimestamp string
		gotSignature string
		gotAgent     string
		gotBody      []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Geofy-Event")
		gotTimestamp = r.Header.Get("X-Geofy-Timestamp")
		gotSignature = r.Header.Get("X-Geofy-Signature")
		gotAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t,
		Config{SigningSecret: secret, UserAgent: "Geofy-Imagery/1.0"},
		WithClock(func() time.Time { return frozen }),
	)

	payload := Payload{JobID: "job-1", Status: capture.StatusCompleted, DeliveredAt: frozen}
	ok := s.Deliver(context.Background(), srv.URL, EventJobCompleted, payload)
	require.True(t, ok)

	assert.Equal(t, "job.completed", gotEvent)
	assert.Equal(t, "1748779200", gotTimestamp)
	assert.Equal(t, "Geofy-Imagery/1.0", gotAgent)
	assert.Equal(t, Signature(secret, gotTimestamp, gotBody), gotSignature)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "job-1", decoded["jobId"])
	assert.Equal(t, "completed", decoded["status"])
}

func TestDeliver_NoSecretNoSignatureHeader(t *testing.T) {
	var signed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, signed = r.Header["X-Geofy-Signature"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(t, Config{})
	require.True(t, s.Deliver(context.Background(), srv.URL, EventJobCompleted, Payload{JobID: "job-1"}))
	assert.False(t, signed)
}

func TestDeliver_UnreachableEndpoint(t *testing.T) {
	s := newTestSender(t, Config{MaxAttempts: 2})
	ok := s.Deliver(context.Background(), "http://127.0.0.1:1/hook", EventJobFailed, Payload{JobID: "job-1"})
	assert.False(t, ok)
}

func TestSignature_Deterministic(t *testing.T) {
	body := []byte(`{"jobId":"job-1"}`)

	first := Signature("secret", "1748779200", body)
	second := Signature("secret", "1748779200", body)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	assert.NotEqual(t, first, Signature("secret", "1748779201", body))
	assert.NotEqual(t, first, Signature("other", "1748779200", body))
	assert.NotEqual(t, first, Signature("secret", "1748779200", []byte(`{"jobId":"job-2"}`)))
}
