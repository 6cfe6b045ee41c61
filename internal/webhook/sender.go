package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"geofy/apps/imagery/features/capture"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	headerEvent     = "X-Geofy-Event"
	headerTimestamp = "X-Geofy-Timestamp"
	headerSignature = "X-Geofy-Signature"
)

// Payload is the wire body POSTed to the caller's callback URL. Status and
// the event header carry the same information so receivers can discriminate
// either way.
type Payload struct {
	JobID       string                `json:"jobId"`
	Status      capture.JobStatus     `json:"status"`
	Images      []capture.ImageryItem `json:"images,omitempty"`
	AIAnalysis  *capture.Analysis     `json:"aiAnalysis,omitempty"`
	Error       string                `json:"error,omitempty"`
	DeliveredAt time.Time             `json:"deliveredAt"`
}

type Config struct {
	SigningSecret  string
	MaxAttempts    int
	RequestTimeout time.Duration
	BackoffBase    int
	UserAgent      string
}

// Sender POSTs signed payloads with bounded retries. Delivery is purely
// best-effort: Deliver never panics and never returns an error, only a
// success flag the caller may log.
type Sender struct {
	client      *http.Client
	secret      string
	maxAttempts int
	timeout     time.Duration
	backoffBase int
	userAgent   string
	sleep       func(time.Duration)
	now         func() time.Time
}

// Option configures the sender, primarily for tests.
type Option func(*Sender)

func WithSleep(fn func(time.Duration)) Option {
	return func(s *Sender) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSender(cfg Config, opts ...Option) *Sender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2
	}
	s := &Sender{
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		secret:      cfg.SigningSecret,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.RequestTimeout,
		backoffBase: cfg.BackoffBase,
		userAgent:   cfg.UserAgent,
		sleep:       time.Sleep,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver POSTs the payload to url, retrying with exponential backoff until
// a response below 300 arrives or attempts are exhausted.
func (s *Sender) Deliver(ctx context.Context, url, event string, payload Payload) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "webhook payload marshal failed", "event", event, "error", err)
		return false
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := s.post(ctx, url, event, body); err == nil {
			slog.InfoContext(ctx, "webhook delivered", "event", event, "url", url, "attempt", attempt+1)
			return true
		} else {
			slog.WarnContext(ctx, "webhook attempt failed", "event", event, "url", url, "attempt", attempt+1, "error", err)
		}

		if attempt == s.maxAttempts-1 {
			break
		}
		s.sleep(s.backoff(attempt))
	}

	slog.ErrorContext(ctx, "webhook delivery exhausted", "event", event, "url", url, "attempts", s.maxAttempts)
	return false
}

func (s *Sender) post(ctx context.Context, url, event string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set(headerEvent, event)

	ts := strconv.FormatInt(s.now().UTC().Unix(), 10)
	req.Header.Set(headerTimestamp, ts)
	if s.secret != "" {
		req.Header.Set(headerSignature, Signature(s.secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(float64(s.backoffBase), float64(attempt))) * time.Second
}

// Signature computes the hex HMAC-SHA256 of "<timestamp>.<body>" so
// receivers can verify both integrity and freshness of a delivery.
func Signature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
