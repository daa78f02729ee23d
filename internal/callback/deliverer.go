// Package callback validates callback URLs and delivers result payloads to
// them with retries, recording every attempt in the store.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/store"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 60 * time.Second
)

var callbackAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "consuma_callback_attempts_total",
		Help: "Total number of outbound callback attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(callbackAttemptsTotal)
}

// DelivererConfig holds delivery-related settings. Zero backoff values fall
// back to the defaults.
type DelivererConfig struct {
	MaxRetries  int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Deliverer POSTs JSON payloads to validated callback URLs with exponential
// backoff and jitter. SSRF validation runs before every attempt; a blocked
// URL is a permanent failure.
type Deliverer struct {
	store      store.Store
	validator  *Validator
	client     *http.Client
	logger     *slog.Logger
	maxRetries int

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewDeliverer creates a Deliverer with a pooled HTTP client. Redirects are
// never followed; a redirect response counts as a failed attempt.
func NewDeliverer(s store.Store, v *Validator, logger *slog.Logger, cfg DelivererConfig) *Deliverer {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	return &Deliverer{
		store:     s,
		validator: v,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:      logger,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// Deliver POSTs payload to callbackURL, retrying up to the configured
// maximum. Every attempt appends a row to the callback_attempts log before
// the request record's callback status is touched. Delivery failures are
// recorded, not returned; the caller has nothing useful to do with them.
func (d *Deliverer) Deliver(ctx context.Context, requestID, callbackURL string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("marshal callback payload", "request_id", requestID, "error", err)
		return
	}

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		start := time.Now()

		// Re-validate on every attempt: DNS rebinding defence.
		if err := d.validator.Validate(ctx, callbackURL); err != nil {
			reason := fmt.Sprintf("SSRF blocked: %v", err)
			d.recordAttempt(requestID, attempt, nil, &reason, msSince(start), "ssrf_blocked")
			d.setCallbackStatus(requestID, model.CallbackFailed, attempt, &reason)
			d.logger.Warn("callback blocked by SSRF validation", "request_id", requestID, "error", err)
			return
		}

		statusCode, errMsg := d.post(ctx, requestID, callbackURL, attempt, body)
		elapsed := msSince(start)

		if errMsg == nil {
			d.recordAttempt(requestID, attempt, statusCode, nil, elapsed, "delivered")
			d.setCallbackStatus(requestID, model.CallbackDelivered, attempt, nil)
			d.logger.Info("callback delivered",
				"request_id", requestID, "attempt", attempt, "duration_ms", elapsed)
			return
		}

		d.recordAttempt(requestID, attempt, statusCode, errMsg, elapsed, "failed")
		d.logger.Warn("callback attempt failed",
			"request_id", requestID, "attempt", attempt, "max_retries", d.maxRetries, "error", *errMsg)

		if attempt < d.maxRetries {
			if !d.sleep(ctx, d.backoff(attempt)) {
				d.logger.Info("callback delivery abandoned on shutdown", "request_id", requestID)
				return
			}
		}
	}

	final := fmt.Sprintf("All %d attempts failed", d.maxRetries)
	d.setCallbackStatus(requestID, model.CallbackFailed, d.maxRetries, &final)
	d.logger.Error("callback delivery failed",
		"request_id", requestID, "attempts", d.maxRetries)
}

// post performs one callback POST. It returns the HTTP status code when a
// response was received (nil otherwise) and a short error description, nil
// on 2xx.
func (d *Deliverer) post(ctx context.Context, requestID, callbackURL string, attempt int, body []byte) (*int, *string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		msg := fmt.Sprintf("create request: %v", err)
		return nil, &msg
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Attempt-Number", fmt.Sprintf("%d", attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		msg := "Connection error: " + err.Error()
		if uerr, ok := err.(*url.Error); ok && uerr.Timeout() {
			msg = "Timeout"
		}
		return nil, &msg
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return &code, nil
	}
	msg := fmt.Sprintf("HTTP %d", code)
	return &code, &msg
}

// backoff returns the delay before the next attempt: exponential with ±25%
// uniform jitter, capped.
func (d *Deliverer) backoff(attempt int) time.Duration {
	delay := d.backoffBase << (attempt - 1)
	if delay > d.backoffMax || delay <= 0 {
		delay = d.backoffMax
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.25 * float64(delay))
	return delay + jitter
}

// sleep waits for the given duration, returning false if ctx was cancelled
// first.
func (d *Deliverer) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// recordAttempt appends a row to the delivery log. The log write must land
// before any mutation of the request record's callback status.
func (d *Deliverer) recordAttempt(requestID string, attempt int, statusCode *int, errMsg *string, durationMS float64, outcome string) {
	callbackAttemptsTotal.WithLabelValues(outcome).Inc()
	a := &model.CallbackAttempt{
		RequestID:     requestID,
		AttemptNumber: attempt,
		StatusCode:    statusCode,
		Error:         errMsg,
		DurationMS:    durationMS,
	}
	if err := d.store.InsertCallbackAttempt(context.Background(), a); err != nil {
		d.logger.Error("record callback attempt", "request_id", requestID, "attempt", attempt, "error", err)
	}
}

func (d *Deliverer) setCallbackStatus(requestID, status string, attempts int, errMsg *string) {
	if err := d.store.UpdateCallbackStatus(context.Background(), requestID, status, attempts, errMsg); err != nil {
		d.logger.Error("update callback status", "request_id", requestID, "error", err)
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
