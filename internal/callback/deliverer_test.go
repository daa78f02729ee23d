package callback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/store"
)

func newTestDeliverer(t *testing.T, maxRetries int) (*Deliverer, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	v := NewValidator(true, nil)
	d := NewDeliverer(s, v, logger, DelivererConfig{
		MaxRetries:  maxRetries,
		Timeout:     2 * time.Second,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	return d, s
}

func insertAsyncRequest(t *testing.T, s *store.SQLiteStore, callbackURL string) string {
	t.Helper()
	cbStatus := model.CallbackPending
	r := &model.Request{
		ID:             model.NewID(),
		Mode:           model.ModeAsync,
		InputData:      "hi",
		Iterations:     10,
		Status:         model.StatusPending,
		CallbackURL:    &callbackURL,
		CallbackStatus: &cbStatus,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.InsertRequest(context.Background(), r); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	return r.ID
}

func TestDeliverFirstAttemptSuccess(t *testing.T) {
	var gotBody map[string]any
	var gotRequestID, gotAttempt string

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get("X-Request-ID")
		gotAttempt = r.Header.Get("X-Attempt-Number")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d, s := newTestDeliverer(t, 3)
	id := insertAsyncRequest(t, s, sink.URL)

	d.Deliver(context.Background(), id, sink.URL, map[string]any{
		"request_id": id,
		"status":     "completed",
		"result":     "abc",
	})

	if gotRequestID != id {
		t.Errorf("X-Request-ID = %q, want %q", gotRequestID, id)
	}
	if gotAttempt != "1" {
		t.Errorf("X-Attempt-Number = %q, want 1", gotAttempt)
	}
	if gotBody["result"] != "abc" {
		t.Errorf("payload result = %v, want abc", gotBody["result"])
	}

	r, err := s.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if r.CallbackStatus == nil || *r.CallbackStatus != model.CallbackDelivered {
		t.Errorf("CallbackStatus = %v, want delivered", r.CallbackStatus)
	}
	if r.CallbackAttempts != 1 {
		t.Errorf("CallbackAttempts = %d, want 1", r.CallbackAttempts)
	}

	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 1 {
		t.Fatalf("len(attempts) = %d, want 1", len(attempts))
	}
	if attempts[0].StatusCode == nil || *attempts[0].StatusCode != 200 {
		t.Errorf("StatusCode = %v, want 200", attempts[0].StatusCode)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls int
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d, s := newTestDeliverer(t, 3)
	id := insertAsyncRequest(t, s, sink.URL)

	d.Deliver(context.Background(), id, sink.URL, map[string]any{"request_id": id})

	if calls != 3 {
		t.Errorf("sink called %d times, want 3", calls)
	}

	r, _ := s.GetRequest(context.Background(), id)
	if r.CallbackStatus == nil || *r.CallbackStatus != model.CallbackDelivered {
		t.Errorf("CallbackStatus = %v, want delivered", r.CallbackStatus)
	}
	if r.CallbackAttempts != 3 {
		t.Errorf("CallbackAttempts = %d, want 3", r.CallbackAttempts)
	}

	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 3 {
		t.Fatalf("len(attempts) = %d, want 3", len(attempts))
	}
	for i := 0; i < 2; i++ {
		if attempts[i].StatusCode == nil || *attempts[i].StatusCode != 500 {
			t.Errorf("attempt %d StatusCode = %v, want 500", i+1, attempts[i].StatusCode)
		}
		if attempts[i].Error == nil || *attempts[i].Error != "HTTP 500" {
			t.Errorf("attempt %d Error = %v, want HTTP 500", i+1, attempts[i].Error)
		}
	}
	last := attempts[2]
	if last.StatusCode == nil || *last.StatusCode != 200 {
		t.Errorf("final StatusCode = %v, want 200", last.StatusCode)
	}
	if last.Error != nil {
		t.Errorf("final Error = %v, want nil", last.Error)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	d, s := newTestDeliverer(t, 2)
	id := insertAsyncRequest(t, s, sink.URL)

	d.Deliver(context.Background(), id, sink.URL, map[string]any{"request_id": id})

	r, _ := s.GetRequest(context.Background(), id)
	if r.CallbackStatus == nil || *r.CallbackStatus != model.CallbackFailed {
		t.Errorf("CallbackStatus = %v, want failed", r.CallbackStatus)
	}
	if r.CallbackError == nil || !strings.HasPrefix(*r.CallbackError, "All 2 attempts failed") {
		t.Errorf("CallbackError = %v, want prefix %q", r.CallbackError, "All 2 attempts failed")
	}
	if r.CallbackAttempts != 2 {
		t.Errorf("CallbackAttempts = %d, want 2", r.CallbackAttempts)
	}

	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 2 {
		t.Errorf("len(attempts) = %d, want 2", len(attempts))
	}
}

func TestDeliverSSRFBlockIsTerminal(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	v := NewValidator(false, staticResolver("10.0.0.5"))
	d := NewDeliverer(s, v, logger, DelivererConfig{
		MaxRetries:  5,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
	})

	id := insertAsyncRequest(t, s, "http://internal.example/cb")
	d.Deliver(context.Background(), id, "http://internal.example/cb", map[string]any{"request_id": id})

	r, _ := s.GetRequest(context.Background(), id)
	if r.CallbackStatus == nil || *r.CallbackStatus != model.CallbackFailed {
		t.Errorf("CallbackStatus = %v, want failed", r.CallbackStatus)
	}
	if r.CallbackError == nil || !strings.HasPrefix(*r.CallbackError, "SSRF blocked:") {
		t.Errorf("CallbackError = %v, want SSRF blocked prefix", r.CallbackError)
	}

	// No retries after an SSRF block.
	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 1 {
		t.Fatalf("len(attempts) = %d, want 1", len(attempts))
	}
	if attempts[0].StatusCode != nil {
		t.Errorf("StatusCode = %v, want nil", attempts[0].StatusCode)
	}
}

func TestDeliverRebindingBlockedAtDeliveryTime(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Public on the first attempt's validation, private on the second.
	calls := 0
	flip := func(ctx context.Context, host string) ([]string, error) {
		calls++
		if calls == 1 {
			return []string{"93.184.216.34"}, nil
		}
		return []string{"10.0.0.5"}, nil
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d := NewDeliverer(s, NewValidator(false, flip), logger, DelivererConfig{
		MaxRetries:  3,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
	})

	id := insertAsyncRequest(t, s, sink.URL)
	d.Deliver(context.Background(), id, sink.URL, map[string]any{"request_id": id})

	r, _ := s.GetRequest(context.Background(), id)
	if r.CallbackStatus == nil || *r.CallbackStatus != model.CallbackFailed {
		t.Errorf("CallbackStatus = %v, want failed", r.CallbackStatus)
	}

	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2 (one HTTP failure, one SSRF block)", len(attempts))
	}
	if attempts[1].Error == nil || !strings.HasPrefix(*attempts[1].Error, "SSRF blocked:") {
		t.Errorf("second attempt Error = %v, want SSRF blocked prefix", attempts[1].Error)
	}
}

func TestDeliverRedirectNotFollowed(t *testing.T) {
	var followed bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		followed = true
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer sink.Close()

	d, s := newTestDeliverer(t, 1)
	id := insertAsyncRequest(t, s, sink.URL)

	d.Deliver(context.Background(), id, sink.URL, map[string]any{"request_id": id})

	if followed {
		t.Error("redirect was followed")
	}

	attempts, _ := s.GetCallbackAttempts(context.Background(), id)
	if len(attempts) != 1 {
		t.Fatalf("len(attempts) = %d, want 1", len(attempts))
	}
	if attempts[0].StatusCode == nil || *attempts[0].StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %v, want 302", attempts[0].StatusCode)
	}
}

func TestDeliverBackoffCancelledOnShutdown(t *testing.T) {
	var calls int
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	d, s := newTestDeliverer(t, 5)
	d.backoffBase = 10 * time.Second
	d.backoffMax = 10 * time.Second
	id := insertAsyncRequest(t, s, sink.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Deliver(ctx, id, sink.URL, map[string]any{"request_id": id})
		close(done)
	}()

	// Let the first attempt land, then cancel during the backoff sleep.
	deadline := time.Now().Add(2 * time.Second)
	for calls == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver did not return after cancellation")
	}

	if calls != 1 {
		t.Errorf("sink called %d times, want 1", calls)
	}
}

func TestBackoffBounds(t *testing.T) {
	d, _ := newTestDeliverer(t, 5)
	d.backoffBase = 2 * time.Second
	d.backoffMax = 60 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		base := d.backoffBase << (attempt - 1)
		if base > d.backoffMax || base <= 0 {
			base = d.backoffMax
		}
		got := d.backoff(attempt)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if got < lo || got > hi {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}
}
