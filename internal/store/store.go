package store

import (
	"context"
	"errors"

	"github.com/consuma/consuma/internal/model"
)

// ErrNotFound is returned when a request is not found.
var ErrNotFound = errors.New("request not found")

// ErrDuplicateID is returned when inserting a request whose id already exists.
var ErrDuplicateID = errors.New("duplicate request id")

// Store defines the persistence operations for requests and their
// callback-attempt log.
type Store interface {
	InsertRequest(ctx context.Context, r *model.Request) error
	UpdateRequestResult(ctx context.Context, id, status, result string, durationMS float64) error
	UpdateCallbackStatus(ctx context.Context, id, callbackStatus string, attempts int, errMsg *string) error
	InsertCallbackAttempt(ctx context.Context, a *model.CallbackAttempt) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	GetCallbackAttempts(ctx context.Context, requestID string) ([]model.CallbackAttempt, error)
	ListRequests(ctx context.Context, mode string, limit, offset int) ([]*model.Request, error)
	Ping(ctx context.Context) error
	Close() error
}
