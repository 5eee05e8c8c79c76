// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across storage/delivery layers.
var (
	// ErrNotFound indicates the requested record does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable indicates the durable store cannot be used;
	// callers degrade to in-memory state instead of failing.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeliveryFailed indicates a transmission the queue should retry
	// (network error, non-2xx status, or malformed collector response).
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrQueueClosed indicates the delivery queue no longer accepts entries.
	ErrQueueClosed = errors.New("queue closed")
)
