package tunecord

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the upstream definitively reported the resource
	// as absent. Unlike the other fetch errors, it is cacheable.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates a transient upstream connectivity failure.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrTimeout indicates the per-attempt deadline elapsed.
	ErrTimeout = errors.New("upstream timeout")

	// ErrProtocol indicates an unexpected status or a malformed body.
	ErrProtocol = errors.New("upstream protocol error")

	// ErrForbidden indicates the chat platform denied the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrMessageGone indicates the chat platform no longer has the message.
	ErrMessageGone = errors.New("message gone")

	// ErrRateLimited indicates the chat platform rejected the operation due
	// to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrCapacity indicates the registry or cache refused an insert because
	// its soft bound was still reached after a forced sweep.
	ErrCapacity = errors.New("at capacity")

	// ErrEmptyDataset indicates widget creation was refused because the
	// dataset had no elements.
	ErrEmptyDataset = errors.New("empty dataset")

	// ErrAlreadyRegistered indicates a widget registry collision. The chat
	// platform guarantees message id uniqueness, so this is fatal for the
	// creating command; the caller must delete the message and retry.
	ErrAlreadyRegistered = errors.New("widget already registered")
)

// NotFoundError carries the upstream's "not found" message so negative
// cache entries can replay it verbatim to later callers.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message == "" {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("not found: %s", e.Message)
}

func (*NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ProtocolError records the status code and a body excerpt for unexpected
// upstream responses. The excerpt is redacted before it is logged.
type ProtocolError struct {
	Status  int
	Excerpt string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: status %d: %s", e.Status, e.Excerpt)
}

func (*ProtocolError) Unwrap() error {
	return ErrProtocol
}
