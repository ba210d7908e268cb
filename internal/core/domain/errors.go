package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFileNotFound is returned when a file identifier has no record in
	// the metadata store.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidHash is returned when the request hash does not match the
	// file record.
	ErrInvalidHash = errors.New("invalid request hash")

	// ErrUnavailable is returned while a file identifier sits in its
	// failure cooldown window.
	ErrUnavailable = errors.New("file temporarily unavailable")

	// ErrAuthBytesInvalid is the upstream signal that an exported
	// authorization could not be imported on the target DC.
	ErrAuthBytesInvalid = errors.New("authorization bytes invalid")

	// ErrRangeNotSatisfiable is returned for ranges outside the file body.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// FloodWaitError carries the mandatory sleep the upstream demands before
// the next attempt.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry in %ds", e.Seconds)
}

func (e *FloodWaitError) Wait() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// AsFloodWait unwraps err into a FloodWaitError if it is one.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

// AuthExchangeError is returned when exporting/importing authorization to a
// foreign DC fails after all attempts.
type AuthExchangeError struct {
	DCID     int
	Attempts int
	Err      error
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("authorization exchange with DC %d failed after %d attempts: %v", e.DCID, e.Attempts, e.Err)
}

func (e *AuthExchangeError) Unwrap() error {
	return e.Err
}

// StreamError wraps a failure inside the chunk fetch loop with enough
// context to log the truncation point.
type StreamError struct {
	Err      error
	DBID     string
	ClientID int
	Part     int
	Offset   int64
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream of %s on client %d failed at part %d (offset %d): %v",
		e.DBID, e.ClientID, e.Part, e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
