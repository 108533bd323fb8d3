package sentinel

import (
	"errors"
	"fmt"
)

// Sentinel errors for infrastructure facts. Sinks and other infrastructure return
// these (optionally wrapped) so the recorder can classify failures without knowing
// which driver produced them.
//
// - ErrUnavailable: backend temporarily unreachable or overloaded; safe to retry
// - ErrConflict: write collided with an existing record
// - ErrNotFound: record does not exist
// - ErrCorrupt: stored data could not be decoded
// - ErrClosed: the backend handle was closed
//
// Anything a sink returns that does not wrap ErrUnavailable is treated as permanent.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrCorrupt     = errors.New("corrupt record")
	ErrClosed      = errors.New("closed")
	ErrUnavailable = errors.New("unavailable")
)

// Unavailable wraps err so that errors.Is(result, ErrUnavailable) holds while the
// original cause stays reachable through errors.Is/As.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
