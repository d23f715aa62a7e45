package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/printernizer/printernizer/modules/storage"
)

// ErrUnavailable means a strategy cannot serve this printer at all. The
// manager skips the strategy without consuming a retry.
var ErrUnavailable = errors.New("strategy unavailable for this printer")

// FatalError aborts the current strategy immediately. Remaining strategies
// are still tried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the manager stops retrying the current strategy.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Result describes a completed download.
type Result struct {
	Strategy  string `json:"strategy"`
	LocalPath string `json:"local_path"`
	SizeBytes int64  `json:"size_bytes"`
	Attempts  int    `json:"attempts"`
}

func (r *Result) String() string {
	return fmt.Sprintf("%s via %s (%d bytes)", r.LocalPath, r.Strategy, r.SizeBytes)
}

// Strategy is one way of pulling a file off a printer. Download writes the
// file to destPath and returns the byte count. Errors are retryable unless
// wrapped with Fatal.
type Strategy interface {
	Name() string
	Available(p *storage.Printer) bool
	Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error)
}
