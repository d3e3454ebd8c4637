package stream

import "github.com/pkg/errors"

// Status-kind sentinel errors. Callers compare with errors.Is; OS-level
// failures are wrapped in *OSError (found with errors.As), and errors.Is
// still matches the underlying syscall error via Unwrap.

var (
	// ErrTryAgain means the operation would block; the caller must
	// re-poll using the associated wait registration.
	ErrTryAgain = errors.New("stream: try again")

	// ErrNotConfigured means required key/cert/CA material is missing, or
	// the private key does not match the certificate.
	ErrNotConfigured = errors.New("stream: not configured")

	// ErrProtocol means a handshake failure, a bootstrap policy
	// violation, an unexpected TLS-layer close during handshake, or the
	// intentional post-bootstrap reconnect signal.
	ErrProtocol = errors.New("stream: protocol error")

	// ErrBrokenPipe means a clean TLS close was observed during send.
	ErrBrokenPipe = errors.New("stream: broken pipe")

	// ErrIO means a TLS-layer error without a more specific
	// classification.
	ErrIO = errors.New("stream: i/o error")
)

// OSError wraps an underlying syscall failure, preserving it for
// inspection while marking it as a Status-kind OS error.
type OSError struct {
	Err error
}

func (e *OSError) Error() string { return "stream: os error: " + e.Err.Error() }
func (e *OSError) Unwrap() error { return e.Err }

// WrapOS wraps err (which must be non-nil) as an OS-kind Status error.
func WrapOS(err error) error {
	if err == nil {
		return nil
	}
	return &OSError{Err: err}
}
