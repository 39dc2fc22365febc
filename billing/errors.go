package billing

import "errors"

// ErrNotConfigured is returned when no processor credentials are present.
// Callers surface it as a server-side configuration failure.
var ErrNotConfigured = errors.New("payment processor not configured")

// ProcessorError wraps a failure reported by the payment processor so the
// boundary can map it to a 502-class response.
type ProcessorError struct {
	err error
}

func (e *ProcessorError) Error() string {
	return "payment processor error: " + e.err.Error()
}

func (e *ProcessorError) Unwrap() error {
	return e.err
}

// IsProcessorError reports whether err originated from the processor call.
func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}
