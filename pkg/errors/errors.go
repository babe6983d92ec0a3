package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Call orchestration outcomes. Only ErrProviderRejected and exhausted retries
// end up visible to tenants, and then only through the call record.
var (
	// ErrAdmissionDenied means a concurrency cap was reached; the entry stays queued.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrProviderRejected is fatal for the attempt (invalid destination, agent misconfiguration).
	ErrProviderRejected = errors.New("provider rejected call")
	// ErrProviderTransient covers provider timeouts and 5xx responses.
	ErrProviderTransient = errors.New("provider transient failure")
	// ErrDuplicateEvent marks a lifecycle event at or behind the call's current stage.
	ErrDuplicateEvent = errors.New("duplicate lifecycle event")
	// ErrUnknownStage marks a lifecycle event whose stage could not be parsed.
	ErrUnknownStage = errors.New("unknown lifecycle stage")
	// ErrMissingOwner means no agent or tenant could be resolved while synthesizing a call.
	ErrMissingOwner = errors.New("missing call owner")
	// ErrAnalysisFailed marks a transcript analysis failure; the call keeps its terminal state.
	ErrAnalysisFailed = errors.New("transcript analysis failed")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether err belongs to the retryable half of the taxonomy.
func Retryable(err error) bool {
	return errors.Is(err, ErrAdmissionDenied) || errors.Is(err, ErrProviderTransient)
}
