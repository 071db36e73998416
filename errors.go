package questforge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ineyio/questforge/schema"
)

// Sentinel errors.
var (
	ErrInsufficientCredit     = errors.New("questforge: insufficient credit")
	ErrNoCandidateAvailable   = errors.New("questforge: no candidate available")
	ErrAllCandidatesExhausted = errors.New("questforge: all candidates exhausted")

	ErrInvalidRequest     = errors.New("questforge: invalid request")
	ErrUnknownSchema      = errors.New("questforge: unknown schema")
	ErrInvalidAmount      = errors.New("questforge: amount must be positive")
	ErrUnknownReservation = errors.New("questforge: unknown reservation")

	ErrMalformedEncoding = schema.ErrMalformedEncoding
	ErrSchemaViolation   = schema.ErrSchemaViolation

	ErrTransportFailure    = errors.New("questforge: transport failure")
	ErrTimeout             = fmt.Errorf("%w: timeout", ErrTransportFailure)
	ErrRateLimited         = fmt.Errorf("%w: rate limited", ErrTransportFailure)
	ErrAuthFailed          = fmt.Errorf("%w: authentication failed", ErrTransportFailure)
	ErrBadRequest          = fmt.Errorf("%w: bad request", ErrTransportFailure)
	ErrProviderUnavailable = fmt.Errorf("%w: provider unavailable", ErrTransportFailure)
	ErrEmptyResponse       = fmt.Errorf("%w: empty response", ErrTransportFailure)

	// Candidate skips. None of these reach a backend.
	ErrCredentialUnavailable = errors.New("questforge: credential unavailable")
	ErrProviderUnhealthy     = errors.New("questforge: provider unhealthy")
	ErrSpendCapReached       = errors.New("questforge: daily spend cap reached")
	ErrContextExceeded       = errors.New("questforge: prompt exceeds context window")
	ErrNoTransport           = errors.New("questforge: no transport registered")
)

// maxErrorBody bounds the provider response text kept in an error.
const maxErrorBody = 512

// StatusError maps an HTTP status from a provider to a transport error.
func StatusError(status int, body string) error {
	var base error
	switch {
	case status == 429:
		base = ErrRateLimited
	case status == 401 || status == 403:
		base = ErrAuthFailed
	case status == 400:
		base = ErrBadRequest
	default:
		base = ErrProviderUnavailable
	}
	body = strings.TrimSpace(body)
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return fmt.Errorf("%w: status %d: %s", base, status, body)
}

// TransportError classifies an error returned while talking to a backend.
// Errors already classified pass through unchanged.
func TransportError(err error) error {
	if err == nil || errors.Is(err, ErrTransportFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// AttemptOutcome classifies a single candidate attempt.
type AttemptOutcome string

const (
	OutcomeSuccess           AttemptOutcome = "success"
	OutcomeSchemaViolation   AttemptOutcome = "schema_violation"
	OutcomeMalformedEncoding AttemptOutcome = "malformed_encoding"
	OutcomeTransportFailure  AttemptOutcome = "transport_failure"
	OutcomeSkipped           AttemptOutcome = "skipped"
)

// Classify returns the attempt outcome for err.
func Classify(err error) AttemptOutcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrMalformedEncoding):
		return OutcomeMalformedEncoding
	case errors.Is(err, ErrSchemaViolation):
		return OutcomeSchemaViolation
	case errors.Is(err, ErrTransportFailure):
		return OutcomeTransportFailure
	default:
		return OutcomeSkipped
	}
}

// CandidateFailure is one entry of an ExhaustedError.
type CandidateFailure struct {
	Provider string
	Model    string
	Outcome  AttemptOutcome
	Err      error
}

// ExhaustedError reports every candidate that was tried or skipped, in order.
type ExhaustedError struct {
	RequestID string
	Failures  []CandidateFailure
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: request=%s candidates=%d", ErrAllCandidatesExhausted, e.RequestID, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s/%s: %v", f.Provider, f.Model, f.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	return ErrAllCandidatesExhausted
}

// UserMessage returns text safe to show to an end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredit):
		return "not enough credits"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownSchema):
		return "invalid request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	default:
		return "generation temporarily unavailable"
	}
}
