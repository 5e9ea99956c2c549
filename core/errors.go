package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrProbabilityUnavailable is returned when the model source cannot produce
// a probability for a quote. EV computation for that quote is skipped; a
// guessed probability is never substituted.
var ErrProbabilityUnavailable = errors.New("model probability unavailable")

// ValidationError reports malformed numeric input (odds, probabilities).
// These are never recovered or silently fixed: a clamped price would produce
// a confidently wrong EV or arbitrage conclusion.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamUnavailableError is returned by a provider client after retries are
// exhausted or its circuit breaker is open. Transport-level detail is wrapped
// but never surfaced as a raw exception to callers.
type UpstreamUnavailableError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// IsUpstreamUnavailable reports whether err is an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var ue *UpstreamUnavailableError
	return errors.As(err, &ue)
}

// AmbiguousMatch records a reconciliation where more than one canonical event
// matched an incoming quote. The closest start-time candidate is linked per
// policy; the ambiguity itself is kept for audit.
type AmbiguousMatch struct {
	ProviderID      string
	EventExternalID string
	Participants    []string
	ScheduledStart  time.Time
	CandidateIDs    []string
	ChosenID        string
	OccurredAt      time.Time
}

func (a *AmbiguousMatch) String() string {
	return fmt.Sprintf("ambiguous match for %s/%s: %d candidates, chose %s",
		a.ProviderID, a.EventExternalID, len(a.CandidateIDs), a.ChosenID)
}
