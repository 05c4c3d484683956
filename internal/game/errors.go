package game

import (
	"errors"

	"arena/internal/matchmaking"
)

// Code classifies an error reported to a client
type Code string

const (
	CodeValidation Code = "validation"
	CodeConflict   Code = "conflict"
	CodeNotFound   Code = "not_found"
	CodeUpstream   Code = "upstream"

	// CodeRateLimited is only produced by the gateway
	CodeRateLimited Code = "rate_limited"
)

var (
	ErrInvalidWallet   = errors.New("invalid wallet address")
	ErrInvalidUsername = errors.New("username must be 3-28 letters, numbers or underscores")
	ErrMissingGameID   = errors.New("gameId is required")
	ErrNotJoined       = errors.New("join matchmaking first")
	ErrWalletMismatch  = errors.New("connection is bound to a different wallet")
	ErrUnknownIntent   = errors.New("unknown event")
	ErrMalformed       = errors.New("malformed message")
	ErrRateLimited     = errors.New("too many requests, slow down")
)

// ValidationError wraps a malformed intent
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	return &ValidationError{Err: err}
}

// Invalid marks err as caused by a malformed request
func Invalid(err error) error {
	return invalid(err)
}

// CodeFor maps an intent error to its client-facing code. Anything not
// caused by the request itself is an upstream failure.
func CodeFor(err error) Code {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.As(err, &ve), errors.Is(err, matchmaking.ErrInvalidDirection):
		return CodeValidation
	case errors.Is(err, matchmaking.ErrGameNotFound):
		return CodeNotFound
	case matchmaking.IsConflict(err), errors.Is(err, ErrWalletMismatch):
		return CodeConflict
	default:
		return CodeUpstream
	}
}

// ErrorFor builds the error event payload for err
func ErrorFor(err error) ErrorPayload {
	return ErrorPayload{Message: clientMessage(err), Code: CodeFor(err)}
}

// clientMessage hides upstream details from players
func clientMessage(err error) string {
	if CodeFor(err) == CodeUpstream {
		return "Price service unavailable. Please try again."
	}
	return err.Error()
}
