package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingParameter marks invalid client input.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrProviderError marks a failed call to Twilio or ElevenLabs.
	ErrProviderError = errors.New("provider error")
	// ErrRateLimited marks an outbound call refused because the call queue is full.
	ErrRateLimited = errors.New("rate limited")
	// ErrConfigNotFound marks a call that could not be correlated with a registered config.
	ErrConfigNotFound = errors.New("call config not found")
	// ErrSessionError marks an agent session that failed mid-call.
	ErrSessionError = errors.New("agent session error")
	// ErrTransportError marks a media websocket that closed unexpectedly.
	ErrTransportError = errors.New("transport error")
)

// MissingParameterError names the parameters a request lacked.
type MissingParameterError struct {
	Params []string
}

func (e *MissingParameterError) Error() string {
	if len(e.Params) == 1 {
		return fmt.Sprintf("Missing '%s'", e.Params[0])
	}
	msg := "Missing"
	for i, p := range e.Params {
		if i > 0 {
			msg += " or"
		}
		msg += fmt.Sprintf(" '%s'", p)
	}
	return msg
}

func (e *MissingParameterError) Unwrap() error { return ErrMissingParameter }

// ProviderError wraps a failure returned by an external provider.
type ProviderError struct {
	Provider string
	Code     int
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d (status %d): %v", e.Provider, e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderError}
	}
	return []error{ErrProviderError, e.Err}
}
