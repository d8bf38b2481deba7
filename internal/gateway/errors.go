package gateway

import (
	"errors"

	"gemchat/internal/classify"
)

var (
	ErrConfiguration   = errors.New("gemini credential is required")
	ErrNotInitialized  = errors.New("gateway is not initialized")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrEmptyResponse   = errors.New("empty response from gemini")
)

// ProviderError is a provider failure after classification. Message is the
// only text meant for users; Cause keeps the raw error for logs.
type ProviderError struct {
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// CredentialRejected reports whether the provider refused the credential.
// Gemini answers a bad key with 400 INVALID_ARGUMENT, which classifies by
// status as an invalid request, so the raw cause is checked as well.
func (e *ProviderError) CredentialRejected() bool {
	if classify.IsCredentialFailure(e.Message) {
		return true
	}
	if e.Cause == nil {
		return false
	}
	return classify.Classify(classify.Input{Message: e.Cause.Error()}) == classify.MissingCredential
}
