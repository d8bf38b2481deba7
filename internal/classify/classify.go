// Package classify maps raw provider failures to stable, user-facing messages.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

const (
	InvalidRequest    = "invalid request"
	InvalidCredential = "invalid credential"
	AccessDenied      = "access denied"
	NotFound          = "resource not found"
	RateLimited       = "rate limited"
	UpstreamError     = "upstream server error"
	MissingCredential = "invalid or missing credential"
	ContentBlocked    = "content blocked"
	NetworkError      = "network error"
	Unknown           = "unknown error"
)

// Input is the part of a provider failure the classifier looks at.
// StatusCode 0 means no status was observed.
type Input struct {
	StatusCode int
	Message    string
}

// StatusCoder is implemented by errors that carry a transport status code.
type StatusCoder interface {
	StatusCode() int
}

var statusCategories = map[int]string{
	400: InvalidRequest,
	401: InvalidCredential,
	403: AccessDenied,
	404: NotFound,
	429: RateLimited,
	500: UpstreamError,
}

type messageRule struct {
	tokens   []string
	category string
}

var messageRules = []messageRule{
	{tokens: []string{"API_KEY_INVALID", "API key"}, category: MissingCredential},
	{tokens: []string{"RATE_LIMIT", "quota"}, category: RateLimited},
	{tokens: []string{"SAFETY", "blocked"}, category: ContentBlocked},
	{tokens: []string{"fetch", "network"}, category: NetworkError},
}

func Classify(in Input) string {
	if in.StatusCode != 0 {
		if category, ok := statusCategories[in.StatusCode]; ok {
			return category
		}
		return fmt.Sprintf("HTTP %d: %s", in.StatusCode, in.Message)
	}
	if in.Message == "" {
		return Unknown
	}
	for _, rule := range messageRules {
		for _, token := range rule.tokens {
			if strings.Contains(in.Message, token) {
				return rule.category
			}
		}
	}
	return in.Message
}

// Of extracts the classifier input from an error chain.
func Of(err error) Input {
	if err == nil {
		return Input{}
	}
	in := Input{Message: err.Error()}
	var sc StatusCoder
	if errors.As(err, &sc) {
		in.StatusCode = sc.StatusCode()
	}
	return in
}

func Error(err error) string {
	return Classify(Of(err))
}

func Retryable(category string) bool {
	switch category {
	case RateLimited, UpstreamError, NetworkError:
		return true
	default:
		return false
	}
}

func IsCredentialFailure(msg string) bool {
	return msg == InvalidCredential || msg == MissingCredential
}
