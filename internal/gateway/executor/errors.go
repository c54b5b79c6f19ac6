package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Kind classifies an upstream error once, at this adapter boundary.
// Call sites switch on the Kind instead of re-parsing messages.
type Kind int

const (
	// KindUnknown is an unclassifiable error; treated as terminal.
	KindUnknown Kind = iota
	// KindTransient errors (rate limit, connection, timeout, 5xx) are
	// safe to retry.
	KindTransient
	// KindModelUnavailable means the requested model does not exist or
	// is deprecated; retrying it is pointless but a fallback may work.
	KindModelUnavailable
	// KindPermanent errors fail the call immediately.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps an upstream error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return KindTransient
		case apiErr.HTTPStatusCode >= 500:
			return KindTransient
		case apiErr.HTTPStatusCode == 404:
			return KindModelUnavailable
		case apiErr.HTTPStatusCode == 400 && mentionsModel(apiErr.Message):
			return KindModelUnavailable
		default:
			return KindPermanent
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500:
			return KindTransient
		case reqErr.HTTPStatusCode == 0:
			// Transport-level failure before a response arrived.
			return KindTransient
		default:
			return KindPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") {
		return KindTransient
	}

	return KindUnknown
}

func mentionsModel(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "model") ||
		strings.Contains(m, "does not exist") ||
		strings.Contains(m, "deprecated")
}
