package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// ParseAPIError reads up to 4KB of an upstream error body and returns the
// tagged request error used by the retry orchestrator.
func ParseAPIError(providerID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &gateway.RequestError{
		Kind:       gateway.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       "upstream_error",
		Message:    fmt.Sprintf("%s returned HTTP %d", providerID, resp.StatusCode),
		Body:       string(body),
	}
}

// WrapTransportError converts a transport-level failure (connect error,
// deadline, client abort) into a tagged request error with status 0.
func WrapTransportError(providerID string, err error) error {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &gateway.RequestError{
			Kind:    gateway.KindCanceled,
			Code:    "request_canceled",
			Message: fmt.Sprintf("%s: %v", providerID, err),
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &gateway.RequestError{
			Kind:    gateway.KindTimeout,
			Code:    "upstream_timeout",
			Message: fmt.Sprintf("%s: %v", providerID, err),
		}
	default:
		return &gateway.RequestError{
			Kind:    gateway.KindTransient,
			Code:    "upstream_unreachable",
			Message: fmt.Sprintf("%s: %v", providerID, err),
		}
	}
}
