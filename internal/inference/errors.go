package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/siriusdms/internal/domain"
)

var oomMarkers = []string{
	"out of memory",
	"outofmemory",
	"failed to allocate",
	"cudamalloc failed",
	"insufficient memory",
}

func isOOMMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range oomMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// statusError maps a failed server response onto the domain taxonomy.
func statusError(status int, body string) error {
	switch {
	case (status == http.StatusInternalServerError || status == http.StatusServiceUnavailable) && isOOMMessage(body):
		return fmt.Errorf("%w: %s", domain.ErrOutOfMemory, strings.TrimSpace(body))
	case status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: server busy or loading", domain.ErrModelUnavailable)
	}
	return fmt.Errorf("inference server returned %d: %s", status, strings.TrimSpace(body))
}

// mapError converts go-openai errors into domain errors.
func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
}
