package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the provider answers without any
// usable text.
var ErrEmptyCompletion = errors.New("empty completion")

// CallError is one failed completion attempt. Complete retries it only when
// Retryable is set. Status is the provider's HTTP status, 0 when the request
// never got a response.
type CallError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("llm call: %v", e.Err)
	}
	return fmt.Sprintf("llm call (HTTP %d): %v", e.Status, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether err is a CallError worth another attempt.
func Retryable(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Retryable
}

// StatusOf returns the provider status carried by err, or 0.
func StatusOf(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// retryStatus lists the 4xx answers that are worth another attempt. Every
// 5xx is retried as well.
var retryStatus = map[int]bool{
	http.StatusRequestTimeout:  true,
	http.StatusTooManyRequests: true,
}

// classify wraps a go-openai error. An attempt that timed out or lost its
// connection is retried; an answer is retried when its status says the
// provider may recover (rate limit, overload).
func classify(err error) *CallError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err)
	}

	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr)
	return &CallError{Retryable: timedOut, Err: err}
}

func byStatus(status int, err error) *CallError {
	return &CallError{
		Status:    status,
		Retryable: status == 0 || retryStatus[status] || status >= http.StatusInternalServerError,
		Err:       err,
	}
}
