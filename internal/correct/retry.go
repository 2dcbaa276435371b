package correct

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/qbank/internal/llm"
)

// RetryPolicy drives the recovery ladder of a failing batch: a few plain
// retries, then recursive splitting while the error stays retryable.
type RetryPolicy struct {
	// MaxDepth bounds how many times a batch may be split.
	MaxDepth int
	// ShrinkFactor is the size of each piece relative to the failed batch,
	// in (0, 1). 0.5 halves.
	ShrinkFactor float64
	// BatchRetries is the number of extra attempts before splitting.
	BatchRetries int
	// Backoff is the wait before retry n, multiplied by n.
	Backoff time.Duration
	// Retryable classifies errors worth retrying or splitting on.
	Retryable func(error) bool
}

// DefaultRetryPolicy halves up to four times after one retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDepth:     4,
		ShrinkFactor: 0.5,
		BatchRetries: 1,
		Backoff:      500 * time.Millisecond,
		Retryable:    IsTransient,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}

// Split cuts a batch into pieces of ceil(len*ShrinkFactor) items. It returns
// nil when the batch cannot shrink.
func (p RetryPolicy) Split(n int) []int {
	if n <= 1 {
		return nil
	}
	f := p.ShrinkFactor
	if f <= 0 || f >= 1 {
		f = 0.5
	}
	size := int(math.Ceil(float64(n) * f))
	if size >= n {
		size = n - 1
	}
	var sizes []int
	for rest := n; rest > 0; rest -= size {
		sizes = append(sizes, min(size, rest))
	}
	return sizes
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) {
	if p.Backoff <= 0 {
		return
	}
	t := time.NewTimer(p.Backoff * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"payload too large",
	"request entity too large",
	"too many requests",
	"status code: 413",
	"status code: 429",
	"status code: 502",
	"status code: 503",
	"status code: 504",
}

// IsTransient reports whether a completion error is worth retrying: network
// timeouts and resets, throttling and oversized payloads.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch code := llm.StatusCode(err); {
	case code == http.StatusRequestTimeout,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusTooManyRequests,
		code >= 500:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
