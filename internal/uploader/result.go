package uploader

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gpsrecorder/go-location-agent/internal/model"
)

// Outcome is the terminal state of one upload attempt.
type Outcome int

const (
	// OutcomeSuccess is a 2xx response.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a non-2xx, non-3xx response.
	OutcomeFailure
	// OutcomeRedirect is a 3xx response; redirects are not followed.
	OutcomeRedirect
	// OutcomeError means no usable response: transport fault or timeout.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeFailure:
		return "Failure"
	case OutcomeRedirect:
		return "Redirect"
	case OutcomeError:
		return "Error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) label() string {
	return strings.ToLower(o.String())
}

// Result describes one settled upload attempt.
type Result struct {
	Reading    model.Reading
	Outcome    Outcome
	StatusCode int
	Header     http.Header
	Err        error
	Duration   time.Duration
}

func classify(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code >= 300 && code < 400:
		return OutcomeRedirect
	default:
		return OutcomeFailure
	}
}

// ErrFormat is returned when a status line cannot be composed from a result.
var ErrFormat = errors.New("cannot format upload status")

// FormatStatus renders the HTTP status line, e.g.
// "Request status 500 - Failure - Mon, 01 Jan 2024 00:00:00 GMT".
func FormatStatus(res Result) (string, error) {
	if res.StatusCode == 0 {
		return "", fmt.Errorf("%w: no response", ErrFormat)
	}
	date := res.Header.Get("Date")
	if date == "" {
		return "", fmt.Errorf("%w: missing Date header", ErrFormat)
	}
	return fmt.Sprintf("Request status %d - %s - %s", res.StatusCode, res.Outcome, date), nil
}

// FallbackStatus is shown when the status line cannot be built.
func FallbackStatus(now time.Time) string {
	return fmt.Sprintf("(%s) Error identified. Please contact IT Service Desk if error persists.", model.FormatTimestamp(now))
}

func safeFormat(res Result) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFormat, r)
		}
	}()
	return FormatStatus(res)
}
