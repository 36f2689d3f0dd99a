package homeconnect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrApplianceNotFound is returned when no appliance with the requested name
// is paired with the account.
var ErrApplianceNotFound = errors.New("appliance not found")

// APIError is a non-2xx response from the Home Connect API.
type APIError struct {
	StatusCode  int
	Key         string // vendor error key, e.g. "invalid_token"
	Description string
	// RetryAfter is the parsed Retry-After header, zero if absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("home connect api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Key != "" {
		msg += ": " + e.Key
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// IsRateLimited reports whether err is a 429 response and returns the
// server-requested delay (zero if the server sent none).
func IsRateLimited(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// errorBody is the vendor's error envelope.
type errorBody struct {
	Error struct {
		Key         string `json:"key"`
		Description string `json:"description"`
	} `json:"error"`
}

// newAPIError builds an APIError from resp and consumes at most 64 KiB of its body.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Key = body.Error.Key
		apiErr.Description = body.Error.Description
	} else if text := strings.TrimSpace(string(data)); text != "" && len(text) < 256 {
		apiErr.Description = text
	}
	return apiErr
}

// ParseRetryAfter interprets a Retry-After header as delay-seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
