package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type errorBody struct {
	Message string `json:"message"`
	Error   any    `json:"error"`
}

// responseError consumes a non-2xx response and maps it onto the package
// sentinels, keeping the backend's message when it sends one.
func responseError(resp *http.Response, call string) error {
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := http.StatusText(resp.StatusCode)
	var body errorBody
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Message != "":
			message = body.Message
		case body.Error != nil:
			message = fmt.Sprint(body.Error)
		}
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		sentinel = ErrConflict
	case resp.StatusCode >= 500:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrRejected
	}
	return fmt.Errorf("%w: %s returned %d: %s", sentinel, call, resp.StatusCode, message)
}
