package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"RandomDrop/internal/api"
)

// APIError is a request the node refused.
// It matches, under errors.Is, any error whose message is its reason.
type APIError struct {
	Status int    // Status is the HTTP status code
	Reason string // Reason is the node's stable failure reason
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Reason)
}

// Is reports whether target carries the same reason.
func (e *APIError) Is(target error) bool {
	return target != nil && target.Error() == e.Reason
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decodeResponse(resp, result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func httpPostJSON(url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decodeResponse(resp, result)
}

// decodeResponse decodes a success body into result, or the failure into an APIError.
func decodeResponse(resp *http.Response, result any) error {
	if resp.StatusCode != http.StatusOK {
		var failure api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Error == "" {
			failure.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Reason: failure.Error}
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
