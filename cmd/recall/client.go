package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from recalld.
type APIError struct {
	Status     int
	Message    string
	Retryable  bool
	RetryAfter string
	// DocumentID is set when the server stored the document before failing;
	// retrying with reingest on this id avoids a duplicate.
	DocumentID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	if e.Retryable {
		msg += " (retryable"
		if e.RetryAfter != "" {
			msg += ", retry after " + e.RetryAfter + "s"
		}
		msg += ")"
	}
	if e.DocumentID != "" {
		msg += fmt.Sprintf("; document stored as %s, retry with: recall reingest %s", e.DocumentID, e.DocumentID)
	}
	return msg
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// send issues one request with body encoded as JSON.
func (c *cli) send(ctx context.Context, method, path string, body any) (*response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(c.server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: raw}, nil
}

func apiError(r *response) *APIError {
	e := &APIError{Status: r.status, RetryAfter: r.header.Get("Retry-After")}
	var body struct {
		Error      string `json:"error"`
		Retryable  bool   `json:"retryable"`
		DocumentID string `json:"document_id"`
	}
	if json.Unmarshal(r.body, &body) == nil && body.Error != "" {
		e.Message, e.Retryable, e.DocumentID = body.Error, body.Retryable, body.DocumentID
	} else {
		e.Message = strings.TrimSpace(string(r.body))
	}
	return e
}

// do sends a request and decodes a 2xx JSON response into out, which may
// be nil. With --json the raw body is printed and out is left untouched;
// it reports whether that happened.
func (c *cli) do(ctx context.Context, method, path string, body, out any) (printed bool, err error) {
	r, err := c.send(ctx, method, path, body)
	if err != nil {
		return false, err
	}
	if r.status >= http.StatusBadRequest {
		return false, apiError(r)
	}
	return c.decode(r, out)
}

func (c *cli) decode(r *response, out any) (bool, error) {
	if len(r.body) == 0 {
		return false, nil
	}
	if c.jsonOut {
		fmt.Fprintln(c.out, strings.TrimSpace(string(r.body)))
		return true, nil
	}
	if out != nil {
		if err := json.Unmarshal(r.body, out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return false, nil
}

// call is do without --json handling, for commands that consume the
// response themselves.
func (c *cli) call(ctx context.Context, method, path string, body, out any) error {
	r, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if r.status >= http.StatusBadRequest {
		return apiError(r)
	}
	if out != nil && len(r.body) > 0 {
		if err := json.Unmarshal(r.body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
