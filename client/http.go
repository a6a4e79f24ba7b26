package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"Richee/internal/ledger"
)

// Error is a request the node refused. It unwraps to the ledger error of
// the same code, so callers can match it with errors.Is.
type Error struct {
	Status  int    // Status is the HTTP status code
	Code    string // Code is the machine-readable cause
	Message string // Message is the node's description
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the matching ledger error, if any.
func (e *Error) Unwrap() error {
	if e.Code == "" || ledger.Code(e.Code) == ledger.CodeUnknown {
		return nil
	}

	return &ledger.Error{Code: ledger.Code(e.Code), Message: e.Message}
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

// postTx sends transaction bytes via POST /tx.
func (c *Client) postTx(ctx context.Context, tx []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tx", bytes.NewReader(tx))
	if err != nil {
		return Receipt{}, err
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	var r Receipt
	if err := c.do(req, &r); err != nil {
		return Receipt{}, err
	}

	return r, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return &Error{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}
