package client

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rclone/kodo/transport"
)

// CallJSON executes the request and decodes the JSON response body into
// ret. A nil ret drains and discards the body. Parse failures surface as
// KindParseResponse errors.
func (c *Client) CallJSON(ctx context.Context, req *Request, ret interface{}) error {
	req.ExpectJSON = true
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if ret == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(ret); err != nil {
		return &Error{
			Kind:       KindParseResponse,
			Cause:      err,
			ServerIP:   resp.ServerIP,
			ServerPort: resp.ServerPort,
			RequestID:  resp.RequestID(),
		}
	}
	return nil
}

// Call executes the request for its side effects, discarding any body.
func (c *Client) Call(ctx context.Context, req *Request) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// DoStream executes the request and returns the raw streaming response for
// the caller to consume, e.g. the line-delimited listing.
func (c *Client) DoStream(ctx context.Context, req *Request) (*transport.Response, error) {
	return c.Do(ctx, req)
}
