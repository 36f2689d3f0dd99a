package homeconnect

import (
	"context"
	"io"
	"net/http"
)

// StreamEvents opens the server-sent event stream of one appliance.
// The stream stays open until the server closes it or ctx is cancelled;
// cancelling ctx also unblocks a pending Read on the returned body.
// The caller must close the returned body.
func (c *Client) StreamEvents(ctx context.Context, haID string) (io.ReadCloser, error) {
	path, err := appliancePath(haID, "events")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, newAPIError(resp)
	}

	return resp.Body, nil
}
