package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// CirclesClient queries an external circles backend over HTTP. All calls
// are bounded by the client timeout; callers treat failures as
// non-membership rather than fatal.
type CirclesClient struct {
	baseURL string
	client  *http.Client
}

func NewCirclesClient(baseURL string, timeout time.Duration) *CirclesClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &CirclesClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type circleMembersResponse struct {
	Members []string `json:"members"`
}

func (c *CirclesClient) members(ctx context.Context, circleID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/circles/%s/members", c.baseURL, url.PathEscape(circleID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build circles request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query circles backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []string{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("circles backend status %d", resp.StatusCode)
	}

	var payload circleMembersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode circles response: %w", err)
	}
	if payload.Members == nil {
		payload.Members = []string{}
	}
	return payload.Members, nil
}

func (c *CirclesClient) UserInCircle(ctx context.Context, userID, circleID string) (bool, error) {
	members, err := c.members(ctx, circleID)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c *CirclesClient) ExpandCircle(ctx context.Context, circleID string) ([]string, error) {
	return c.members(ctx, circleID)
}
