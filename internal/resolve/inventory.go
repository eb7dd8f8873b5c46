package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPInventory queries a fleet inventory service over HTTP. The service
// exposes scaling-group membership and routing-target health.
type HTTPInventory struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPInventory creates an inventory client.
func NewHTTPInventory(baseURL string, timeout time.Duration) *HTTPInventory {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPInventory{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GroupInstances returns the members of a scaling group.
func (c *HTTPInventory) GroupInstances(ctx context.Context, group string) ([]Instance, error) {
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	path := "/v1/groups/" + url.PathEscape(group)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching group %s: %w", group, err)
	}
	return resp.Instances, nil
}

// TargetHealthDescriptions returns the health of every target behind a
// routing target group. Target group names contain slashes, so the whole
// identifier is path-escaped.
func (c *HTTPInventory) TargetHealthDescriptions(ctx context.Context, targetGroup string) ([]TargetHealth, error) {
	var resp struct {
		Targets []TargetHealth `json:"targets"`
	}
	path := "/v1/target-groups/" + url.PathEscape(targetGroup) + "/health"
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching target health for %s: %w", targetGroup, err)
	}
	return resp.Targets, nil
}

func (c *HTTPInventory) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inventory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
