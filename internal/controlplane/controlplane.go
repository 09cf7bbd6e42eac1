// Package controlplane defines the control-plane HTTP capability the sync
// loop depends on, plus a thin net/http-backed implementation. Per spec.md
// §1, the HTTP client and its OpenAPI data types are deliberately out of
// scope for this core: internal/sync depends only on the Client interface
// below, never on this package's concrete type.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
)

// PulledConfigInstance bundles a config instance with its content as
// embedded by list_all_deployments' expansion (spec.md §6). Content is nil
// when the control plane omitted it (the S3 missing-content scenario).
type PulledConfigInstance struct {
	Instance model.ConfigInstance
	Content  *model.Content
}

// PulledDeployment is one element of list_all_deployments' response.
type PulledDeployment struct {
	Deployment      model.Deployment
	ConfigInstances []PulledConfigInstance
}

// Client is the control-plane capability the sync loop consumes (spec.md
// §6 "Control-plane HTTP (consumed)").
type Client interface {
	// ListDeployments returns every deployment whose activity status is in
	// activityFilter, with config-instance content expansions. Pagination
	// (limit 100, offset advancing until has_more=false) is handled
	// internally by the implementation.
	ListDeployments(ctx context.Context, activityFilter []model.ActivityStatus, token string) ([]PulledDeployment, error)
	// UpdateDeployment pushes this deployment's current activity/error
	// status. Only an error is returned; the control plane's response body
	// is not decoded.
	UpdateDeployment(ctx context.Context, id string, activity model.ActivityStatus, errStatus model.ErrorStatus, token string) error
	// UpdateDeviceAgentVersion pushes the compiled-in agent version for
	// deviceID.
	UpdateDeviceAgentVersion(ctx context.Context, deviceID, version, token string) error
	// IssueDeviceToken requests a fresh device token signed by the given
	// private key material, returning the new token and its expiry.
	IssueDeviceToken(ctx context.Context, deviceID string, privateKeyPEM []byte) (model.Token, error)
}

// HTTPClient is a thin net/http-backed Client. It exists to give
// internal/sync something concrete to run against; its shape follows the
// same http.Client construction the rest of this codebase uses for
// outbound calls (pooled transport, bounded timeouts), not a full generated
// OpenAPI client. It logs nothing itself; failures are returned as errors.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config configures the control-plane HTTP client's transport.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New constructs an HTTPClient.
func New(cfg Config, logger *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       30 * time.Second,
				ForceAttemptHTTP2:     true,
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger,
	}
}

const listPageLimit = 100

func (c *HTTPClient) ListDeployments(ctx context.Context, activityFilter []model.ActivityStatus, token string) ([]PulledDeployment, error) {
	var all []PulledDeployment
	offset := 0
	for {
		var page struct {
			Items   []PulledDeployment `json:"items"`
			HasMore bool               `json:"has_more"`
		}
		q := url.Values{}
		for _, s := range activityFilter {
			q.Add("activity_status", string(s))
		}
		q.Set("expand", "config_instances,content")
		q.Set("limit", strconv.Itoa(listPageLimit))
		q.Set("offset", strconv.Itoa(offset))

		if err := c.do(ctx, http.MethodGet, "/v1/deployments?"+q.Encode(), nil, token, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		offset += listPageLimit
	}
}

func (c *HTTPClient) UpdateDeployment(ctx context.Context, id string, activity model.ActivityStatus, errStatus model.ErrorStatus, token string) error {
	body := struct {
		ActivityStatus model.ActivityStatus `json:"activity_status"`
		ErrorStatus    model.ErrorStatus    `json:"error_status"`
	}{ActivityStatus: activity, ErrorStatus: errStatus}
	return c.do(ctx, http.MethodPatch, "/v1/deployments/"+url.PathEscape(id), body, token, nil)
}

func (c *HTTPClient) UpdateDeviceAgentVersion(ctx context.Context, deviceID, version, token string) error {
	body := struct {
		AgentVersion string `json:"agent_version"`
	}{AgentVersion: version}
	return c.do(ctx, http.MethodPatch, "/v1/devices/"+url.PathEscape(deviceID), body, token, nil)
}

func (c *HTTPClient) IssueDeviceToken(ctx context.Context, deviceID string, privateKeyPEM []byte) (model.Token, error) {
	body := struct {
		DeviceID  string `json:"device_id"`
		PublicKey string `json:"public_key_pem"`
	}{DeviceID: deviceID, PublicKey: string(privateKeyPEM)}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/token", body, "", &resp); err != nil {
		return model.Token{}, err
	}
	return model.Token{Value: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, token string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("controlplane: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agenterrors.NewNetworkError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return agenterrors.NewAuthError(fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return agenterrors.NewNetworkError(fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return agenterrors.NewProtocolError(fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return agenterrors.NewProtocolError(fmt.Sprintf("decode response for %s %s", method, path), err)
	}
	return nil
}
