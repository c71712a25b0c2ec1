// Package github is the client for the job-dispatch side of GitHub Actions:
// registration and removal tokens, the remote runner list, and reachability
// probes. It supports personal access token auth and GitHub App auth.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v57/github"
)

const (
	defaultBaseURL = "https://api.github.com"

	maxRetries    = 3
	maxRetryDelay = 10 * time.Second
)

// baseRetryDelay is the base delay for retry backoff.
// Exposed as a variable to allow testing with shorter durations.
var baseRetryDelay = 500 * time.Millisecond

// isRetryableStatus returns true if the HTTP status indicates a retryable
// error: rate limit (429) or server errors (5xx). 4xx client errors are
// never retried.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryDelay calculates exponential backoff with jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add jitter: 50-100% of calculated delay
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	return delay/2 + jitter
}

// Runner is a remote runner descriptor from the dispatch system.
type Runner struct {
	ID     int64
	Name   string
	Status string // "online", "offline"
	Busy   bool
}

// Client talks to the dispatch API. Exactly one auth mode is active: a
// bearer token (PAT) or a GitHub App that mints installation tokens per
// owner.
type Client struct {
	token      string
	app        *appAuth
	httpClient *http.Client
	baseURL    string // API base URL, defaults to https://api.github.com
}

// NewTokenClient creates a client authenticated with a personal access
// token or other bearer credential.
func NewTokenClient(token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
	}, nil
}

// NewAppClient creates a client authenticated as a GitHub App.
// privateKeyBase64 should be the base64-encoded PEM private key.
func NewAppClient(appID string, privateKeyBase64 string) (*Client, error) {
	app, err := newAppAuth(appID, privateKeyBase64)
	if err != nil {
		return nil, err
	}
	return &Client{
		app:        app,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
	}, nil
}

// SetBaseURL overrides the API base URL (for GitHub Enterprise and tests).
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

// splitRepo validates and splits an owner/repo string.
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format, expected owner/repo: %s", repo)
	}
	return parts[0], parts[1], nil
}

// bearerToken resolves the credential to send for a repository: the static
// token, or a freshly minted installation token in App mode.
func (c *Client) bearerToken(ctx context.Context, owner string) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	return c.app.installationToken(ctx, c.httpClient, c.baseURL, owner)
}

// GetRegistrationToken gets a short-lived registration token for the
// repository. Transient errors are retried with exponential backoff.
func (c *Client) GetRegistrationToken(ctx context.Context, repo string) (string, error) {
	return c.runnerToken(ctx, repo, "registration-token")
}

// GetRemovalToken gets a short-lived token for unregistering a runner from
// the repository.
func (c *Client) GetRemovalToken(ctx context.Context, repo string) (string, error) {
	return c.runnerToken(ctx, repo, "remove-token")
}

// runnerToken POSTs one of the runner token endpoints with retry.
func (c *Client) runnerToken(ctx context.Context, repo, endpoint string) (string, error) {
	owner, _, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	token, err := c.bearerToken(ctx, owner)
	if err != nil {
		return "", err
	}

	// Always use the repo-level endpoint so runners only pick up jobs from
	// the specific repository.
	reqURL := fmt.Sprintf("%s/repos/%s/actions/runners/%s", c.baseURL, repo, endpoint)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", reqURL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "token "+token)
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("failed to execute request: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusCreated {
			var result struct {
				Token string `json:"token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				_ = resp.Body.Close()
				return "", fmt.Errorf("failed to decode response: %w", err)
			}
			_ = resp.Body.Close()
			return result.Token, nil
		}

		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		lastErr = fmt.Errorf("failed to create %s for %s: %w", endpoint, repo,
			&APIError{StatusCode: resp.StatusCode, Body: string(body)})

		if !isRetryableStatus(resp.StatusCode) {
			return "", lastErr
		}
	}

	return "", fmt.Errorf("exhausted retries: %w", lastErr)
}

// ListRunners returns the remote runner descriptors for the repository.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]Runner, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	client, err := c.apiClient(ctx, owner)
	if err != nil {
		return nil, err
	}

	var runners []Runner
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Actions.ListRunners(ctx, owner, name, opts)
		if err != nil {
			return nil, c.wrapAPIError("failed to list runners for "+repo, resp, err)
		}
		for _, r := range page.Runners {
			runners = append(runners, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Status: r.GetStatus(),
				Busy:   r.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runners, nil
}

// FindRunnerByName returns the remote runner with the given name, or nil if
// no such runner is registered.
func (c *Client) FindRunnerByName(ctx context.Context, repo, runnerName string) (*Runner, error) {
	runners, err := c.ListRunners(ctx, repo)
	if err != nil {
		return nil, err
	}
	for i := range runners {
		if runners[i].Name == runnerName {
			return &runners[i], nil
		}
	}
	return nil, nil
}

// RemoveRunner deletes the remote registration for a runner ID. A 404 is
// reported as an APIError so callers can treat an already-removed runner
// distinctly from a network failure.
func (c *Client) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	client, err := c.apiClient(ctx, owner)
	if err != nil {
		return err
	}

	resp, err := client.Actions.RemoveRunner(ctx, owner, name, runnerID)
	if err != nil {
		return c.wrapAPIError(fmt.Sprintf("failed to remove runner %d from %s", runnerID, repo), resp, err)
	}
	return nil
}

// Ping probes the dispatch system's general endpoint without credentials.
// Any HTTP response, including 4xx, counts as reachable; only transport
// failures do not.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch endpoint unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// CheckAuth verifies the stored credential can reach the runner API for the
// repository. Cheap single-page probe.
func (c *Client) CheckAuth(ctx context.Context, repo string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	client, err := c.apiClient(ctx, owner)
	if err != nil {
		return err
	}

	opts := &gogithub.ListOptions{PerPage: 1}
	_, resp, err := client.Actions.ListRunners(ctx, owner, name, opts)
	if err != nil {
		return c.wrapAPIError("auth check failed for "+repo, resp, err)
	}
	return nil
}

// apiClient builds a go-github client authenticated for the owner.
func (c *Client) apiClient(ctx context.Context, owner string) (*gogithub.Client, error) {
	token, err := c.bearerToken(ctx, owner)
	if err != nil {
		return nil, err
	}

	client := gogithub.NewClient(c.httpClient).WithAuthToken(token)
	if c.baseURL != defaultBaseURL {
		u, parseErr := url.Parse(c.baseURL + "/")
		if parseErr != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", c.baseURL, parseErr)
		}
		client.BaseURL = u
	}
	return client, nil
}

// wrapAPIError converts a go-github error into an APIError when an HTTP
// status is available, and leaves transport failures wrapped as-is.
func (c *Client) wrapAPIError(msg string, resp *gogithub.Response, err error) error {
	if resp != nil && resp.Response != nil {
		return fmt.Errorf("%s: %w", msg, &APIError{
			StatusCode: resp.StatusCode,
			Body:       err.Error(),
		})
	}
	return fmt.Errorf("%s: %w", msg, err)
}
