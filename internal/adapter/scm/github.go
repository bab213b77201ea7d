package scm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
)

const (
	githubDefaultBaseURL = "https://api.github.com"
	githubProviderName   = "github"
	scmTimeout           = 30 * time.Second
)

// GitHubClient is an HTTP client for the GitHub REST API, narrowed to the
// four operations the pipeline needs.
type GitHubClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	retryConf  llmhttp.RetryConfig
}

// NewGitHubClient creates a GitHub client. An empty baseURL selects the
// public API host; GitHub Enterprise installs pass their own.
func NewGitHubClient(baseURL, token string) *GitHubClient {
	if baseURL == "" {
		baseURL = githubDefaultBaseURL
	}
	return &GitHubClient{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: scmTimeout},
		retryConf:  llmhttp.DefaultRetryConfig(),
	}
}

// SetBaseURL sets a custom base URL (for testing).
func (c *GitHubClient) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// GetPullRequest fetches PR metadata and extracts the commit anchors.
func (c *GitHubClient) GetPullRequest(ctx context.Context, repoID string, prID int) (PullRequest, error) {
	endpoint := fmt.Sprintf("repos/%s/pulls/%d", repoID, prID)

	var payload struct {
		Base struct {
			SHA string `json:"sha"`
		} `json:"base"`
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := c.doJSON(ctx, "GET", endpoint, nil, &payload); err != nil {
		return PullRequest{}, err
	}

	return PullRequest{
		BaseSHA:  payload.Base.SHA,
		HeadSHA:  payload.Head.SHA,
		StartSHA: payload.Base.SHA,
	}, nil
}

// GetPullRequestFileDiffs fetches the changed files of a PR with their patches.
func (c *GitHubClient) GetPullRequestFileDiffs(ctx context.Context, repoID string, prID int) ([]FileChange, error) {
	endpoint := fmt.Sprintf("repos/%s/pulls/%d/files", repoID, prID)

	var payload []struct {
		Filename string `json:"filename"`
		Patch    string `json:"patch"`
	}
	if err := c.doJSON(ctx, "GET", endpoint, nil, &payload); err != nil {
		return nil, err
	}

	changes := make([]FileChange, 0, len(payload))
	for _, f := range payload {
		changes = append(changes, FileChange{Filename: f.Filename, Patch: f.Patch})
	}
	return changes, nil
}

// GetFileContent fetches a file at a ref. The contents endpoint returns the
// body base64 encoded.
func (c *GitHubClient) GetFileContent(ctx context.Context, repoID, filePath, ref string) (string, error) {
	endpoint := fmt.Sprintf("repos/%s/contents/%s", repoID, strings.TrimPrefix(filePath, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.doJSON(ctx, "GET", endpoint, nil, &payload); err != nil {
		return "", err
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode file content for %s: %w", filePath, err)
	}
	return string(decoded), nil
}

// PostPRComment posts an inline comment on the new side of the diff.
func (c *GitHubClient) PostPRComment(ctx context.Context, input CommentInput) error {
	endpoint := fmt.Sprintf("repos/%s/pulls/%d/comments", input.RepoID, input.PRID)

	body := map[string]any{
		"body":      input.Body,
		"commit_id": input.HeadSHA,
		"path":      input.File,
		"line":      input.Line,
		"side":      "RIGHT",
	}
	return c.doJSON(ctx, "POST", endpoint, body, nil)
}

// doJSON executes one API call with retry, decoding the response into out
// when out is non-nil.
func (c *GitHubClient) doJSON(ctx context.Context, method, endpoint string, reqBody any, out any) error {
	var jsonData []byte
	if reqBody != nil {
		var err error
		jsonData, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	apiURL := c.baseURL + "/" + endpoint

	return llmhttp.RetryWithBackoff(ctx, func(ctx context.Context) error {
		var bodyReader io.Reader
		if jsonData != nil {
			bodyReader = bytes.NewReader(jsonData)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if jsonData != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, callErr := c.httpClient.Do(req)
		if callErr != nil {
			return llmhttp.NewTimeoutError(githubProviderName, callErr.Error())
		}
		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode >= 400 {
			return llmhttp.FromStatusCode(githubProviderName, resp.StatusCode, apiErrorMessage(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return nil
	}, c.retryConf)
}

// apiErrorMessage extracts a short message from a provider error body.
func apiErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if len(body) > 0 && len(body) < 200 {
		return string(body)
	}
	return ""
}
