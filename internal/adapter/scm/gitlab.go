package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
)

const (
	gitlabDefaultBaseURL = "https://gitlab.com/api/v4"
	gitlabProviderName   = "gitlab"
)

// GitLabClient is an HTTP client for the GitLab REST API, narrowed to the
// four operations the pipeline needs. RepoIDs are project paths
// (namespace/project) and are URL-encoded on every call.
type GitLabClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	retryConf  llmhttp.RetryConfig
}

// NewGitLabClient creates a GitLab client. An empty baseURL selects
// gitlab.com; self-managed installs pass their own API root.
func NewGitLabClient(baseURL, token string) *GitLabClient {
	if baseURL == "" {
		baseURL = gitlabDefaultBaseURL
	}
	return &GitLabClient{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: scmTimeout},
		retryConf:  llmhttp.DefaultRetryConfig(),
	}
}

// SetBaseURL sets a custom base URL (for testing).
func (c *GitLabClient) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// GetPullRequest fetches MR metadata. The three diff_refs SHAs are kept
// distinct; discussion positions need all of them.
func (c *GitLabClient) GetPullRequest(ctx context.Context, repoID string, prID int) (PullRequest, error) {
	endpoint := fmt.Sprintf("projects/%s/merge_requests/%d", url.PathEscape(repoID), prID)

	var payload struct {
		DiffRefs struct {
			BaseSHA  string `json:"base_sha"`
			HeadSHA  string `json:"head_sha"`
			StartSHA string `json:"start_sha"`
		} `json:"diff_refs"`
	}
	if err := c.doJSON(ctx, "GET", endpoint, nil, &payload); err != nil {
		return PullRequest{}, err
	}

	return PullRequest{
		BaseSHA:  payload.DiffRefs.BaseSHA,
		HeadSHA:  payload.DiffRefs.HeadSHA,
		StartSHA: payload.DiffRefs.StartSHA,
	}, nil
}

// GetPullRequestFileDiffs fetches the MR changes, normalized to the
// provider-neutral shape.
func (c *GitLabClient) GetPullRequestFileDiffs(ctx context.Context, repoID string, prID int) ([]FileChange, error) {
	endpoint := fmt.Sprintf("projects/%s/merge_requests/%d/changes", url.PathEscape(repoID), prID)

	var payload struct {
		Changes []struct {
			NewPath string `json:"new_path"`
			Diff    string `json:"diff"`
		} `json:"changes"`
	}
	if err := c.doJSON(ctx, "GET", endpoint, nil, &payload); err != nil {
		return nil, err
	}

	changes := make([]FileChange, 0, len(payload.Changes))
	for _, ch := range payload.Changes {
		changes = append(changes, FileChange{Filename: ch.NewPath, Patch: ch.Diff})
	}
	return changes, nil
}

// GetFileContent fetches a raw file at a ref via the repository files
// endpoint. The file path must be fully escaped, slashes included.
func (c *GitLabClient) GetFileContent(ctx context.Context, repoID, filePath, ref string) (string, error) {
	endpoint := fmt.Sprintf("projects/%s/repository/files/%s/raw",
		url.PathEscape(repoID), url.PathEscape(filePath))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}

	raw, err := c.doRaw(ctx, "GET", endpoint)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PostPRComment starts an MR discussion anchored to a line on the new side.
func (c *GitLabClient) PostPRComment(ctx context.Context, input CommentInput) error {
	endpoint := fmt.Sprintf("projects/%s/merge_requests/%d/discussions",
		url.PathEscape(input.RepoID), input.PRID)

	startSHA := input.StartSHA
	if startSHA == "" {
		startSHA = input.BaseSHA
	}
	body := map[string]any{
		"body": input.Body,
		"position": map[string]any{
			"base_sha":      input.BaseSHA,
			"head_sha":      input.HeadSHA,
			"start_sha":     startSHA,
			"new_path":      input.File,
			"new_line":      input.Line,
			"position_type": "text",
		},
	}
	return c.doJSON(ctx, "POST", endpoint, body, nil)
}

// doJSON executes one API call with retry, decoding the response into out
// when out is non-nil.
func (c *GitLabClient) doJSON(ctx context.Context, method, endpoint string, reqBody any, out any) error {
	var jsonData []byte
	if reqBody != nil {
		var err error
		jsonData, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return llmhttp.RetryWithBackoff(ctx, func(ctx context.Context) error {
		respBody, err := c.execute(ctx, method, endpoint, jsonData)
		if err != nil {
			return err
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return nil
	}, c.retryConf)
}

// doRaw executes one API call with retry and returns the raw body.
func (c *GitLabClient) doRaw(ctx context.Context, method, endpoint string) ([]byte, error) {
	var raw []byte
	err := llmhttp.RetryWithBackoff(ctx, func(ctx context.Context) error {
		respBody, err := c.execute(ctx, method, endpoint, nil)
		if err != nil {
			return err
		}
		raw = respBody
		return nil
	}, c.retryConf)
	return raw, err
}

func (c *GitLabClient) execute(ctx context.Context, method, endpoint string, jsonData []byte) ([]byte, error) {
	var bodyReader io.Reader
	if jsonData != nil {
		bodyReader = bytes.NewReader(jsonData)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, bodyReader)
	if reqErr != nil {
		return nil, fmt.Errorf("failed to create request: %w", reqErr)
	}

	req.Header.Set("PRIVATE-TOKEN", c.token)
	if jsonData != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, callErr := c.httpClient.Do(req)
	if callErr != nil {
		return nil, llmhttp.NewTimeoutError(gitlabProviderName, callErr.Error())
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response: %w", readErr)
	}

	if resp.StatusCode >= 400 {
		return nil, llmhttp.FromStatusCode(gitlabProviderName, resp.StatusCode, apiErrorMessage(respBody))
	}
	return respBody, nil
}
