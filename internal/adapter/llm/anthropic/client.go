package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
	"github.com/bkyoung/review-pipeline/internal/domain"
)

const (
	defaultBaseURL          = "https://api.anthropic.com"
	defaultTimeout          = 60 * time.Second
	defaultAnthropicVersion = "2023-06-01"
	defaultMaxTokens        = 4096
)

// HTTPClient is an HTTP client for the Anthropic Messages API.
type HTTPClient struct {
	apiKey    string
	model     string
	baseURL   string
	timeout   time.Duration
	retryConf llmhttp.RetryConfig
	client    *http.Client

	logger llmhttp.Logger
}

// NewHTTPClient creates a new Anthropic HTTP client.
func NewHTTPClient(apiKey, model string) *HTTPClient {
	return &HTTPClient{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		timeout:   defaultTimeout,
		retryConf: llmhttp.DefaultRetryConfig(),
		client:    &http.Client{Timeout: defaultTimeout},
	}
}

// SetBaseURL sets a custom base URL (proxies, testing).
func (c *HTTPClient) SetBaseURL(url string) {
	c.baseURL = url
}

// SetTimeout sets the HTTP timeout.
func (c *HTTPClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
	c.client.Timeout = timeout
}

// SetLogger sets the logger for this client.
func (c *HTTPClient) SetLogger(logger llmhttp.Logger) {
	c.logger = logger
}

// GenerateResponse runs one conversational turn against the Messages API.
// System messages are lifted out of the conversation and passed in the
// request's system field, which is how this API expects them.
func (c *HTTPClient) GenerateResponse(ctx context.Context, messages domain.Conversation) (string, error) {
	startTime := time.Now()

	systemPrompt, filtered := splitSystem(messages)

	reqBody := MessagesRequest{
		Model:     c.model,
		Messages:  filtered,
		System:    systemPrompt,
		MaxTokens: defaultMaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.logger != nil {
		c.logger.LogRequest(ctx, llmhttp.RequestLog{
			Provider:     "anthropic",
			Model:        c.model,
			Timestamp:    startTime,
			MessageCount: len(messages),
			PromptChars:  promptChars(messages),
			APIKey:       c.apiKey,
		})
	}

	url := c.baseURL + "/v1/messages"
	var text string
	operation := func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}

		// Anthropic uses x-api-key instead of Authorization
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", defaultAnthropicVersion)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return llmhttp.NewTimeoutError("anthropic", "request timed out")
			}
			return llmhttp.NewTimeoutError("anthropic", err.Error())
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleErrorResponse(resp.StatusCode, body)
		}

		var msgResp MessagesResponse
		if err := json.Unmarshal(body, &msgResp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if len(msgResp.Content) == 0 {
			return fmt.Errorf("no content in response")
		}

		text = msgResp.Content[0].Text
		return nil
	}

	err = llmhttp.RetryWithBackoff(ctx, operation, c.retryConf)
	duration := time.Since(startTime)

	if err != nil {
		if c.logger != nil {
			var httpErr *llmhttp.Error
			if errors.As(err, &httpErr) {
				c.logger.LogError(ctx, llmhttp.ErrorLog{
					Provider:   "anthropic",
					Model:      c.model,
					Timestamp:  time.Now(),
					Duration:   duration,
					Error:      err,
					ErrorType:  httpErr.Type,
					StatusCode: httpErr.StatusCode,
					Retryable:  httpErr.Retryable,
				})
			}
		}
		return "", err
	}

	if c.logger != nil {
		c.logger.LogResponse(ctx, llmhttp.ResponseLog{
			Provider:      "anthropic",
			Model:         c.model,
			Timestamp:     time.Now(),
			Duration:      duration,
			ResponseChars: len(text),
			StatusCode:    200,
		})
	}

	return text, nil
}

// handleErrorResponse converts HTTP error responses to typed errors.
func (c *HTTPClient) handleErrorResponse(statusCode int, body []byte) error {
	message := ""

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	} else if len(body) > 0 && len(body) < 200 {
		message = string(body)
	}

	return llmhttp.FromStatusCode("anthropic", statusCode, message)
}

// splitSystem separates the system prompt from the user/assistant turns.
func splitSystem(conversation domain.Conversation) (string, []Message) {
	system := ""
	filtered := make([]Message, 0, len(conversation))
	for _, m := range conversation {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		filtered = append(filtered, Message{Role: string(m.Role), Content: m.Content})
	}
	return system, filtered
}

func promptChars(conversation domain.Conversation) int {
	total := 0
	for _, m := range conversation {
		total += len(m.Content)
	}
	return total
}
