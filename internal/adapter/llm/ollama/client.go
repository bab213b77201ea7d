package ollama

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

// Local models can be much slower than hosted APIs.
const defaultTimeout = 300 * time.Second

// HTTPClient is an HTTP client for a local Ollama chat endpoint.
type HTTPClient struct {
	baseURL   string
	model     string
	timeout   time.Duration
	retryConf llmhttp.RetryConfig
	client    *http.Client

	logger llmhttp.Logger
}

// NewHTTPClient creates a new Ollama HTTP client.
func NewHTTPClient(baseURL, model string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		model:     model,
		timeout:   defaultTimeout,
		retryConf: llmhttp.DefaultRetryConfig(),
		client:    &http.Client{Timeout: defaultTimeout},
	}
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

// GenerateResponse runs one conversational turn against the chat endpoint.
// The format field forces valid JSON output from the model.
func (c *HTTPClient) GenerateResponse(ctx context.Context, messages domain.Conversation) (string, error) {
	startTime := time.Now()

	reqBody := ChatRequest{
		Model:    c.model,
		Messages: toMessages(messages),
		Stream:   false,
		Format:   "json",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.logger != nil {
		c.logger.LogRequest(ctx, llmhttp.RequestLog{
			Provider:     "ollama",
			Model:        c.model,
			Timestamp:    startTime,
			MessageCount: len(messages),
			PromptChars:  promptChars(messages),
			APIKey:       "", // Ollama doesn't use API keys
		})
	}

	url := c.baseURL + "/api/chat"
	var text string
	operation := func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return llmhttp.NewTimeoutError("ollama", "request timed out")
			}
			return llmhttp.NewTimeoutError("ollama", err.Error())
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleErrorResponse(resp.StatusCode, body)
		}

		var chatResp ChatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		text = chatResp.Message.Content
		return nil
	}

	err = llmhttp.RetryWithBackoff(ctx, operation, c.retryConf)
	duration := time.Since(startTime)

	if err != nil {
		if c.logger != nil {
			var httpErr *llmhttp.Error
			if errors.As(err, &httpErr) {
				c.logger.LogError(ctx, llmhttp.ErrorLog{
					Provider:   "ollama",
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
			Provider:      "ollama",
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
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	} else if len(body) > 0 && len(body) < 200 {
		message = string(body)
	}

	return llmhttp.FromStatusCode("ollama", statusCode, message)
}

func toMessages(conversation domain.Conversation) []Message {
	out := make([]Message, 0, len(conversation))
	for _, m := range conversation {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func promptChars(conversation domain.Conversation) int {
	total := 0
	for _, m := range conversation {
		total += len(m.Content)
	}
	return total
}
