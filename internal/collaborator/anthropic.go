package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"vigil/internal/logging"
)

const anthropicVersion = "2023-06-01"

// minRequestGap spaces requests out so a burst of dialectic rounds does not
// trip the provider's rate limiter.
const minRequestGap = 100 * time.Millisecond

// anthropicClient talks to the Anthropic messages API directly.
type anthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

func newAnthropicClient(opts Options) *anthropicClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &anthropicClient{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		maxRetries: opts.MaxRetries,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *anthropicClient) Name() string { return "anthropic/" + c.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *anthropicClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.APIDebug("[anthropic] request: model=%s system_len=%d user_len=%d",
		c.model, len(systemPrompt), len(userPrompt))

	c.throttle()

	body, err := json.Marshal(anthropicRequest{
		Model:       c.model,
		MaxTokens:   4096,
		System:      systemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}

		text, tokens, retryable, err := c.do(ctx, body)
		if err == nil {
			durMs := time.Since(start).Milliseconds()
			logging.API("[anthropic] completed: model=%s tokens=%d in %dms", c.model, tokens, durMs)
			logging.Audit().LLMCall(c.Name(), tokens, durMs, true, "")
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		logging.APIDebug("[anthropic] attempt %d failed, retrying: %v", attempt+1, err)
	}

	durMs := time.Since(start).Milliseconds()
	logging.APIError("[anthropic] failed after %dms: %v", durMs, lastErr)
	logging.Audit().LLMCall(c.Name(), 0, durMs, false, lastErr.Error())
	return "", fmt.Errorf("anthropic completion failed: %w", lastErr)
}

// do runs one request and reports whether a failure is worth retrying.
func (c *anthropicClient) do(ctx context.Context, body []byte) (text string, tokens int, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, true, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		return "", 0, true, fmt.Errorf("server error (%d): %s", resp.StatusCode, truncate(raw, 200))
	case resp.StatusCode != http.StatusOK:
		return "", 0, false, fmt.Errorf("request rejected (%d): %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", 0, false, fmt.Errorf("api error: %s", parsed.Error.Message)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", 0, false, fmt.Errorf("no completion returned")
	}
	return out, parsed.Usage.InputTokens + parsed.Usage.OutputTokens, false, nil
}

func (c *anthropicClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gap := time.Since(c.lastRequest); gap < minRequestGap {
		time.Sleep(minRequestGap - gap)
	}
	c.lastRequest = time.Now()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
