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

// geminiClient talks to the Gemini generateContent REST API.
type geminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

func newGeminiClient(opts Options) *geminiClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &geminiClient{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		maxRetries: opts.MaxRetries,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *geminiClient) Name() string { return "gemini/" + c.model }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *geminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *geminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.APIDebug("[gemini] request: model=%s system_len=%d user_len=%d",
		c.model, len(systemPrompt), len(userPrompt))

	c.throttle()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0.1,
			MaxOutputTokens: 4096,
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	body, err := json.Marshal(reqBody)
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
			logging.API("[gemini] completed: model=%s tokens=%d in %dms", c.model, tokens, durMs)
			logging.Audit().LLMCall(c.Name(), tokens, durMs, true, "")
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		logging.APIDebug("[gemini] attempt %d failed, retrying: %v", attempt+1, err)
	}

	durMs := time.Since(start).Milliseconds()
	logging.APIError("[gemini] failed after %dms: %v", durMs, lastErr)
	logging.Audit().LLMCall(c.Name(), 0, durMs, false, lastErr.Error())
	return "", fmt.Errorf("gemini completion failed: %w", lastErr)
}

func (c *geminiClient) do(ctx context.Context, body []byte) (text string, tokens int, retryable bool, err error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", 0, false, fmt.Errorf("api error %s: %s", parsed.Error.Status, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return "", 0, false, fmt.Errorf("no candidates returned")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", 0, false, fmt.Errorf("empty completion (finish=%s)", parsed.Candidates[0].FinishReason)
	}
	return out, parsed.UsageMetadata.TotalTokenCount, false, nil
}

func (c *geminiClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gap := time.Since(c.lastRequest); gap < minRequestGap {
		time.Sleep(minRequestGap - gap)
	}
	c.lastRequest = time.Now()
}
