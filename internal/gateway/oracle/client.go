package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scalpctl/internal/logger"
	"scalpctl/internal/pkg/retry"
)

// ChatClient 兼容 OpenAI / DeepSeek / Qwen 的聊天补全接口（/v1/chat/completions）。
type ChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// 429/5xx 的重试次数，0 表示默认 2 次
	MaxRetries   int
	ExtraHeaders map[string]string

	httpc *http.Client
	sleep func(ctx context.Context, d time.Duration) error
}

func NewChatClient(baseURL, apiKey, model string, timeout time.Duration, retries int) *ChatClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		Timeout:    timeout,
		MaxRetries: retries,
		httpc:      &http.Client{Timeout: timeout},
	}
}

func (c *ChatClient) endpoint() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	// 用户可能把完整的 /chat/completions 写进配置
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

// Call sends one system+user exchange and returns the first choice.
func (c *ChatClient) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	httpc := c.httpc
	if httpc == nil {
		httpc = &http.Client{Timeout: c.Timeout}
	}
	url := c.endpoint()

	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	b, err := json.Marshal(map[string]any{"model": c.Model, "messages": messages, "temperature": 0.1})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	logger.Debugf("[oracle] POST %s model=%s auth=%s", url, c.Model, maskKey(c.APIKey))

	policy := retry.Policy{
		Attempts: maxRetries + 1,
		Base:     800 * time.Millisecond,
		Max:      8 * time.Second,
		Sleep:    c.sleep,
	}
	var content string
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := c.post(ctx, httpc, url, b)
		if err != nil {
			return err
		}
		content = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// post performs one attempt. Only 429/5xx responses are retryable.
func (c *ChatClient) post(ctx context.Context, httpc *http.Client, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return "", retry.Permanent(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return "", retry.Permanent(fmt.Errorf("decode chat response: %w", err))
		}
		if len(r.Choices) == 0 {
			return "", retry.Permanent(fmt.Errorf("empty choices"))
		}
		return r.Choices[0].Message.Content, nil
	}

	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eresp)
	msg := strings.TrimSpace(eresp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	err = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	if !retryable(resp.StatusCode) {
		return "", retry.Permanent(err)
	}
	return "", retry.After(err, retryAfter(resp.Header.Get("Retry-After")))
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter parses a Retry-After in seconds; zero falls back to the backoff
// of 0.8s, 1.6s, 3.2s ... capped at 8s.
func retryAfter(raw string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func maskKey(key string) string {
	if key == "" {
		return "none"
	}
	if len(key) > 4 {
		return "****" + key[len(key)-4:]
	}
	return "****"
}
