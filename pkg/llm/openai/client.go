// Package openai talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, vLLM, Ollama).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tedboudros/ClawQuant/pkg/llm"
)

// maxErrorBody caps how much of a failed response is kept in an APIError.
const maxErrorBody = 4 << 10

type Client struct {
	config     *llm.Config
	httpClient *http.Client
	retry      *llm.RetryPolicy
}

// New returns a client that retries with llm.DefaultRetryPolicy.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		retry:      llm.DefaultRetryPolicy(),
	}
}

func (c *Client) WithRetry(p *llm.RetryPolicy) *Client {
	c.retry = p
	return c
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []requestMessage `json:"messages"`
	Tools       []llm.Tool       `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
}

type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one chat completion request, retrying transient failures.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	body, err := json.Marshal(c.request(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var out chatResponse
	err = c.retry.Execute(ctx, func() error {
		var err error
		out, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	msg := out.Choices[0].Message
	return &llm.Response{
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		Usage: llm.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) request(messages []llm.Message, tools []llm.Tool) chatRequest {
	req := chatRequest{
		Model:     c.config.Model,
		Messages:  make([]requestMessage, 0, len(messages)),
		Tools:     tools,
		MaxTokens: c.config.MaxTokens,
	}
	if t := c.config.Temperature; t != 0 {
		req.Temperature = &t
	}
	for _, m := range messages {
		rm := requestMessage{Role: m.Role, Content: m.Content}
		switch {
		case len(m.Tools) == 0:
		case m.Role == llm.RoleTool:
			// A tool message answers exactly one call.
			rm.ToolCallID = m.Tools[0].ID
		default:
			rm.ToolCalls = m.Tools
		}
		req.Messages = append(req.Messages, rm)
	}
	return req
}

func (c *Client) post(ctx context.Context, body []byte) (chatResponse, error) {
	var out chatResponse

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return out, apiError(resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// apiError keeps the provider's own error message when the body carries one.
func apiError(status int, raw []byte) *llm.APIError {
	body := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		body = er.Error.Message
	}
	return &llm.APIError{StatusCode: status, Body: body}
}
