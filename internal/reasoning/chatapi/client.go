// Package chatapi implements reasoning.Provider over an OpenAI-compatible
// chat-completions endpoint.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nfaudit/internal/reasoning"
)

const maxResponseBytes = 4 << 20

// Client talks to one chat-completions endpoint.
type Client struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Timeouts come from the caller's
// context, so the default client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// New builds a client. baseURL is the API root, e.g. https://api.openai.com/v1.
func New(name, baseURL, model, apiKey string, opts ...Option) (*Client, error) {
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	if baseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	if model == "" {
		return nil, errors.New("provider model is required")
	}
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements reasoning.Provider.
func (c *Client) Name() string {
	return c.name
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string                   `json:"type"`
	Function reasoning.ToolDefinition `json:"function"`
}

type wireRequest struct {
	Model          string            `json:"model"`
	Messages       []wireMessage     `json:"messages"`
	Tools          []wireTool        `json:"tools,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke implements reasoning.Provider.
func (c *Client) Invoke(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
	body, err := json.Marshal(c.toWire(req))
	if err != nil {
		return nil, reasoning.NewProviderError(reasoning.ErrorInternal, c.name, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, reasoning.NewProviderError(reasoning.ErrorInternal, c.name, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chat completion: %w", ctxErr)
		}
		return nil, reasoning.NewProviderError(reasoning.ErrorUnavailable, c.name, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chat completion: %w", ctxErr)
		}
		return nil, reasoning.NewProviderError(reasoning.ErrorUnavailable, c.name, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, reasoning.NewProviderError(categoryForStatus(resp.StatusCode), c.name,
			fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(raw)), nil)
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, reasoning.NewProviderError(reasoning.ErrorMalformedOutput, c.name, "decode response", err)
	}
	if len(wr.Choices) == 0 {
		return nil, reasoning.NewProviderError(reasoning.ErrorMalformedOutput, c.name, "empty choices in response", nil)
	}
	msg := wr.Choices[0].Message

	out := &reasoning.Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, reasoning.NewProviderError(reasoning.ErrorMalformedOutput, c.name,
					"tool call arguments are not a JSON object", err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, reasoning.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (c *Client) toWire(req reasoning.Request) wireRequest {
	wr := wireRequest{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{Type: "function", Function: t})
	}
	if len(wr.Tools) == 0 {
		wr.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return wr
}

func categoryForStatus(status int) reasoning.ErrorCategory {
	switch {
	case status == http.StatusTooManyRequests:
		return reasoning.ErrorRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return reasoning.ErrorAuthentication
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return reasoning.ErrorTimeout
	case status >= 500:
		return reasoning.ErrorUnavailable
	case status >= 400:
		return reasoning.ErrorBadRequest
	default:
		return reasoning.ErrorUnavailable
	}
}

func errorMessage(raw []byte) string {
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err == nil && wr.Error != nil && wr.Error.Message != "" {
		return wr.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
