package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/imehof/bookchat/internal/config"
)

const (
	openAIDefaultBase  = "https://api.openai.com"
	openAIChatModel    = "gpt-4o-mini"
	openAIEmbedModel   = "text-embedding-ada-002"
	openAIDimension    = 1536
	openAIChatTimeout  = 90 * time.Second
	openAIEmbedTimeout = 30 * time.Second

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// OpenAI talks to the OpenAI chat-completions and embeddings APIs, or to any
// API-compatible server when a custom base URL is configured.
type OpenAI struct {
	apiKey     string
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

var _ Client = (*OpenAI)(nil)

// NewOpenAI creates the OpenAI-style backend from config. Empty model and
// base URL fields fall back to the API defaults.
func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	base := cfg.OpenAIBase
	if base == "" {
		base = openAIDefaultBase
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = openAIChatModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = openAIEmbedModel
	}
	return &OpenAI{
		apiKey:     cfg.OpenAIAPIKey,
		baseURL:    strings.TrimRight(base, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{},
	}
}

// Dimension returns the embedding vector size for text-embedding-ada-002.
func (c *OpenAI) Dimension() int { return openAIDimension }

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends one chat-completion request, declaring req.Tools when present.
func (c *OpenAI) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	payload := openAIChatRequest{
		Model:       c.chatModel,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
		for _, t := range req.Tools {
			payload.Tools = append(payload.Tools, openAITool{Type: "function", Function: t})
		}
	}

	var out openAIChatResponse
	if err := c.post(ctx, "/v1/chat/completions", payload, &out, openAIChatTimeout); err != nil {
		return Reply{}, err
	}
	if out.Error != nil {
		return Reply{}, &Error{Backend: "openai", Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return Reply{}, &Error{Backend: "openai", Message: "empty choices in chat response"}
	}

	msg := out.Choices[0].Message
	reply := Reply{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EmbedOne embeds a single text.
func (c *OpenAI) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in a single batched API call. The result order
// matches the input order.
func (c *OpenAI) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out openAIEmbedResponse
	err := c.post(ctx, "/v1/embeddings", openAIEmbedRequest{Model: c.embedModel, Input: texts}, &out, openAIEmbedTimeout)
	if err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, &Error{Backend: "openai", Message: out.Error.Message}
	}
	if len(out.Data) != len(texts) {
		return nil, &Error{Backend: "openai", Message: fmt.Sprintf("embedding count %d does not match input count %d", len(out.Data), len(texts))}
	}

	// The API documents order as input order, but index is authoritative.
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// post sends one JSON request with retry on rate limiting.
func (c *OpenAI) post(ctx context.Context, path string, payload, dst any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		lastErr = c.doPost(ctx, path, body, dst, timeout)
		if lastErr == nil {
			return nil
		}
		var provErr *Error
		if !asRateLimit(lastErr, &provErr) {
			return lastErr
		}
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

func (c *OpenAI) doPost(ctx context.Context, path string, body []byte, dst any, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Backend: "openai", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Backend: "openai", Status: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &Error{Backend: "openai", Message: "decoding response", Err: err}
	}
	return nil
}

func toOpenAIMessages(msgs []Message) []openAIMessage {
	out := make([]openAIMessage, len(msgs))
	for i, m := range msgs {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out[i] = om
	}
	return out
}
