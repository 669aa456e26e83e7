package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/imehof/bookchat/internal/config"
)

const (
	geminiDefaultBase  = "https://generativelanguage.googleapis.com"
	geminiChatModel    = "gemini-pro"
	geminiEmbedModel   = "embedding-001"
	geminiDimension    = 768
	geminiChatTimeout  = 90 * time.Second
	geminiEmbedTimeout = 30 * time.Second
)

// Gemini talks to the Google Generative Language API.
type Gemini struct {
	apiKey     string
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

var _ Client = (*Gemini)(nil)

// NewGemini creates the Gemini-style backend from config.
func NewGemini(cfg config.ProviderConfig) *Gemini {
	base := cfg.GeminiBase
	if base == "" {
		base = geminiDefaultBase
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = geminiChatModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = geminiEmbedModel
	}
	return &Gemini{
		apiKey:     cfg.GoogleAPIKey,
		baseURL:    strings.TrimRight(base, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{},
	}
}

// Dimension returns the embedding vector size for embedding-001.
func (c *Gemini) Dimension() int { return geminiDimension }

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  ToolParams `json:"parameters"`
}

type geminiChatRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []struct {
		FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiChatResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends one generateContent request. Gemini does not assign tool
// call ids, so synthetic ids are derived from the call position.
func (c *Gemini) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	payload := geminiChatRequest{}
	payload.GenerationConfig.Temperature = req.Temperature

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: json.RawMessage(tc.Arguments)},
				})
			}
			payload.Contents = append(payload.Contents, content)
		case RoleTool:
			payload.Contents = append(payload.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: map[string]any{"content": m.Content},
					},
				}},
			})
		default:
			payload.Contents = append(payload.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		payload.Tools = append(payload.Tools, struct {
			FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
		}{FunctionDeclarations: decls})
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent", c.chatModel)
	var out geminiChatResponse
	if err := c.post(ctx, path, payload, &out, geminiChatTimeout); err != nil {
		return Reply{}, err
	}
	if out.Error != nil {
		return Reply{}, &Error{Backend: "gemini", Message: out.Error.Message}
	}
	if len(out.Candidates) == 0 {
		return Reply{}, &Error{Backend: "gemini", Message: "empty candidates in chat response"}
	}

	reply := Reply{}
	for i, part := range out.Candidates[0].Content.Parts {
		if part.Text != "" {
			reply.Content += part.Text
		}
		if part.FunctionCall != nil {
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				args = string(part.FunctionCall.Args)
			}
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("%s-%d", part.FunctionCall.Name, i),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	return reply, nil
}

type geminiEmbedContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiEmbedRequest struct {
	Model   string             `json:"model"`
	Content geminiEmbedContent `json:"content"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiEmbedding struct {
	Values []float32 `json:"values"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []geminiEmbedding `json:"embeddings"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type geminiEmbedResponse struct {
	Embedding geminiEmbedding `json:"embedding"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EmbedOne embeds a single text via embedContent.
func (c *Gemini) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	path := fmt.Sprintf("/v1beta/models/%s:embedContent", c.embedModel)
	req := geminiEmbedRequest{
		Model:   "models/" + c.embedModel,
		Content: geminiEmbedContent{Parts: []geminiPart{{Text: text}}},
	}

	var out geminiEmbedResponse
	if err := c.post(ctx, path, req, &out, geminiEmbedTimeout); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, &Error{Backend: "gemini", Message: out.Error.Message}
	}
	if len(out.Embedding.Values) == 0 {
		return nil, &Error{Backend: "gemini", Message: "empty embedding in response"}
	}
	return out.Embedding.Values, nil
}

// EmbedMany embeds texts via batchEmbedContents. The response order matches
// the request order.
func (c *Gemini) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batch := geminiBatchEmbedRequest{Requests: make([]geminiEmbedRequest, len(texts))}
	for i, t := range texts {
		batch.Requests[i] = geminiEmbedRequest{
			Model:   "models/" + c.embedModel,
			Content: geminiEmbedContent{Parts: []geminiPart{{Text: t}}},
		}
	}

	path := fmt.Sprintf("/v1beta/models/%s:batchEmbedContents", c.embedModel)
	var out geminiBatchEmbedResponse
	if err := c.post(ctx, path, batch, &out, geminiEmbedTimeout); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, &Error{Backend: "gemini", Message: out.Error.Message}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &Error{Backend: "gemini", Message: fmt.Sprintf("embedding count %d does not match input count %d", len(out.Embeddings), len(texts))}
	}

	vecs := make([][]float32, len(out.Embeddings))
	for i, e := range out.Embeddings {
		vecs[i] = e.Values
	}
	return vecs, nil
}

func (c *Gemini) post(ctx context.Context, path string, payload, dst any, timeout time.Duration) error {
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

func (c *Gemini) doPost(ctx context.Context, path string, body []byte, dst any, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.baseURL + path + "?key=" + c.apiKey
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Backend: "gemini", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Backend: "gemini", Status: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &Error{Backend: "gemini", Message: "decoding response", Err: err}
	}
	return nil
}
