package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/imehof/bookchat/internal/config"
)

func newTestGemini(baseURL string) *Gemini {
	return NewGemini(config.ProviderConfig{
		Backend:      config.BackendGemini,
		GoogleAPIKey: "g-key",
		GeminiBase:   baseURL,
	})
}

func TestGemini_GenerateToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q, want :generateContent suffix", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("key query param = %q", r.URL.Query().Get("key"))
		}

		var req geminiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil {
			t.Error("system instruction not set")
		}
		if len(req.Tools) != 1 {
			t.Errorf("tools = %+v, want one declaration group", req.Tools)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{
						{"functionCall": map[string]any{"name": "search_course_content", "args": map[string]any{"query": "dds"}}},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	reply, err := c.Generate(context.Background(), GenerateRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are a tutor"},
			{Role: RoleUser, Content: "what is DDS?"},
		},
		Tools: []Tool{{Name: "search_course_content", Parameters: ToolParams{Type: "object"}}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(reply.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(reply.ToolCalls))
	}
	tc := reply.ToolCalls[0]
	if tc.Name != "search_course_content" {
		t.Errorf("Name = %q", tc.Name)
	}
	if !strings.Contains(tc.Arguments, "dds") {
		t.Errorf("Arguments = %q, want args JSON", tc.Arguments)
	}
	if tc.ID == "" {
		t.Error("synthetic call id is empty")
	}
}

func TestGemini_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "DDS is a middleware."}},
				},
			}},
		})
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	reply, err := c.Generate(context.Background(), GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "what is DDS?"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Content != "DDS is a middleware." {
		t.Errorf("Content = %q", reply.Content)
	}
	if len(reply.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", reply.ToolCalls)
	}
}

func TestGemini_ToolResultRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}

		// The tool-result turn must arrive as a functionResponse part keyed
		// by the tool name.
		found := false
		for _, content := range req.Contents {
			for _, p := range content.Parts {
				if p.FunctionResponse != nil && p.FunctionResponse.Name == "search_course_content" {
					found = true
				}
			}
		}
		if !found {
			t.Error("functionResponse part missing from request")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": "done"}}},
			}},
		})
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{
		Messages: []Message{
			{Role: RoleUser, Content: "question"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "search_course_content-0", Name: "search_course_content", Arguments: `{"query":"x"}`}}},
			{Role: RoleTool, Name: "search_course_content", ToolCallID: "search_course_content-0", Content: `[]`},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestGemini_EmbedMany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":batchEmbedContents") {
			t.Errorf("path = %q, want :batchEmbedContents suffix", r.URL.Path)
		}
		var req geminiBatchEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Requests) != 2 {
			t.Errorf("got %d requests, want 2", len(req.Requests))
		}

		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []map[string]any{
				{"values": []float32{0.1, 0.2}},
				{"values": []float32{0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	vecs, err := c.EmbedMany(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestGemini_Dimension(t *testing.T) {
	if d := newTestGemini("http://unused").Dimension(); d != 768 {
		t.Errorf("Dimension = %d, want 768", d)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	c, err := New(config.ProviderConfig{Backend: config.BackendOpenAI, OpenAIAPIKey: "k"})
	if err != nil {
		t.Fatalf("New(openai): %v", err)
	}
	if _, ok := c.(*OpenAI); !ok {
		t.Errorf("backend type = %T, want *OpenAI", c)
	}

	c, err = New(config.ProviderConfig{Backend: config.BackendGemini, GoogleAPIKey: "k"})
	if err != nil {
		t.Fatalf("New(gemini): %v", err)
	}
	if _, ok := c.(*Gemini); !ok {
		t.Errorf("backend type = %T, want *Gemini", c)
	}

	if _, err := New(config.ProviderConfig{Backend: "other"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
